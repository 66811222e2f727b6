package versioning

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

func TestExternalName(t *testing.T) {
	ext, err := ExternalName("dataOps", "parseCsv", 3)
	require.NoError(t, err)
	assert.Equal(t, "dataops_parsecsv_v3", ext)

	for _, tc := range []struct{ category, name string }{
		{"data-ops", "parseCsv"},
		{"dataOps", "parse csv"},
		{"dataOps", "parse_csv"},
		{"", "parseCsv"},
		{"3d", "render"},
	} {
		_, err := ExternalName(tc.category, tc.name, 1)
		assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput), "%s/%s", tc.category, tc.name)
	}

	_, err = ExternalName("math", "sum", 0)
	assert.Error(t, err)
}

func newFixture(t *testing.T) (*repository.MemoryStore, *Versioner) {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateCategory(context.Background(), &models.Category{ID: "cat-math", TenantID: "tenant-a", Name: "math"}))
	v := NewVersioner(store,
		WithLogger(logging.Discard()),
		WithMaxAttempts(10),
		WithInitialInterval(time.Millisecond),
	)
	return store, v
}

func insertActivity(store *repository.MemoryStore, draft *models.Draft, id string) InsertFunc {
	return func(ctx context.Context, a Assignment) error {
		return store.InsertActivity(ctx, &models.Activity{Definition: models.Definition{
			ID:           id,
			ExternalName: a.ExternalName,
			Version:      a.Version,
			Name:         draft.Name,
			CategoryID:   a.Category.ID,
			TenantID:     draft.TenantID,
		}})
	}
}

func TestAssignSequentialVersions(t *testing.T) {
	ctx := context.Background()
	store, v := newFixture(t)
	draft := &models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-a"}

	first, err := v.Assign(ctx, models.KindActivity, draft, insertActivity(store, draft, "a1"))
	require.NoError(t, err)
	second, err := v.Assign(ctx, models.KindActivity, draft, insertActivity(store, draft, "a2"))
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, "math_sum_v1", first.ExternalName)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "math_sum_v2", second.ExternalName)

	a1, err := store.GetActivity(ctx, "a1")
	require.NoError(t, err)
	a2, err := store.GetActivity(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "math_sum_v1", a1.ExternalName)
	assert.Equal(t, "math_sum_v2", a2.ExternalName)
}

func TestAssignConcurrentCreatorsGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	store, v := newFixture(t)
	draft := &models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-a"}

	const creators = 8
	var wg sync.WaitGroup
	versions := make([]int, creators)
	errs := make([]error, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := v.Assign(ctx, models.KindActivity, draft, insertActivity(store, draft, "a"+strconv.Itoa(i)))
			errs[i] = err
			if err == nil {
				versions[i] = a.Version
			}
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < creators; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[versions[i]], "version %d assigned twice", versions[i])
		seen[versions[i]] = true
	}
	for want := 1; want <= creators; want++ {
		assert.True(t, seen[want], "missing version %d", want)
	}
}

func TestAssignRejectsBeforeVersionComputation(t *testing.T) {
	ctx := context.Background()
	_, v := newFixture(t)
	called := false
	insert := func(context.Context, Assignment) error {
		called = true
		return nil
	}

	_, err := v.Assign(ctx, models.KindActivity, &models.Draft{Name: "parse-csv", CategoryID: "cat-math", TenantID: "tenant-a"}, insert)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))

	_, err = v.Assign(ctx, models.KindActivity, &models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-b"}, insert)
	assert.ErrorIs(t, err, apperrors.ErrCategoryMismatch)

	_, err = v.Assign(ctx, models.KindActivity, &models.Draft{Name: "sum", CategoryID: "nope", TenantID: "tenant-a"}, insert)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	assert.False(t, called)
}

func TestAssignStopsOnOtherErrors(t *testing.T) {
	_, v := newFixture(t)
	attempts := 0
	boom := errors.New("disk full")

	_, err := v.Assign(context.Background(), models.KindActivity,
		&models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-a"},
		func(context.Context, Assignment) error {
			attempts++
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestAssignGivesUpAfterMaxAttempts(t *testing.T) {
	_, v := newFixture(t)
	attempts := 0

	_, err := v.Assign(context.Background(), models.KindActivity,
		&models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-a"},
		func(context.Context, Assignment) error {
			attempts++
			return apperrors.ErrVersionConflict
		})
	assert.True(t, apperrors.Is(err, apperrors.CodeVersionConflict))
	assert.Equal(t, 10, attempts)
}

func TestAssignFailsFastWhenExternalNameHeldByAnotherTenant(t *testing.T) {
	store, v := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCategory(ctx, &models.Category{ID: "cat-math-b", TenantID: "tenant-b", Name: "math"}))

	first := &models.Draft{Name: "sum", CategoryID: "cat-math", TenantID: "tenant-a"}
	_, err := v.Assign(ctx, models.KindActivity, first, insertActivity(store, first, "a1"))
	require.NoError(t, err)

	second := &models.Draft{Name: "sum", CategoryID: "cat-math-b", TenantID: "tenant-b"}
	attempts := 0
	insert := insertActivity(store, second, "b1")
	_, err = v.Assign(ctx, models.KindActivity, second, func(ctx context.Context, a Assignment) error {
		attempts++
		return insert(ctx, a)
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeVersionConflict))
	assert.ErrorIs(t, err, repository.ErrExternalNameTaken)
	assert.ErrorContains(t, err, "math_sum_v1")
	assert.Equal(t, 1, attempts)
}
