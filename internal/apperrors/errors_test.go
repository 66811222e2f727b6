package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("failed to load workflow: %w", NotFound("workflow", "wf-1"))

	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.True(t, Is(err, CodeNotFound))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, Is(nil, CodeInternal))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeEngineSubmission, cause, "failed to start %s", "math_sum_v1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ENGINE_SUBMISSION_ERROR")
	assert.Contains(t, err.Error(), "math_sum_v1")
}

func TestWithDetailsCopies(t *testing.T) {
	base := New(CodeSchemaValidation, "invalid env")
	withDetails := base.WithDetails([]string{"REGION"})

	assert.Nil(t, base.Details)
	assert.Equal(t, []string{"REGION"}, withDetails.Details)
}
