package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// DefaultTTL is the lifetime of cached artifacts.
const DefaultTTL = 24 * time.Hour

// emptyMember marks an import set that is intentionally empty; Redis drops
// sets without members.
const emptyMember = ""

// Artifacts is the prepared code of a root workflow.
type Artifacts struct {
	// WorkflowCode bundles every workflow of the closure.
	WorkflowCode string
	// ActivityCode bundles every activity of the closure.
	ActivityCode string
	// Imports lists the external modules the bundles need.
	Imports []string
	// EnvSchema is the merged environment input contract.
	EnvSchema map[string]any
}

// CodeCache stores Artifacts under the root workflow's external name. An
// edit produces a new version and therefore a new key, so entries are never
// invalidated explicitly.
type CodeCache struct {
	kv        KV
	namespace string
	ttl       time.Duration
	metrics   *Metrics
	logger    logging.Logger
}

// Option configures a CodeCache.
type Option func(*CodeCache)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(c *CodeCache) { c.namespace = ns }
}

// WithTTL sets the artifact lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *CodeCache) { c.ttl = ttl }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *CodeCache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *CodeCache) { c.logger = l }
}

// NewCodeCache creates a CodeCache over kv.
func NewCodeCache(kv KV, opts ...Option) *CodeCache {
	c := &CodeCache{
		kv:        kv,
		namespace: "codeflow",
		ttl:       DefaultTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

func (c *CodeCache) workflowKey(ext string) string  { return c.namespace + ":" + ext }
func (c *CodeCache) activityKey(ext string) string  { return c.workflowKey(ext) + ":activityCode" }
func (c *CodeCache) importsKey(ext string) string   { return c.workflowKey(ext) + ":imports" }
func (c *CodeCache) envSchemaKey(ext string) string { return c.workflowKey(ext) + ":envSchema" }
func (c *CodeCache) executionKey(id string) string  { return c.namespace + ":execution:" + id }

func (c *CodeCache) keys(ext string) []string {
	return []string{c.workflowKey(ext), c.activityKey(ext), c.importsKey(ext), c.envSchemaKey(ext)}
}

// Lookup returns the artifacts for ext when every key is present and
// refreshes their TTL without rewriting them. An incomplete set is reported
// as a miss so the caller recomputes everything.
func (c *CodeCache) Lookup(ctx context.Context, ext string) (*Artifacts, bool, error) {
	var a Artifacts
	wf, okWF, err := c.kv.Get(ctx, c.workflowKey(ext))
	if err != nil {
		return nil, false, err
	}
	act, okAct, err := c.kv.Get(ctx, c.activityKey(ext))
	if err != nil {
		return nil, false, err
	}
	imports, okImp, err := c.kv.GetSet(ctx, c.importsKey(ext))
	if err != nil {
		return nil, false, err
	}
	okEnv, err := c.kv.GetJSON(ctx, c.envSchemaKey(ext), &a.EnvSchema)
	if err != nil {
		return nil, false, err
	}

	present := 0
	for _, ok := range []bool{okWF, okAct, okImp, okEnv} {
		if ok {
			present++
		}
	}
	switch {
	case present == 0:
		c.metrics.misses.Inc()
		return nil, false, nil
	case present < 4:
		c.metrics.partial.Inc()
		c.metrics.misses.Inc()
		c.logger.Warn("partial cache entry, recomputing", "workflow", ext, "present", present)
		return nil, false, nil
	}

	all, err := c.kv.UpdateTTL(ctx, c.ttl, c.keys(ext)...)
	if err != nil {
		return nil, false, err
	}
	if !all {
		// expired between the reads and the refresh
		c.metrics.partial.Inc()
		c.metrics.misses.Inc()
		return nil, false, nil
	}

	a.WorkflowCode = wf
	a.ActivityCode = act
	for _, imp := range imports {
		if imp != emptyMember {
			a.Imports = append(a.Imports, imp)
		}
	}
	sort.Strings(a.Imports)
	c.metrics.hits.Inc()
	return &a, true, nil
}

// Store writes every artifact key for ext.
func (c *CodeCache) Store(ctx context.Context, ext string, a *Artifacts) error {
	if err := c.kv.Set(ctx, c.workflowKey(ext), a.WorkflowCode, c.ttl); err != nil {
		return err
	}
	if err := c.kv.Set(ctx, c.activityKey(ext), a.ActivityCode, c.ttl); err != nil {
		return err
	}
	members := append([]string{emptyMember}, a.Imports...)
	if err := c.kv.ReplaceSet(ctx, c.importsKey(ext), members, c.ttl); err != nil {
		return err
	}
	env := a.EnvSchema
	if env == nil {
		env = map[string]any{}
	}
	if err := c.kv.SetJSON(ctx, c.envSchemaKey(ext), env, c.ttl); err != nil {
		return err
	}
	c.metrics.writes.Inc()
	c.logger.Debug("cached artifacts", "workflow", ext, "imports", len(a.Imports))
	return nil
}

// SaveExecution records which workflow and owner an execution belongs to.
func (c *CodeCache) SaveExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.Key() == "" {
		return fmt.Errorf("execution record without workflow or schedule id")
	}
	return c.kv.SetJSON(ctx, c.executionKey(rec.Key()), rec, c.ttl)
}

// LoadExecution returns the record for an execution key.
func (c *CodeCache) LoadExecution(ctx context.Context, key string) (*models.ExecutionRecord, bool, error) {
	var rec models.ExecutionRecord
	ok, err := c.kv.GetJSON(ctx, c.executionKey(key), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rec, true, nil
}
