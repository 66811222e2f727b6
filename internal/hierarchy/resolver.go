// Package hierarchy resolves the transitive closure of a workflow: every
// nested workflow it reaches and every activity those workflows call.
package hierarchy

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Source loads definitions.
type Source interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	GetActivity(ctx context.Context, id string) (*models.Activity, error)
}

// ResolvedActivity is an activity transformed for bundling under its
// external name.
type ResolvedActivity struct {
	Activity *models.Activity
	Code     string
	Imports  []string
}

// Result is the resolved closure of a root workflow.
type Result struct {
	Root *models.Workflow
	// Workflows in breadth-first discovery order, root first.
	Workflows []*models.Workflow
	// Children maps a workflow id to the ids of the workflows it links.
	Children map[string][]string
	// ActivityCode maps a workflow external name to the bundle of the
	// activities it links directly.
	ActivityCode map[string]string
	// Imports maps a workflow external name to the external modules its
	// activities import.
	Imports map[string][]string
	// Merged maps a workflow external name to the external names of the
	// activities merged into its ActivityCode.
	Merged map[string][]string
	// Activities holds every distinct activity of the closure in discovery
	// order.
	Activities []*ResolvedActivity
}

// ActivityNames returns the external names of every activity in the closure.
func (r *Result) ActivityNames() []string {
	out := make([]string, len(r.Activities))
	for i, a := range r.Activities {
		out[i] = a.Activity.ExternalName
	}
	sort.Strings(out)
	return out
}

// Resolver walks workflow links breadth-first.
type Resolver struct {
	source   Source
	adapters *transform.Registry
	logger   logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(source Source, adapters *transform.Registry, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, adapters: adapters, logger: logger}
}

// Resolve loads the closure of rootID. Every workflow is visited once, so
// shared subgraphs and cycles terminate. An activity is transformed once
// and merged once per workflow even when linked several times.
func (r *Resolver) Resolve(ctx context.Context, rootID string) (*Result, error) {
	res := &Result{
		Children:     map[string][]string{},
		ActivityCode: map[string]string{},
		Imports:      map[string][]string{},
		Merged:       map[string][]string{},
	}
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	resolved := map[string]*ResolvedActivity{} // by activity id
	owners := map[string]string{}              // activity external name -> id

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]

		wf, err := r.source.GetWorkflow(ctx, id)
		if err != nil {
			if id != rootID && apperrors.Is(err, apperrors.CodeNotFound) {
				return nil, apperrors.Wrap(apperrors.CodeDataIntegrity, err, "linked workflow %q does not exist", id)
			}
			return nil, err
		}
		if res.Root == nil {
			res.Root = wf
		}
		res.Workflows = append(res.Workflows, wf)

		merged := map[string]bool{}
		var names, parts []string
		imports := map[string]struct{}{}
		for _, link := range wf.Links {
			if err := link.Validate(); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeDataIntegrity, err, "workflow %q link %q is invalid", wf.ExternalName, link.ID).
					WithDetails(map[string]string{"workflow_id": wf.ID, "link_id": link.ID})
			}
			if !link.IsActivity() {
				child := *link.SubWorkflowID
				res.Children[wf.ID] = append(res.Children[wf.ID], child)
				if !visited[child] {
					visited[child] = true
					queue = append(queue, child)
				}
				continue
			}

			_, known := resolved[*link.ActivityID]
			ra, err := r.activity(ctx, wf, *link.ActivityID, resolved, owners)
			if err != nil {
				return nil, err
			}
			if !known {
				res.Activities = append(res.Activities, ra)
			}
			ext := ra.Activity.ExternalName
			if merged[ext] {
				continue
			}
			merged[ext] = true
			names = append(names, ext)
			parts = append(parts, ra.Code)
			for _, imp := range ra.Imports {
				imports[imp] = struct{}{}
			}
		}

		adapter, err := r.adapters.For(wf.Language)
		if err != nil {
			return nil, err
		}
		code, err := adapter.Bundle(nil, parts...)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to bundle activities of %q", wf.ExternalName)
		}
		sort.Strings(names)
		res.ActivityCode[wf.ExternalName] = code
		res.Merged[wf.ExternalName] = names
		res.Imports[wf.ExternalName] = sortedSet(imports)
		r.logger.Debug("resolved workflow", "workflow", wf.ExternalName, "activities", len(names), "children", len(res.Children[wf.ID]))
	}
	return res, nil
}

// activity loads and transforms an activity once per resolution.
func (r *Resolver) activity(ctx context.Context, wf *models.Workflow, id string, resolved map[string]*ResolvedActivity, owners map[string]string) (*ResolvedActivity, error) {
	if ra, ok := resolved[id]; ok {
		return ra, nil
	}
	a, err := r.source.GetActivity(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeDataIntegrity, err, "workflow %q links missing activity %q", wf.ExternalName, id)
		}
		return nil, err
	}
	if other, ok := owners[a.ExternalName]; ok && other != a.ID {
		return nil, apperrors.New(apperrors.CodeDataIntegrity, "activities %q and %q share external name %q", other, a.ID, a.ExternalName).
			WithDetails(map[string]string{"external_name": a.ExternalName})
	}

	adapter, err := r.adapters.For(a.Language)
	if err != nil {
		return nil, err
	}
	out, err := adapter.Transform(a.SourceCode, transform.TransformOptions{Kind: models.KindActivity, Name: a.ExternalName})
	if err != nil {
		var ae *apperrors.Error
		if errors.As(err, &ae) {
			return nil, ae.WithDetails(map[string]any{"activity": a.ExternalName, "cause": ae.Details})
		}
		return nil, err
	}
	ra := &ResolvedActivity{Activity: a, Code: out.Code, Imports: out.Imports}
	resolved[id] = ra
	owners[a.ExternalName] = a.ID
	return ra, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
