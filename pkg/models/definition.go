package models

import (
	"errors"
	"time"
)

// Definition holds the fields shared by activities and workflows. Rows are
// immutable: an edit inserts a new row with Version+1 and a new ExternalName.
type Definition struct {
	ID             string         `json:"id"`
	ExternalName   string         `json:"external_name"`
	Version        int            `json:"version"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Language       Language       `json:"language"`
	SourceCode     string         `json:"source_code"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	EnvInputSchema map[string]any `json:"env_input_schema,omitempty"`
	Imports        []string       `json:"imports,omitempty"`
	CategoryID     string         `json:"category_id"`
	TenantID       string         `json:"tenant_id"`
	PersonID       string         `json:"person_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Activity is the smallest versioned, executable unit of work.
type Activity struct {
	Definition
}

// Workflow composes activities and nested workflows through links.
type Workflow struct {
	Definition
	Links []*WorkflowLink `json:"links,omitempty"`
}

// ErrLinkTarget is returned by WorkflowLink.Validate when a link does not
// reference exactly one target.
var ErrLinkTarget = errors.New("workflow link must reference exactly one of activity or sub-workflow")

// WorkflowLink binds a workflow to exactly one activity or nested workflow.
type WorkflowLink struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflow_id"`
	ActivityID    *string `json:"activity_id,omitempty"`
	SubWorkflowID *string `json:"sub_workflow_id,omitempty"`
	Position      int     `json:"position"`
}

// Validate enforces the XOR invariant on the link target.
func (l *WorkflowLink) Validate() error {
	hasActivity := l.ActivityID != nil && *l.ActivityID != ""
	hasWorkflow := l.SubWorkflowID != nil && *l.SubWorkflowID != ""
	if hasActivity == hasWorkflow {
		return ErrLinkTarget
	}
	return nil
}

// IsActivity reports whether the link targets an activity.
func (l *WorkflowLink) IsActivity() bool {
	return l.ActivityID != nil && *l.ActivityID != ""
}

// Draft carries the caller supplied fields for a new definition version.
type Draft struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Language       Language       `json:"language,omitempty"`
	SourceCode     string         `json:"source_code"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	EnvInputSchema map[string]any `json:"env_input_schema,omitempty"`
	CategoryID     string         `json:"category_id"`
	TenantID       string         `json:"tenant_id"`
	PersonID       string         `json:"person_id"`
	// Links is only meaningful for workflows.
	Links []LinkDraft `json:"links,omitempty"`
}

// LinkDraft is a link target supplied when creating a workflow.
type LinkDraft struct {
	ActivityID    string `json:"activity_id,omitempty"`
	SubWorkflowID string `json:"sub_workflow_id,omitempty"`
}
