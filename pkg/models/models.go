// Package models defines the domain models for the activity and workflow
// definition service.
package models

import (
	"time"
)

// UnitKind distinguishes the two kinds of authored code units.
type UnitKind string

const (
	KindActivity UnitKind = "activity"
	KindWorkflow UnitKind = "workflow"
)

// Valid reports whether k is a known unit kind.
func (k UnitKind) Valid() bool {
	return k == KindActivity || k == KindWorkflow
}

// Language identifies the authoring language of a code unit.
type Language string

const (
	LanguageTypeScript Language = "typescript"
)

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
	Details  any    `json:"details,omitempty"`
}
