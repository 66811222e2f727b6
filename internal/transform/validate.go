package transform

import (
	"sort"
	"strings"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Entry function names required for each unit kind.
const (
	ActivityFunctionName = "mainActivity"
	WorkflowFunctionName = "mainWorkflow"
)

// Structural rule identifiers reported in Violation.Rule.
const (
	RuleDefaultExport  = "default-export"
	RuleFunctionName   = "function-name"
	RuleAsync          = "async"
	RuleParameterCount = "parameter-count"
	RuleReturnType     = "return-type"
)

// Violation is one failed structural rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// EntryName returns the required entry function name for kind.
func EntryName(kind models.UnitKind) string {
	if kind == models.KindWorkflow {
		return WorkflowFunctionName
	}
	return ActivityFunctionName
}

// ValidateStructure checks the unit's entry function contract. Every
// violated rule is collected and returned in one STRUCTURAL_VALIDATION_ERROR.
func ValidateStructure(u *Unit, kind models.UnitKind) error {
	violations := structureViolations(u, kind)
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Message
	}
	return apperrors.New(apperrors.CodeStructuralValidation, "%s", strings.Join(msgs, "; ")).WithDetails(violations)
}

func structureViolations(u *Unit, kind models.UnitKind) []Violation {
	defaults := u.defaultFunctions()
	total := u.defaultExportCount()
	if len(defaults) == 0 {
		return []Violation{{
			Rule:    RuleDefaultExport,
			Message: "source must default-export exactly one function declaration",
		}}
	}

	var out []Violation
	fn := defaults[0]
	at := func(rule, msg string) Violation {
		return Violation{Rule: rule, Message: msg, Line: fn.Pos.Line, Column: fn.Pos.Column}
	}
	if total > 1 {
		out = append(out, at(RuleDefaultExport, "source has more than one default export"))
	}
	want := EntryName(kind)
	if fn.Name != want {
		name := fn.Name
		if name == "" {
			name = "<anonymous>"
		}
		out = append(out, at(RuleFunctionName, "default-exported "+string(kind)+" function must be named "+want+", found "+name))
	}
	if !fn.Async {
		out = append(out, at(RuleAsync, "default-exported function must be async"))
	}
	if kind == models.KindActivity && len(fn.Params) != 2 {
		out = append(out, at(RuleParameterCount, "activity function must declare exactly two parameters (input, config)"))
	}
	if strings.TrimSpace(fn.ReturnType) == "" {
		out = append(out, at(RuleReturnType, "default-exported function must declare a return type"))
	}
	return out
}

// workflowDeniedModules may not be imported by workflow code, which runs in
// the engine's deterministic sandbox.
var workflowDeniedModules = map[string]bool{
	"fs": true, "fs/promises": true, "child_process": true, "net": true,
	"http": true, "https": true, "http2": true, "dgram": true, "dns": true,
	"tls": true, "cluster": true, "worker_threads": true, "os": true,
	"process": true, "vm": true, "crypto": true, "readline": true,
	"@temporalio/activity": true, "@temporalio/client": true, "@temporalio/worker": true,
}

// CheckImportPolicy rejects modules that workflow code must not import.
// Activities may import anything.
func CheckImportPolicy(u *Unit, kind models.UnitKind) error {
	if kind != models.KindWorkflow {
		return nil
	}
	var denied []string
	seen := map[string]bool{}
	for _, imp := range u.Imports() {
		if imp.TypeOnly || seen[imp.Module] {
			continue
		}
		if strings.HasPrefix(imp.Module, "node:") || workflowDeniedModules[imp.Module] {
			seen[imp.Module] = true
			denied = append(denied, imp.Module)
		}
	}
	if len(denied) == 0 {
		return nil
	}
	sort.Strings(denied)
	return apperrors.New(apperrors.CodeImportPolicy, "workflow code may not import %s", strings.Join(denied, ", ")).WithDetails(denied)
}

// ExternalImports returns the sorted, de-duplicated non-relative module
// specifiers imported by u.
func ExternalImports(u *Unit) []string {
	set := map[string]struct{}{}
	for _, imp := range u.Imports() {
		if strings.HasPrefix(imp.Module, ".") || strings.HasPrefix(imp.Module, "/") {
			continue
		}
		set[imp.Module] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
