package transform

import (
	"sort"
	"strconv"
	"strings"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
)

// Proxy binding policy injected into workflow code.
const (
	ProxyModule          = "@temporalio/workflow"
	ProxyFunction        = "proxyActivities"
	ProxyStartToClose    = "10 minutes"
	ProxyMaximumAttempts = 1
)

// RenameResult describes what RenameAndStripDefault changed.
type RenameResult struct {
	OldName string
	Changed bool
}

// RenameAndStripDefault renames the default-exported function to newName and
// turns it into a named export, so several transformed units can share one
// bundle. Re-applying with the same name is a no-op.
func RenameAndStripDefault(u *Unit, newName string) (*Unit, RenameResult, error) {
	if !isIdentifier(newName) {
		return nil, RenameResult{}, apperrors.New(apperrors.CodeInvalidInput, "%q is not a valid identifier", newName)
	}
	out := u.Clone()
	defaults := out.defaultFunctions()
	if len(defaults) == 0 {
		for _, fn := range out.Functions() {
			if fn.Exported && fn.Name == newName {
				return out, RenameResult{OldName: newName}, nil
			}
		}
		return nil, RenameResult{}, apperrors.New(apperrors.CodeStructuralValidation, "no default-exported function to rename")
	}

	fn := defaults[0]
	res := RenameResult{OldName: fn.Name, Changed: true}
	fn.Name = newName
	fn.Default = false
	fn.Exported = true

	kept := out.Statements[:0]
	for _, s := range out.Statements {
		if _, ok := s.(*DefaultExportRef); ok {
			continue
		}
		kept = append(kept, s)
	}
	out.Statements = kept
	return out, res, nil
}

// ProxyResult describes what RebuildProxyBindings changed.
type ProxyResult struct {
	Removed  int
	Injected []string
}

// RebuildProxyBindings removes every proxyActivities binding and, when names
// is non-empty, injects one binding for all of them with the fixed timeout
// policy. The proxyActivities import is added when missing.
func RebuildProxyBindings(u *Unit, names []string) (*Unit, ProxyResult) {
	out := &Unit{Trailing: u.Trailing}
	var res ProxyResult
	for _, s := range u.Statements {
		if _, ok := s.(*ProxyBinding); ok {
			res.Removed++
			continue
		}
		out.Statements = append(out.Statements, s.clone())
	}

	unique := dedupeSorted(names)
	if len(unique) == 0 {
		return out, res
	}
	res.Injected = unique

	binding := &ProxyBinding{Text: proxyBindingText(unique)}
	insertAt := 0
	for i, s := range out.Statements {
		if _, ok := s.(*ImportDecl); ok {
			insertAt = i + 1
		}
	}
	stmts := make([]Statement, 0, len(out.Statements)+2)
	stmts = append(stmts, out.Statements[:insertAt]...)
	if !importsValue(out, ProxyModule, ProxyFunction) {
		stmts = append(stmts, &ImportDecl{Module: ProxyModule, Named: []ImportSpec{{Name: ProxyFunction}}})
	}
	stmts = append(stmts, binding)
	stmts = append(stmts, out.Statements[insertAt:]...)
	out.Statements = stmts
	return out, res
}

func proxyBindingText(names []string) string {
	var b strings.Builder
	b.WriteString("const { ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(" } = ")
	b.WriteString(ProxyFunction)
	b.WriteString("({\n")
	b.WriteString("  startToCloseTimeout: '" + ProxyStartToClose + "',\n")
	b.WriteString("  retry: { maximumAttempts: " + strconv.Itoa(ProxyMaximumAttempts) + " },\n")
	b.WriteString("});")
	return b.String()
}

func importsValue(u *Unit, module, name string) bool {
	for _, imp := range u.Imports() {
		if imp.Module != module || imp.TypeOnly {
			continue
		}
		for _, s := range imp.Named {
			if s.local() == name && !s.TypeOnly {
				return true
			}
		}
	}
	return false
}

func dedupeSorted(in []string) []string {
	set := map[string]struct{}{}
	for _, s := range in {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConfigResult describes what MakeConfigOptionalIfUnused changed.
type ConfigResult struct {
	Param        string
	MadeOptional bool
}

// MakeConfigOptionalIfUnused marks the entry function's second parameter
// optional when its body never references it. Parameters with an
// initializer, rest parameters and destructuring patterns are left alone.
func MakeConfigOptionalIfUnused(u *Unit) (*Unit, ConfigResult, error) {
	out := u.Clone()
	fn := out.mainFunction()
	if fn == nil || len(fn.Params) < 2 {
		return out, ConfigResult{}, nil
	}
	p := &fn.Params[1]
	res := ConfigResult{Param: p.Name}
	if p.Optional || p.Rest || p.Default != "" || !isIdentifier(p.Name) {
		return out, res, nil
	}
	used, err := referencesIdentifier(fn.Body, p.Name)
	if err != nil {
		return nil, res, err
	}
	if !used {
		p.Optional = true
		res.MadeOptional = true
	}
	return out, res, nil
}

// referencesIdentifier reports whether body mentions name other than as a
// member property (obj.name).
func referencesIdentifier(body, name string) (bool, error) {
	toks, err := lex(body)
	if err != nil {
		return false, err
	}
	for i, t := range toks {
		if !t.ident(name) {
			continue
		}
		if i > 0 && (toks[i-1].punct(".") || toks[i-1].punct("?.")) {
			continue
		}
		return true, nil
	}
	for _, t := range toks {
		if t.kind == tokTemplate && templateMentions(t.text, name) {
			return true, nil
		}
	}
	return false, nil
}

// templateMentions reports whether a template literal substitution refers
// to name.
func templateMentions(tmpl, name string) bool {
	for {
		i := strings.Index(tmpl, "${")
		if i < 0 {
			return false
		}
		tmpl = tmpl[i+2:]
		end := strings.Index(tmpl, "}")
		if end < 0 {
			end = len(tmpl)
		}
		if used, err := referencesIdentifier(tmpl[:end], name); err == nil && used {
			return true
		}
		tmpl = tmpl[end:]
	}
}

// Merge concatenates units into one and consolidates their imports. It is
// used to bundle several transformed activities or workflows.
func Merge(units ...*Unit) *Unit {
	merged := &Unit{}
	var trailing []string
	for _, u := range units {
		if u == nil {
			continue
		}
		for _, s := range u.Statements {
			merged.Statements = append(merged.Statements, s.clone())
		}
		if u.Trailing != "" {
			trailing = append(trailing, u.Trailing)
		}
	}
	merged.Trailing = strings.Join(trailing, "\n")
	out, _ := ConsolidateImports(merged)
	return out
}
