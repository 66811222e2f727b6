package transform

import (
	"sort"
	"strings"
)

// ImportsResult describes the consolidated import set.
type ImportsResult struct {
	Before  int
	After   int
	Modules []string
}

type importGroup struct {
	module     string
	sideEffect bool
	// value imports
	defaults []string
	named    map[ImportSpec]struct{}
	// type-only imports
	typeDefaults []string
	typeNamed    map[ImportSpec]struct{}
	// namespace imports, kept one statement each
	namespaces     map[string]struct{}
	typeNamespaces map[string]struct{}
}

// ConsolidateImports merges all imports of the same module specifier,
// keeping type-only and namespace imports as distinct statements, and hoists
// them to the top of the unit in canonical order. The result depends only on
// the set of imports, not on their order. Comments attached to import
// statements move to the head of the unit.
func ConsolidateImports(u *Unit) (*Unit, ImportsResult) {
	groups := map[string]*importGroup{}
	var (
		rest     []Statement
		comments []string
	)
	res := ImportsResult{}
	for _, s := range u.Statements {
		imp, ok := s.(*ImportDecl)
		if !ok {
			rest = append(rest, s.clone())
			continue
		}
		res.Before++
		if imp.Leading != "" {
			comments = appendUnique(comments, imp.Leading)
		}
		g := groups[imp.Module]
		if g == nil {
			g = &importGroup{
				module:         imp.Module,
				named:          map[ImportSpec]struct{}{},
				typeNamed:      map[ImportSpec]struct{}{},
				namespaces:     map[string]struct{}{},
				typeNamespaces: map[string]struct{}{},
			}
			groups[imp.Module] = g
		}
		g.add(imp)
	}

	modules := make([]string, 0, len(groups))
	for m := range groups {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	res.Modules = modules

	out := &Unit{Trailing: u.Trailing}
	for _, m := range modules {
		for _, imp := range groups[m].decls() {
			out.Statements = append(out.Statements, imp)
		}
	}
	res.After = len(out.Statements)
	out.Statements = append(out.Statements, rest...)
	if len(comments) > 0 {
		hoistComments(out, strings.Join(comments, "\n"))
	}
	return out, res
}

// hoistComments attaches text above the first statement of u.
func hoistComments(u *Unit, text string) {
	if len(u.Statements) == 0 {
		u.Trailing = strings.TrimSpace(text + "\n" + u.Trailing)
		return
	}
	first := u.Statements[0].clone()
	switch st := first.(type) {
	case *ImportDecl:
		st.Leading = joinComments(text, st.Leading)
	case *FuncDecl:
		st.Leading = joinComments(text, st.Leading)
	case *ProxyBinding:
		st.Leading = joinComments(text, st.Leading)
	case *DefaultExportRef:
		st.Leading = joinComments(text, st.Leading)
	case *RawStmt:
		st.Leading = joinComments(text, st.Leading)
	}
	u.Statements[0] = first
}

func joinComments(a, b string) string {
	if b == "" {
		return a
	}
	return a + "\n" + b
}

func (g *importGroup) add(imp *ImportDecl) {
	switch {
	case imp.SideEffect:
		g.sideEffect = true
	case imp.TypeOnly:
		if imp.Default != "" {
			g.typeDefaults = appendUnique(g.typeDefaults, imp.Default)
		}
		if imp.Namespace != "" {
			g.typeNamespaces[imp.Namespace] = struct{}{}
		}
		for _, s := range imp.Named {
			s.TypeOnly = true
			if s.Alias == s.Name {
				s.Alias = ""
			}
			g.typeNamed[s] = struct{}{}
		}
	default:
		if imp.Default != "" {
			g.defaults = appendUnique(g.defaults, imp.Default)
		}
		if imp.Namespace != "" {
			g.namespaces[imp.Namespace] = struct{}{}
		}
		for _, s := range imp.Named {
			if s.Alias == s.Name {
				s.Alias = ""
			}
			g.named[s] = struct{}{}
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// decls renders the group as import statements in canonical order:
// side effect, type-only, type-only namespaces, namespaces, values.
func (g *importGroup) decls() []*ImportDecl {
	var out []*ImportDecl

	// A value spec makes a type-only spec with the same binding redundant.
	for s := range g.named {
		if !s.TypeOnly {
			shadow := ImportSpec{Name: s.Name, Alias: s.Alias, TypeOnly: true}
			delete(g.named, shadow)
			delete(g.typeNamed, shadow)
		}
	}
	// An inline `type` spec already bound by an `import type` statement.
	for s := range g.named {
		if _, ok := g.typeNamed[s]; ok && s.TypeOnly {
			delete(g.named, s)
		}
	}
	hasValue := len(g.defaults) > 0 || len(g.named) > 0 || len(g.namespaces) > 0
	if g.sideEffect && !hasValue {
		out = append(out, &ImportDecl{Module: g.module, SideEffect: true})
	}

	typeDefaults := append([]string(nil), g.typeDefaults...)
	sort.Strings(typeDefaults)
	typeSpecs := sortedSpecs(g.typeNamed)
	if len(typeDefaults) > 0 || len(typeSpecs) > 0 {
		first := &ImportDecl{Module: g.module, TypeOnly: true, Named: typeSpecs}
		if len(typeDefaults) > 0 && len(typeSpecs) == 0 {
			first.Default = typeDefaults[0]
			typeDefaults = typeDefaults[1:]
		}
		out = append(out, first)
		for _, d := range typeDefaults {
			out = append(out, &ImportDecl{Module: g.module, TypeOnly: true, Default: d})
		}
	}
	for _, ns := range sortedKeys(g.typeNamespaces) {
		out = append(out, &ImportDecl{Module: g.module, TypeOnly: true, Namespace: ns})
	}
	for _, ns := range sortedKeys(g.namespaces) {
		out = append(out, &ImportDecl{Module: g.module, Namespace: ns})
	}

	defaults := append([]string(nil), g.defaults...)
	sort.Strings(defaults)
	specs := sortedSpecs(g.named)
	if len(defaults) > 0 || len(specs) > 0 {
		first := &ImportDecl{Module: g.module, Named: specs}
		if len(defaults) > 0 {
			first.Default = defaults[0]
			defaults = defaults[1:]
		}
		out = append(out, first)
		for _, d := range defaults {
			out = append(out, &ImportDecl{Module: g.module, Default: d})
		}
	}
	return out
}

func sortedSpecs(set map[ImportSpec]struct{}) []ImportSpec {
	out := make([]ImportSpec, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Alias != out[j].Alias {
			return out[i].Alias < out[j].Alias
		}
		return !out[i].TypeOnly && out[j].TypeOnly
	})
	return out
}
