package transform

// Unit is the module-level syntax tree of one source unit. Top-level
// statements the pipeline rewrites (imports, function declarations, proxy
// bindings, default export references) are parsed into typed nodes; every
// other statement is kept verbatim. Function bodies are kept as source text
// and tokenized on demand.
//
// Operations never mutate a Unit; they return a new one.
type Unit struct {
	Statements []Statement
	// Trailing holds comments after the last statement.
	Trailing string
}

// Pos is a 1-based source position.
type Pos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Statement is a top-level statement.
type Statement interface {
	position() Pos
	leading() string
	clone() Statement
}

type node struct {
	Pos     Pos
	Leading string
}

func (n node) position() Pos   { return n.Pos }
func (n node) leading() string { return n.Leading }

// ImportSpec is one named import specifier.
type ImportSpec struct {
	Name     string
	Alias    string
	TypeOnly bool
}

// local returns the binding name the specifier introduces.
func (s ImportSpec) local() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Name
}

// ImportDecl is an import statement.
type ImportDecl struct {
	node
	Module     string
	TypeOnly   bool
	SideEffect bool
	Default    string
	Namespace  string
	Named      []ImportSpec
}

func (d *ImportDecl) clone() Statement {
	cp := *d
	cp.Named = append([]ImportSpec(nil), d.Named...)
	return &cp
}

// Param is a function parameter. Name holds the binding identifier or the
// verbatim destructuring pattern.
type Param struct {
	Rest     bool
	Name     string
	Optional bool
	Type     string
	Default  string
}

// FuncDecl is a top-level function declaration.
type FuncDecl struct {
	node
	Exported   bool
	Default    bool
	Async      bool
	Generator  bool
	Name       string
	TypeParams string
	Params     []Param
	ReturnType string
	Body       string
}

func (f *FuncDecl) clone() Statement {
	cp := *f
	cp.Params = append([]Param(nil), f.Params...)
	return &cp
}

// ProxyBinding is a variable declaration initialised from proxyActivities.
type ProxyBinding struct {
	node
	Text string
}

func (p *ProxyBinding) clone() Statement {
	cp := *p
	return &cp
}

// DefaultExportRef is `export default <identifier>;`.
type DefaultExportRef struct {
	node
	Name string
}

func (d *DefaultExportRef) clone() Statement {
	cp := *d
	return &cp
}

// RawStmt is any other statement, kept verbatim.
type RawStmt struct {
	node
	Text string
	// DefaultExport is set for `export default` statements that are not
	// function declarations (arrow functions, classes, expressions).
	DefaultExport bool
}

func (r *RawStmt) clone() Statement {
	cp := *r
	return &cp
}

// Clone returns a deep copy of u.
func (u *Unit) Clone() *Unit {
	out := &Unit{Trailing: u.Trailing, Statements: make([]Statement, len(u.Statements))}
	for i, s := range u.Statements {
		out.Statements[i] = s.clone()
	}
	return out
}

// Imports returns the unit's import declarations in statement order.
func (u *Unit) Imports() []*ImportDecl {
	var out []*ImportDecl
	for _, s := range u.Statements {
		if imp, ok := s.(*ImportDecl); ok {
			out = append(out, imp)
		}
	}
	return out
}

// Functions returns the unit's function declarations in statement order.
func (u *Unit) Functions() []*FuncDecl {
	var out []*FuncDecl
	for _, s := range u.Statements {
		if fn, ok := s.(*FuncDecl); ok {
			out = append(out, fn)
		}
	}
	return out
}

// defaultFunctions returns every function exported as default, either
// directly or through an `export default name;` statement.
func (u *Unit) defaultFunctions() []*FuncDecl {
	byName := map[string]*FuncDecl{}
	var out []*FuncDecl
	for _, s := range u.Statements {
		if fn, ok := s.(*FuncDecl); ok {
			if fn.Default {
				out = append(out, fn)
			} else if fn.Name != "" {
				byName[fn.Name] = fn
			}
		}
	}
	for _, s := range u.Statements {
		if ref, ok := s.(*DefaultExportRef); ok {
			if fn, ok := byName[ref.Name]; ok {
				out = append(out, fn)
			}
		}
	}
	return out
}

// defaultExportCount counts every default export, function or not.
func (u *Unit) defaultExportCount() int {
	n := 0
	for _, s := range u.Statements {
		switch st := s.(type) {
		case *FuncDecl:
			if st.Default {
				n++
			}
		case *DefaultExportRef:
			n++
		case *RawStmt:
			if st.DefaultExport {
				n++
			}
		}
	}
	return n
}

// mainFunction returns the unit's entry function: the default-exported
// function, or after RenameAndStripDefault the only exported async function.
func (u *Unit) mainFunction() *FuncDecl {
	if defaults := u.defaultFunctions(); len(defaults) > 0 {
		return defaults[0]
	}
	var found *FuncDecl
	for _, fn := range u.Functions() {
		if fn.Exported && fn.Async {
			if found != nil {
				return nil
			}
			found = fn
		}
	}
	return found
}
