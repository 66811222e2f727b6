package transform

import (
	"strings"
)

// Print renders u as source text. Output is deterministic: imports are
// separated by single newlines, every other statement by a blank line, and
// the text ends with a newline.
func Print(u *Unit) string {
	var b strings.Builder
	var prev Statement
	for _, s := range u.Statements {
		if prev != nil {
			_, prevImport := prev.(*ImportDecl)
			_, curImport := s.(*ImportDecl)
			if prevImport && curImport {
				b.WriteString("\n")
			} else {
				b.WriteString("\n\n")
			}
		}
		if lead := s.leading(); lead != "" {
			b.WriteString(lead)
			b.WriteString("\n")
		}
		b.WriteString(printStatement(s))
		prev = s
	}
	if u.Trailing != "" {
		if prev != nil {
			b.WriteString("\n\n")
		}
		b.WriteString(u.Trailing)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func printStatement(s Statement) string {
	switch st := s.(type) {
	case *ImportDecl:
		return printImport(st)
	case *FuncDecl:
		return printFunc(st)
	case *ProxyBinding:
		return st.Text
	case *DefaultExportRef:
		return "export default " + st.Name + ";"
	case *RawStmt:
		return st.Text
	}
	return ""
}

func quoteModule(module string) string {
	escaped := strings.ReplaceAll(module, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return "'" + escaped + "'"
}

func printImport(d *ImportDecl) string {
	if d.SideEffect {
		return "import " + quoteModule(d.Module) + ";"
	}
	var b strings.Builder
	b.WriteString("import ")
	if d.TypeOnly {
		b.WriteString("type ")
	}
	var clauses []string
	if d.Default != "" {
		clauses = append(clauses, d.Default)
	}
	if d.Namespace != "" {
		clauses = append(clauses, "* as "+d.Namespace)
	}
	if len(d.Named) > 0 {
		specs := make([]string, len(d.Named))
		for i, s := range d.Named {
			spec := s.Name
			if s.TypeOnly && !d.TypeOnly {
				spec = "type " + spec
			}
			if s.Alias != "" && s.Alias != s.Name {
				spec += " as " + s.Alias
			}
			specs[i] = spec
		}
		clauses = append(clauses, "{ "+strings.Join(specs, ", ")+" }")
	} else if d.Default == "" && d.Namespace == "" {
		clauses = append(clauses, "{}")
	}
	b.WriteString(strings.Join(clauses, ", "))
	b.WriteString(" from ")
	b.WriteString(quoteModule(d.Module))
	b.WriteString(";")
	return b.String()
}

func printFunc(f *FuncDecl) string {
	var b strings.Builder
	if f.Exported {
		b.WriteString("export ")
	}
	if f.Default {
		b.WriteString("default ")
	}
	if f.Async {
		b.WriteString("async ")
	}
	b.WriteString("function")
	if f.Generator {
		b.WriteString("*")
	}
	if f.Name != "" {
		b.WriteString(" ")
		b.WriteString(f.Name)
	}
	b.WriteString(f.TypeParams)
	b.WriteString("(")
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(printParam(p))
	}
	b.WriteString(")")
	if f.ReturnType != "" {
		b.WriteString(": ")
		b.WriteString(f.ReturnType)
	}
	b.WriteString(" ")
	b.WriteString(f.Body)
	return b.String()
}

func printParam(p Param) string {
	var b strings.Builder
	if p.Rest {
		b.WriteString("...")
	}
	b.WriteString(p.Name)
	if p.Optional {
		b.WriteString("?")
	}
	if p.Type != "" {
		b.WriteString(": ")
		b.WriteString(p.Type)
	}
	if p.Default != "" {
		b.WriteString(" = ")
		b.WriteString(p.Default)
	}
	return b.String()
}
