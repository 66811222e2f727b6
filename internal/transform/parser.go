package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// statementStarters begin a new top-level statement when they appear on a
// new line after a complete expression.
var statementStarters = map[string]bool{
	"import": true, "export": true, "const": true, "let": true, "var": true,
	"function": true, "async": true, "class": true, "interface": true,
	"type": true, "enum": true, "declare": true, "abstract": true,
	"namespace": true, "module": true, "if": true, "for": true, "while": true,
	"try": true, "switch": true, "return": true, "throw": true,
}

// continuationTokens at the end of a line mean the statement continues.
var continuationTokens = map[string]bool{
	"=": true, ",": true, ".": true, "?.": true, "(": true, "[": true, "{": true,
	"+": true, "-": true, "*": true, "/": true, "%": true, "&&": true, "||": true,
	"??": true, "?": true, ":": true, "=>": true, "<": true, ">": true, "|": true,
	"&": true, "!": true, "==": true, "===": true, "!=": true, "!==": true,
	"+=": true, "-=": true, "*=": true, "/=": true, "%=": true, "|=": true, "&=": true,
}

// continuationStarts at the start of a line continue the previous statement.
var continuationStarts = map[string]bool{
	".": true, "?.": true, ")": true, "]": true, "}": true, ",": true, "=": true,
	"=>": true, "?": true, ":": true, "+": true, "*": true, "/": true, "%": true,
	"&&": true, "||": true, "??": true, "|": true, "&": true, ">": true,
	"else": true, "catch": true, "finally": true, "extends": true,
	"implements": true, "as": true, "satisfies": true, "from": true,
	"instanceof": true, "in": true, "of": true,
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek(off int) token {
	if p.pos+off < len(p.toks) {
		return p.toks[p.pos+off]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) errorAt(t token, format string, args ...any) error {
	return &lexError{line: t.line, col: t.col, msg: fmt.Sprintf(format, args...)}
}

// parseUnit builds the module-level tree of src.
func parseUnit(src string) (*Unit, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	u := &Unit{}
	for p.peek(0).kind != tokEOF {
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		if stmt != nil {
			u.Statements = append(u.Statements, stmt)
		}
	}
	u.Trailing = strings.Join(p.peek(0).leading, "\n")
	return u, nil
}

func (p *parser) nodeFor(t token) node {
	return node{Pos: Pos{Line: t.line, Column: t.col}, Leading: strings.Join(t.leading, "\n")}
}

func (p *parser) statement() (Statement, error) {
	t := p.peek(0)
	if t.punct(";") {
		p.pos++
		return nil, nil
	}
	switch {
	case t.ident("import") && !p.peek(1).punct("(") && !p.peek(1).punct(".") && !p.peek(2).punct("="):
		return p.importDecl()
	case t.ident("export"):
		next := p.peek(1)
		switch {
		case next.ident("default"):
			if p.isFunctionAt(2) {
				return p.funcDecl()
			}
			ref := p.peek(2)
			after := p.peek(3)
			if ref.kind == tokIdent && !statementStarters[ref.text] && (after.punct(";") || after.kind == tokEOF || after.nlBefore && !continuationStarts[after.text]) {
				p.pos += 3
				if p.peek(0).punct(";") {
					p.pos++
				}
				return &DefaultExportRef{node: p.nodeFor(t), Name: ref.text}, nil
			}
			raw, err := p.rawStatement()
			if err != nil {
				return nil, err
			}
			raw.DefaultExport = true
			return raw, nil
		case p.isFunctionAt(1):
			return p.funcDecl()
		case next.ident("const") || next.ident("let") || next.ident("var"):
			if p.isProxyBindingAt(1) {
				return p.proxyBinding()
			}
		}
	case p.isFunctionAt(0):
		return p.funcDecl()
	case t.ident("const") || t.ident("let") || t.ident("var"):
		if p.isProxyBindingAt(0) {
			return p.proxyBinding()
		}
	}
	return p.rawStatement()
}

// isFunctionAt reports whether a function declaration starts at offset off.
func (p *parser) isFunctionAt(off int) bool {
	t := p.peek(off)
	if t.ident("async") && !p.peek(off+1).nlBefore {
		t = p.peek(off + 1)
	}
	return t.ident("function")
}

// isProxyBindingAt reports whether a const/let/var declaration at offset off
// is initialised by a proxyActivities call.
func (p *parser) isProxyBindingAt(off int) bool {
	i := p.pos + off + 1
	if i >= len(p.toks) {
		return false
	}
	switch {
	case p.toks[i].kind == tokIdent:
		i++
	case p.toks[i].punct("{") || p.toks[i].punct("["):
		end, ok := matchClose(p.toks, i)
		if !ok {
			return false
		}
		i = end + 1
	default:
		return false
	}
	if i < len(p.toks) && p.toks[i].punct(":") {
		for i < len(p.toks) && !p.toks[i].punct("=") && !p.toks[i].punct(";") && p.toks[i].kind != tokEOF {
			i++
		}
	}
	return i+1 < len(p.toks) && p.toks[i].punct("=") && p.toks[i+1].ident("proxyActivities")
}

// matchClose returns the index of the bracket closing the one at open.
// Angle brackets are not tracked.
func matchClose(toks []token, open int) (int, bool) {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case toks[i].punct("(") || toks[i].punct("[") || toks[i].punct("{"):
			depth++
		case toks[i].punct(")") || toks[i].punct("]") || toks[i].punct("}"):
			depth--
			if depth == 0 {
				return i, true
			}
		case toks[i].kind == tokEOF:
			return 0, false
		}
	}
	return 0, false
}

// statementEnd returns the index of the last token of the statement starting
// at start, using semicolons and line-break heuristics at bracket depth 0.
func (p *parser) statementEnd(start int) (int, error) {
	depth := 0
	for i := start; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.kind == tokEOF {
			if depth != 0 {
				return 0, p.errorAt(t, "unexpected end of input")
			}
			return i - 1, nil
		}
		switch {
		case t.punct("(") || t.punct("[") || t.punct("{"):
			depth++
		case t.punct(")") || t.punct("]") || t.punct("}"):
			depth--
			if depth < 0 {
				return 0, p.errorAt(t, "unexpected %q", t.text)
			}
		}
		if depth != 0 {
			continue
		}
		if t.punct(";") {
			return i, nil
		}
		next := p.toks[i+1]
		if next.kind == tokEOF {
			return i, nil
		}
		if next.nlBefore && !(t.kind == tokPunct && continuationTokens[t.text]) && !continuationStarts[next.text] {
			return i, nil
		}
	}
	return len(p.toks) - 2, nil
}

func (p *parser) rawStatement() (*RawStmt, error) {
	first := p.peek(0)
	end, err := p.statementEnd(p.pos)
	if err != nil {
		return nil, err
	}
	last := p.toks[end]
	p.pos = end + 1
	return &RawStmt{node: p.nodeFor(first), Text: p.src[first.start:last.end]}, nil
}

func (p *parser) proxyBinding() (*ProxyBinding, error) {
	first := p.peek(0)
	end, err := p.statementEnd(p.pos)
	if err != nil {
		return nil, err
	}
	last := p.toks[end]
	p.pos = end + 1
	return &ProxyBinding{node: p.nodeFor(first), Text: p.src[first.start:last.end]}, nil
}

func (p *parser) expectIdent() (token, error) {
	t := p.peek(0)
	if t.kind != tokIdent {
		return t, p.errorAt(t, "expected identifier, found %q", t.text)
	}
	p.pos++
	return t, nil
}

func (p *parser) expectPunct(text string) (token, error) {
	t := p.peek(0)
	if !t.punct(text) {
		return t, p.errorAt(t, "expected %q, found %q", text, t.text)
	}
	p.pos++
	return t, nil
}

func (p *parser) importDecl() (*ImportDecl, error) {
	first := p.peek(0)
	p.pos++
	decl := &ImportDecl{node: p.nodeFor(first)}

	if p.peek(0).ident("type") && !p.peek(1).ident("from") && !p.peek(1).punct(",") {
		decl.TypeOnly = true
		p.pos++
	}

	if p.peek(0).kind == tokString {
		decl.SideEffect = true
		module, err := p.moduleSpecifier()
		if err != nil {
			return nil, err
		}
		decl.Module = module
		return decl, p.finishImport()
	}

	if p.peek(0).kind == tokIdent && !p.peek(0).ident("from") || p.peek(0).ident("from") && p.peek(1).ident("from") {
		decl.Default = p.peek(0).text
		p.pos++
		if p.peek(0).punct(",") {
			p.pos++
		}
	}
	switch {
	case p.peek(0).punct("*"):
		p.pos++
		if !p.peek(0).ident("as") {
			return nil, p.errorAt(p.peek(0), "expected 'as' after '*' in import")
		}
		p.pos++
		ns, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		decl.Namespace = ns.text
	case p.peek(0).punct("{"):
		specs, err := p.importSpecs()
		if err != nil {
			return nil, err
		}
		decl.Named = specs
	}

	if !p.peek(0).ident("from") {
		return nil, p.errorAt(p.peek(0), "expected 'from' in import declaration")
	}
	p.pos++
	module, err := p.moduleSpecifier()
	if err != nil {
		return nil, err
	}
	decl.Module = module
	return decl, p.finishImport()
}

func (p *parser) importSpecs() ([]ImportSpec, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var specs []ImportSpec
	for !p.peek(0).punct("}") {
		var spec ImportSpec
		if p.peek(0).ident("type") && (p.peek(1).kind == tokIdent || p.peek(1).kind == tokString) && !p.peek(1).ident("as") {
			spec.TypeOnly = true
			p.pos++
		}
		name := p.peek(0)
		switch name.kind {
		case tokIdent:
			spec.Name = name.text
		case tokString:
			unq, err := strconv.Unquote(normalizeQuotes(name.text))
			if err != nil {
				return nil, p.errorAt(name, "invalid import name %s", name.text)
			}
			spec.Name = unq
		default:
			return nil, p.errorAt(name, "expected import specifier, found %q", name.text)
		}
		p.pos++
		if p.peek(0).ident("as") {
			p.pos++
			alias, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			spec.Alias = alias.text
		}
		specs = append(specs, spec)
		if p.peek(0).punct(",") {
			p.pos++
			continue
		}
		if !p.peek(0).punct("}") {
			return nil, p.errorAt(p.peek(0), "expected ',' or '}' in import specifiers")
		}
	}
	p.pos++
	return specs, nil
}

func (p *parser) moduleSpecifier() (string, error) {
	t := p.peek(0)
	if t.kind != tokString {
		return "", p.errorAt(t, "expected module specifier string")
	}
	p.pos++
	module, err := strconv.Unquote(normalizeQuotes(t.text))
	if err != nil {
		return "", p.errorAt(t, "invalid module specifier %s", t.text)
	}
	return module, nil
}

// finishImport skips an optional import attributes clause and semicolon.
func (p *parser) finishImport() error {
	if (p.peek(0).ident("with") || p.peek(0).ident("assert")) && p.peek(1).punct("{") && !p.peek(0).nlBefore {
		end, ok := matchClose(p.toks, p.pos+1)
		if !ok {
			return p.errorAt(p.peek(1), "unterminated import attributes")
		}
		p.pos = end + 1
	}
	if p.peek(0).punct(";") {
		p.pos++
	}
	return nil
}

// normalizeQuotes rewrites a single-quoted literal into a double-quoted one
// so strconv.Unquote accepts it.
func normalizeQuotes(lit string) string {
	if len(lit) < 2 || lit[0] != '\'' {
		return lit
	}
	body := lit[1 : len(lit)-1]
	body = strings.ReplaceAll(body, `\'`, `'`)
	body = strings.ReplaceAll(body, `"`, `\"`)
	return `"` + body + `"`
}

func (p *parser) funcDecl() (*FuncDecl, error) {
	first := p.peek(0)
	fn := &FuncDecl{node: p.nodeFor(first)}
	if p.peek(0).ident("export") {
		fn.Exported = true
		p.pos++
		if p.peek(0).ident("default") {
			fn.Default = true
			p.pos++
		}
	}
	if p.peek(0).ident("async") {
		fn.Async = true
		p.pos++
	}
	if _, err := p.expectIdent(); err != nil {
		return nil, err
	}
	if p.peek(0).punct("*") {
		fn.Generator = true
		p.pos++
	}
	if p.peek(0).kind == tokIdent {
		fn.Name = p.peek(0).text
		p.pos++
	}
	if p.peek(0).punct("<") {
		start := p.peek(0)
		end, err := p.skipAngles(p.pos)
		if err != nil {
			return nil, err
		}
		fn.TypeParams = p.src[start.start:p.toks[end].end]
		p.pos = end + 1
	}

	open := p.pos
	if !p.peek(0).punct("(") {
		return nil, p.errorAt(p.peek(0), "expected '(' in function declaration")
	}
	closeIdx, ok := matchClose(p.toks, open)
	if !ok {
		return nil, p.errorAt(p.peek(0), "unterminated parameter list")
	}
	params, err := p.params(open+1, closeIdx)
	if err != nil {
		return nil, err
	}
	fn.Params = params
	p.pos = closeIdx + 1

	if p.peek(0).punct(":") {
		p.pos++
		start := p.peek(0)
		end, err := p.returnTypeEnd(p.pos)
		if err != nil {
			return nil, err
		}
		fn.ReturnType = p.src[start.start:p.toks[end].end]
		p.pos = end + 1
	}

	if !p.peek(0).punct("{") {
		return nil, p.errorAt(p.peek(0), "expected function body")
	}
	bodyEnd, ok := matchClose(p.toks, p.pos)
	if !ok {
		return nil, p.errorAt(p.peek(0), "unterminated function body")
	}
	fn.Body = p.src[p.peek(0).start:p.toks[bodyEnd].end]
	p.pos = bodyEnd + 1
	return fn, nil
}

// skipAngles returns the index of the '>' matching the '<' at open.
func (p *parser) skipAngles(open int) (int, error) {
	depth := 0
	for i := open; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.punct("<"):
			depth++
		case t.punct(">"):
			depth--
			if depth == 0 {
				return i, nil
			}
		case t.kind == tokEOF:
			return 0, p.errorAt(t, "unterminated type parameter list")
		}
	}
	return 0, p.errorAt(p.toks[open], "unterminated type parameter list")
}

// returnTypeEnd returns the index of the last token of a return type
// annotation starting at start; the annotation ends before the '{' that opens
// the body.
func (p *parser) returnTypeEnd(start int) (int, error) {
	depth := 0
	for i := start; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.kind == tokEOF:
			return 0, p.errorAt(t, "unexpected end of input in return type")
		case t.punct("{") && depth == 0:
			if i == start || p.toks[i-1].punct("|") || p.toks[i-1].punct("&") || p.toks[i-1].punct("=>") {
				end, ok := matchClose(p.toks, i)
				if !ok {
					return 0, p.errorAt(t, "unterminated object type")
				}
				i = end
				continue
			}
			return i - 1, nil
		case t.punct("(") || t.punct("[") || t.punct("<") || t.punct("{"):
			depth++
		case t.punct(")") || t.punct("]") || t.punct(">") || t.punct("}"):
			depth--
		}
	}
	return 0, p.errorAt(p.toks[start], "unterminated return type")
}

// params parses the parameter tokens in [from, to).
func (p *parser) params(from, to int) ([]Param, error) {
	var out []Param
	segStart := from
	depth := 0
	for i := from; i <= to; i++ {
		t := p.toks[i]
		if i == to || t.punct(",") && depth == 0 {
			if i > segStart {
				param, err := p.param(segStart, i)
				if err != nil {
					return nil, err
				}
				out = append(out, param)
			}
			segStart = i + 1
			continue
		}
		switch {
		case t.punct("(") || t.punct("[") || t.punct("{") || t.punct("<"):
			depth++
		case t.punct(")") || t.punct("]") || t.punct("}") || t.punct(">"):
			depth--
		}
	}
	return out, nil
}

// param parses one parameter from the tokens in [from, to).
func (p *parser) param(from, to int) (Param, error) {
	var param Param
	i := from
	if p.toks[i].punct("...") {
		param.Rest = true
		i++
	}
	if i >= to {
		return param, p.errorAt(p.toks[from], "expected parameter name")
	}
	switch t := p.toks[i]; {
	case t.kind == tokIdent:
		param.Name = t.text
		i++
	case t.punct("{") || t.punct("["):
		end, ok := matchClose(p.toks, i)
		if !ok || end >= to {
			return param, p.errorAt(t, "unterminated parameter pattern")
		}
		param.Name = p.src[t.start:p.toks[end].end]
		i = end + 1
	default:
		return param, p.errorAt(t, "expected parameter name, found %q", t.text)
	}
	if i < to && p.toks[i].punct("?") {
		param.Optional = true
		i++
	}
	if i < to && p.toks[i].punct(":") {
		i++
		typeStart := i
		depth := 0
		for i < to {
			t := p.toks[i]
			if t.punct("=") && depth == 0 {
				break
			}
			switch {
			case t.punct("(") || t.punct("[") || t.punct("{") || t.punct("<"):
				depth++
			case t.punct(")") || t.punct("]") || t.punct("}") || t.punct(">"):
				depth--
			}
			i++
		}
		if i == typeStart {
			return param, p.errorAt(p.toks[typeStart], "missing parameter type")
		}
		param.Type = p.src[p.toks[typeStart].start:p.toks[i-1].end]
	}
	if i < to && p.toks[i].punct("=") {
		if i+1 >= to {
			return param, p.errorAt(p.toks[i], "missing default value")
		}
		param.Default = p.src[p.toks[i+1].start:p.toks[to-1].end]
		i = to
	}
	if i != to {
		return param, p.errorAt(p.toks[i], "unexpected %q in parameter", p.toks[i].text)
	}
	return param, nil
}
