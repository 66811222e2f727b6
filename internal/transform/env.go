package transform

import (
	"strconv"

	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// DefaultConfigParam is the config parameter name assumed when the entry
// function declares none.
const DefaultConfigParam = "config"

// EnvKey returns the config property holding environment inputs for kind,
// e.g. activityENVInputVariables.
func EnvKey(kind models.UnitKind) string {
	return string(kind) + "ENVInputVariables"
}

// ExtractEnvReferences statically collects the environment input names a
// unit reads through config.<kind>ENVInputVariables. It follows direct
// property access (dot, optional chaining, string index) through non-null
// assertions, parentheses and `as` casts, simple aliasing and destructuring
// in any declarator of a list, including nested destructuring from the config
// object. Computed keys and rest elements are not resolvable and are ignored.
func ExtractEnvReferences(u *Unit, kind models.UnitKind) ([]string, error) {
	found := map[string]struct{}{}
	main := u.mainFunction()
	for _, fn := range u.Functions() {
		sc := &envScanner{
			key:     EnvKey(kind),
			configs: map[string]bool{DefaultConfigParam: true},
			aliases: map[string]bool{},
			found:   found,
		}
		if fn == main && len(fn.Params) >= 2 {
			p := fn.Params[1]
			switch {
			case isIdentifier(p.Name):
				sc.configs = map[string]bool{p.Name: true}
			case len(p.Name) > 0 && p.Name[0] == '{':
				toks, err := lex(p.Name)
				if err != nil {
					return nil, err
				}
				if entries, _, ok := parsePattern(toks, 0); ok {
					sc.fromConfig(entries)
				}
			}
		}
		toks, err := lex(fn.Body)
		if err != nil {
			return nil, err
		}
		sc.scan(toks)
	}
	return sortedKeys(found), nil
}

type envScanner struct {
	key     string
	configs map[string]bool // identifiers bound to the config object
	aliases map[string]bool // identifiers bound to the env object
	found   map[string]struct{}
}

func (sc *envScanner) add(name string) {
	if name != "" {
		sc.found[name] = struct{}{}
	}
}

func (sc *envScanner) scan(toks []token) {
	for i := 0; i < len(toks); i++ {
		t := toks[i]

		// const X = ..., { ... } = ...
		if t.ident("const") || t.ident("let") || t.ident("var") {
			sc.declaration(toks, i+1)
			continue
		}
		if !startsOperand(toks, i) {
			continue
		}
		if _, kind, next, ok := sc.resolve(toks, i); ok && kind == refEnv {
			if name, _, ok := member(toks, next); ok {
				sc.add(name)
			}
		}
	}
}

// startsOperand reports whether toks[i] begins a primary expression: an
// identifier that is not a property name, or a grouping parenthesis that is
// not a call.
func startsOperand(toks []token, i int) bool {
	t := toks[i]
	var prev token
	if i > 0 {
		prev = toks[i-1]
	}
	switch {
	case t.kind == tokIdent:
		return !prev.punct(".") && !prev.punct("?.")
	case t.punct("("):
		switch prev.kind {
		case tokIdent:
			return regexPrecedingKeywords[prev.text]
		case tokString, tokTemplate, tokNumber, tokRegex:
			return false
		}
		return !prev.punct(")") && !prev.punct("]") && !prev.punct("!")
	}
	return false
}

// declaration records the bindings of a `const|let|var` declarator list
// starting at i.
func (sc *envScanner) declaration(toks []token, i int) {
	for i < len(toks) {
		i = sc.declarator(toks, i)
		if i >= len(toks) || !toks[i].punct(",") {
			return
		}
		i++
	}
}

// declarator handles one declarator at i and returns the index of the token
// that ends it.
func (sc *envScanner) declarator(toks []token, i int) int {
	var (
		entries []patternEntry
		pattern bool
		name    string
	)
	switch {
	case i < len(toks) && toks[i].punct("{"):
		e, end, ok := parsePattern(toks, i)
		if !ok {
			return skipInitializer(toks, i)
		}
		entries, pattern, i = e, true, end
	case i < len(toks) && toks[i].kind == tokIdent:
		name = toks[i].text
		i++
	default:
		return skipInitializer(toks, i)
	}
	i = skipAnnotation(toks, i)
	if i >= len(toks) || !toks[i].punct("=") {
		return skipInitializer(toks, i)
	}
	_, kind, next, ok := sc.resolve(toks, i+1)
	next = skipCast(toks, next)
	// Only a bare reference binds; `config.x.y` or a call is a read.
	if ok && !accessFollows(toks, next) {
		switch {
		case kind == refEnv && pattern:
			for _, e := range entries {
				sc.add(e.key)
			}
		case kind == refEnv:
			sc.aliases[name] = true
		case kind == refConfig && pattern:
			sc.fromConfig(entries)
		case kind == refConfig:
			sc.configs[name] = true
		}
	}
	return skipInitializer(toks, i+1)
}

func accessFollows(toks []token, i int) bool {
	if i >= len(toks) {
		return false
	}
	t := toks[i]
	return t.punct(".") || t.punct("?.") || t.punct("[") || t.punct("(")
}

type refKind int

const (
	refOther refKind = iota
	refConfig
	refEnv
)

// resolve reads the primary expression at i. It unwraps parentheses, type
// assertions and non-null assertions, follows config.<key> to the env object
// and returns the referenced identifier, what it denotes and the index after
// the consumed tokens.
func (sc *envScanner) resolve(toks []token, i int) (string, refKind, int, bool) {
	if i >= len(toks) {
		return "", refOther, 0, false
	}
	var (
		name string
		kind = refOther
		next int
	)
	switch t := toks[i]; {
	case t.punct("("):
		n, k, end, ok := sc.resolve(toks, i+1)
		if !ok {
			return "", refOther, 0, false
		}
		end = skipCast(toks, end)
		if end >= len(toks) || !toks[end].punct(")") {
			return "", refOther, 0, false
		}
		name, kind, next = n, k, end+1
	case t.kind == tokIdent:
		name, next = t.text, i+1
		switch {
		case sc.aliases[name]:
			kind = refEnv
		case sc.configs[name]:
			kind = refConfig
		}
	default:
		return "", refOther, 0, false
	}
	next = skipNonNull(toks, next)
	if kind == refConfig {
		if prop, after, ok := member(toks, next); ok && prop == sc.key {
			kind, next = refEnv, skipNonNull(toks, after)
		}
	}
	return name, kind, next, true
}

func skipNonNull(toks []token, i int) int {
	for i < len(toks) && toks[i].punct("!") {
		i++
	}
	return i
}

// skipCast skips `as T` and `satisfies T` suffixes starting at i.
func skipCast(toks []token, i int) int {
	for i < len(toks) && (toks[i].ident("as") || toks[i].ident("satisfies")) {
		i = skipType(toks, i+1)
	}
	return i
}

// skipAnnotation skips a `: T` binding annotation starting at i.
func skipAnnotation(toks []token, i int) int {
	if i < len(toks) && toks[i].punct(":") {
		return skipType(toks, i+1)
	}
	return i
}

// skipType skips a type expression up to the first depth-zero token that
// cannot continue it.
func skipType(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.punct("(") || t.punct("[") || t.punct("{") || t.punct("<"):
			depth++
		case t.punct(")") || t.punct("]") || t.punct("}") || t.punct(">"):
			if depth == 0 {
				return i
			}
			depth--
		case depth == 0 && (t.punct(",") || t.punct(";") || t.punct("=") || t.kind == tokEOF):
			return i
		case depth == 0 && i > 0 && t.nlBefore && t.kind == tokIdent && endsStatement(toks[i-1]):
			return i
		}
	}
	return i
}

// skipInitializer returns the index of the depth-zero `,` or statement end
// that follows the expression starting at i.
func skipInitializer(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.punct("(") || t.punct("[") || t.punct("{"):
			depth++
		case t.punct(")") || t.punct("]") || t.punct("}"):
			if depth == 0 {
				return i
			}
			depth--
		case depth == 0 && (t.punct(",") || t.punct(";") || t.kind == tokEOF):
			return i
		case depth == 0 && i > 0 && t.nlBefore && t.kind == tokIdent && endsStatement(toks[i-1]):
			return i
		}
	}
	return i
}

// endsStatement reports whether a statement may end after t, so an
// identifier on the next line starts a new one.
func endsStatement(t token) bool {
	switch t.kind {
	case tokIdent, tokNumber, tokString, tokTemplate, tokRegex:
		return true
	}
	return t.punct(")") || t.punct("]") || t.punct("}")
}

// fromConfig records the names reached by destructuring the config object.
func (sc *envScanner) fromConfig(entries []patternEntry) {
	for _, e := range entries {
		if e.key != sc.key {
			continue
		}
		if e.nested != nil {
			for _, n := range e.nested {
				sc.add(n.key)
			}
		} else if e.binding != "" {
			sc.aliases[e.binding] = true
		}
	}
}

// member matches `.name`, `?.name`, `['name']` or `?.['name']` at i, after
// any non-null assertion, and returns the property name and the index after
// the access.
func member(toks []token, i int) (string, int, bool) {
	i = skipNonNull(toks, i)
	if i+1 >= len(toks) {
		return "", 0, false
	}
	if toks[i].punct(".") || toks[i].punct("?.") {
		if toks[i+1].kind == tokIdent {
			return toks[i+1].text, i + 2, true
		}
		if !toks[i].punct("?.") || !toks[i+1].punct("[") {
			return "", 0, false
		}
		i++
	}
	if toks[i].punct("[") && i+2 < len(toks) && toks[i+1].kind == tokString && toks[i+2].punct("]") {
		name, err := strconv.Unquote(normalizeQuotes(toks[i+1].text))
		if err != nil {
			return "", 0, false
		}
		return name, i + 3, true
	}
	return "", 0, false
}

// patternEntry is one property of an object destructuring pattern.
type patternEntry struct {
	key     string
	binding string
	nested  []patternEntry
}

// parsePattern parses an object pattern whose `{` is at i. It returns the
// entries and the index after the closing brace.
func parsePattern(toks []token, i int) ([]patternEntry, int, bool) {
	if i >= len(toks) || !toks[i].punct("{") {
		return nil, 0, false
	}
	i++
	var out []patternEntry
	for i < len(toks) {
		t := toks[i]
		if t.punct("}") {
			return out, i + 1, true
		}
		if t.punct(",") {
			i++
			continue
		}
		if t.punct("...") {
			// rest element: binding unknown statically
			i += 2
			continue
		}
		var key string
		switch t.kind {
		case tokIdent:
			key = t.text
		case tokString:
			k, err := strconv.Unquote(normalizeQuotes(t.text))
			if err != nil {
				return nil, 0, false
			}
			key = k
		default:
			return nil, 0, false
		}
		e := patternEntry{key: key, binding: key}
		i++
		if i < len(toks) && toks[i].punct(":") {
			i++
			if i >= len(toks) {
				return nil, 0, false
			}
			switch {
			case toks[i].punct("{"):
				nested, end, ok := parsePattern(toks, i)
				if !ok {
					return nil, 0, false
				}
				e.binding = ""
				e.nested = nested
				i = end
			case toks[i].kind == tokIdent:
				e.binding = toks[i].text
				i++
			default:
				return nil, 0, false
			}
		}
		if i < len(toks) && toks[i].punct("=") {
			i = skipDefault(toks, i+1)
		}
		out = append(out, e)
	}
	return nil, 0, false
}

// skipDefault skips a default value expression up to the next `,` or `}`
// at depth zero.
func skipDefault(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.punct("(") || t.punct("[") || t.punct("{"):
			depth++
		case t.punct(")") || t.punct("]"):
			depth--
		case t.punct("}"):
			if depth == 0 {
				return i
			}
			depth--
		case t.punct(",") && depth == 0:
			return i
		}
	}
	return i
}
