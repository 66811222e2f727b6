package transform

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokTemplate
	tokNumber
	tokRegex
	tokPunct
)

// token is a significant lexeme. Offsets index into the lexed source.
// Comments are not tokens; the comments directly preceding a token are kept
// in leading so statement-level comments survive a rewrite.
type token struct {
	kind     tokenKind
	text     string
	start    int
	end      int
	line     int
	col      int
	nlBefore bool
	leading  []string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func (t token) punct(text string) bool {
	return t.is(tokPunct, text)
}

func (t token) ident(text string) bool {
	return t.is(tokIdent, text)
}

// lexError is a tokenizer failure with a 1-based position.
type lexError struct {
	line, col int
	msg       string
}

func (e *lexError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.line, e.col, e.msg)
}

// regexPrecedingKeywords are keywords after which a slash starts a regular
// expression literal rather than a division.
var regexPrecedingKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

type lexer struct {
	src      string
	pos      int
	line     int
	col      int
	nl       bool
	comments []string
	toks     []token
	// parens records, per open parenthesis, whether it starts the condition
	// of an if, while, for or with statement.
	parens []bool
	// condClosed is set when the last token closed such a condition.
	condClosed bool
}

var conditionKeywords = map[string]bool{"if": true, "while": true, "for": true, "with": true}

// lex splits src into significant tokens.
func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1, col: 1}
	for {
		if err := l.skipTrivia(); err != nil {
			return nil, err
		}
		if l.pos >= len(l.src) {
			l.toks = append(l.toks, token{kind: tokEOF, start: l.pos, end: l.pos, line: l.line, col: l.col, nlBefore: true, leading: l.comments})
			return l.toks, nil
		}
		if err := l.next(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) advance(n int) {
	for i := 0; i < n && l.pos < len(l.src); i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) errorf(format string, args ...any) error {
	return &lexError{line: l.line, col: l.col, msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipTrivia() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.nl = true
			l.advance(1)
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			l.advance(1)
		case c == '/' && l.peek(1) == '/':
			start := l.pos
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
			l.comments = append(l.comments, l.src[start:l.pos])
		case c == '/' && l.peek(1) == '*':
			start := l.pos
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf("unterminated block comment")
			}
			text := l.src[start : l.pos+2+end+2]
			if strings.Contains(text, "\n") {
				l.nl = true
			}
			l.advance(len(text))
			l.comments = append(l.comments, text)
		default:
			if c >= utf8.RuneSelf {
				r, size := utf8.DecodeRuneInString(l.src[l.pos:])
				if unicode.IsSpace(r) {
					l.pos += size
					l.col++
					continue
				}
			}
			return nil
		}
	}
	return nil
}

func (l *lexer) emit(kind tokenKind, start, line, col int) {
	l.toks = append(l.toks, token{
		kind:     kind,
		text:     l.src[start:l.pos],
		start:    start,
		end:      l.pos,
		line:     line,
		col:      col,
		nlBefore: l.nl,
		leading:  l.comments,
	})
	l.nl = false
	l.comments = nil
}

func (l *lexer) next() error {
	start, line, col := l.pos, l.line, l.col
	c := l.src[l.pos]
	switch {
	case isIdentStart(l.src[l.pos:]):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos:]) {
			_, size := utf8.DecodeRuneInString(l.src[l.pos:])
			l.pos += size
			l.col++
		}
		l.emit(tokIdent, start, line, col)
	case c >= '0' && c <= '9' || c == '.' && l.peek(1) >= '0' && l.peek(1) <= '9':
		l.advance(1)
		for l.pos < len(l.src) {
			d := l.src[l.pos]
			if (d == '+' || d == '-') && (l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E') && !strings.HasPrefix(l.src[start:l.pos], "0x") {
				l.advance(1)
				continue
			}
			if d == '.' || d == '_' || d >= '0' && d <= '9' || d >= 'a' && d <= 'z' || d >= 'A' && d <= 'Z' {
				l.advance(1)
				continue
			}
			break
		}
		l.emit(tokNumber, start, line, col)
	case c == '"' || c == '\'':
		if err := l.scanString(c); err != nil {
			return err
		}
		l.emit(tokString, start, line, col)
	case c == '`':
		if err := l.scanTemplate(); err != nil {
			return err
		}
		l.emit(tokTemplate, start, line, col)
	case c == '/' && l.regexAllowed():
		if err := l.scanRegex(); err != nil {
			return err
		}
		l.emit(tokRegex, start, line, col)
	default:
		l.advance(punctLen(l.src[l.pos:]))
		l.punctuator(l.src[start:l.pos])
		l.emit(tokPunct, start, line, col)
		return nil
	}
	l.condClosed = false
	return nil
}

// punctuator tracks parenthesis nesting ahead of emitting p.
func (l *lexer) punctuator(p string) {
	closed := false
	switch p {
	case "(":
		cond := false
		if n := len(l.toks); n > 0 && l.toks[n-1].kind == tokIdent {
			cond = conditionKeywords[l.toks[n-1].text] && !(n > 1 && (l.toks[n-2].punct(".") || l.toks[n-2].punct("?.")))
		}
		l.parens = append(l.parens, cond)
	case ")":
		if n := len(l.parens); n > 0 {
			closed = l.parens[n-1]
			l.parens = l.parens[:n-1]
		}
	}
	l.condClosed = closed
}

// punctLen returns the length of the punctuator at the start of s. Angle
// brackets are always single characters so generic type arguments such as
// Promise<Array<T>> stay balanced.
func punctLen(s string) int {
	for _, p := range []string{"...", "===", "!==", "=>", "==", "!=", "&&", "||", "??", "++", "--", "+=", "-=", "*=", "/=", "%=", "|=", "&="} {
		if strings.HasPrefix(s, p) {
			return len(p)
		}
	}
	if strings.HasPrefix(s, "?.") && !(len(s) > 2 && s[2] >= '0' && s[2] <= '9') {
		return 2
	}
	return 1
}

func (l *lexer) regexAllowed() bool {
	if len(l.toks) == 0 {
		return true
	}
	prev := l.toks[len(l.toks)-1]
	switch prev.kind {
	case tokNumber, tokString, tokTemplate, tokRegex:
		return false
	case tokIdent:
		return regexPrecedingKeywords[prev.text]
	case tokPunct:
		if prev.text == ")" {
			return l.condClosed
		}
		return prev.text != "]" && prev.text != "}"
	}
	return true
}

func (l *lexer) scanString(quote byte) error {
	l.advance(1)
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\\':
			l.advance(2)
		case quote:
			l.advance(1)
			return nil
		case '\n':
			return l.errorf("unterminated string literal")
		default:
			l.advance(1)
		}
	}
	return l.errorf("unterminated string literal")
}

func (l *lexer) scanTemplate() error {
	l.advance(1)
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\':
			l.advance(2)
		case c == '`':
			l.advance(1)
			return nil
		case c == '$' && l.peek(1) == '{':
			l.advance(2)
			if err := l.scanSubstitution(); err != nil {
				return err
			}
		default:
			l.advance(1)
		}
	}
	return l.errorf("unterminated template literal")
}

// scanSubstitution consumes the body of a ${...} template substitution
// including its closing brace.
func (l *lexer) scanSubstitution() error {
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '{':
			depth++
			l.advance(1)
		case c == '}':
			depth--
			l.advance(1)
			if depth == 0 {
				return nil
			}
		case c == '"' || c == '\'':
			if err := l.scanString(c); err != nil {
				return err
			}
		case c == '`':
			if err := l.scanTemplate(); err != nil {
				return err
			}
		case c == '/' && l.peek(1) == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
		case c == '/' && l.peek(1) == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf("unterminated block comment")
			}
			l.advance(end + 4)
		default:
			l.advance(1)
		}
	}
	return l.errorf("unterminated template substitution")
}

func (l *lexer) scanRegex() error {
	l.advance(1)
	inClass := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\':
			l.advance(2)
		case c == '\n':
			return l.errorf("unterminated regular expression")
		case c == '[':
			inClass = true
			l.advance(1)
		case c == ']':
			inClass = false
			l.advance(1)
		case c == '/' && !inClass:
			l.advance(1)
			for l.pos < len(l.src) && isIdentPart(l.src[l.pos:]) {
				l.advance(1)
			}
			return nil
		default:
			l.advance(1)
		}
	}
	return l.errorf("unterminated regular expression")
}

func isIdentStart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isIdentifier reports whether s is a plain identifier.
func isIdentifier(s string) bool {
	if s == "" || !isIdentStart(s) {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}
