package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
)

// Diagnostic is a positioned toolchain message.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
}

// Parse parses source text into a Unit. Toolchain diagnostics are checked
// first; when there are any, every one of them is reported in a single
// SYNTAX_ERROR and no Unit is returned.
func Parse(text string) (*Unit, error) {
	if diags := toolchainDiagnostics(text); len(diags) > 0 {
		return nil, syntaxError(diags)
	}
	u, err := parseUnit(text)
	if err != nil {
		var le *lexError
		if errors.As(err, &le) {
			return nil, syntaxError([]Diagnostic{{Line: le.line, Column: le.col, Message: le.msg}})
		}
		return nil, apperrors.Wrap(apperrors.CodeSyntax, err, "failed to parse source")
	}
	return u, nil
}

func syntaxError(diags []Diagnostic) error {
	msgs := make([]string, len(diags))
	for i, d := range diags {
		msgs[i] = d.String()
	}
	return apperrors.New(apperrors.CodeSyntax, "%s", strings.Join(msgs, "; ")).WithDetails(diags)
}

// toolchainDiagnostics runs the TypeScript loader of esbuild over text and
// returns its error messages. esbuild columns are 0-based byte offsets.
func toolchainDiagnostics(text string) []Diagnostic {
	result := api.Transform(text, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatESModule,
		Target:     api.ES2022,
		Sourcefile: "unit.ts",
		LogLevel:   api.LogLevelSilent,
	})
	return diagnosticsFrom(result.Errors)
}

func diagnosticsFrom(msgs []api.Message) []Diagnostic {
	out := make([]Diagnostic, 0, len(msgs))
	for _, m := range msgs {
		d := Diagnostic{Message: m.Text}
		if m.Location != nil {
			d.Line = m.Location.Line
			d.Column = m.Location.Column + 1
		}
		out = append(out, d)
	}
	return out
}

// compile transpiles TypeScript to ES2022 JavaScript.
func compile(text string) (string, error) {
	result := api.Transform(text, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatESModule,
		Target:     api.ES2022,
		Sourcefile: "unit.ts",
		LogLevel:   api.LogLevelSilent,
	})
	if diags := diagnosticsFrom(result.Errors); len(diags) > 0 {
		return "", syntaxError(diags)
	}
	return string(result.Code), nil
}
