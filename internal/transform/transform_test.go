package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

const sumActivity = `import { add } from 'mathjs';

export default async function mainActivity(input: { a: number; b: number }, config: any): Promise<number> {
  return add(input.a, input.b);
}
`

func mustParse(t *testing.T, src string) *Unit {
	t.Helper()
	u, err := Parse(src)
	require.NoError(t, err)
	return u
}

func TestParseReportsSyntaxErrors(t *testing.T) {
	_, err := Parse("export default async function mainActivity(input: any, config: any): Promise<number> {\n  return 1 +;\n}\n")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeSyntax))

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	diags, ok := ae.Details.([]Diagnostic)
	require.True(t, ok)
	require.NotEmpty(t, diags)
	assert.Equal(t, 2, diags[0].Line)
	assert.Positive(t, diags[0].Column)
}

func TestParseRegexAfterCondition(t *testing.T) {
	src := `export default async function mainActivity(input: any, config: any): Promise<number> {
  if (input) /a}b/.test(input);
  while (false) /[)]/g.exec(input);
  const half = Math.max(input.n, 2) / 2 / 1;
  return half;
}
`
	u := mustParse(t, src)
	fn := u.Functions()[0]
	assert.Contains(t, fn.Body, "/a}b/.test(input)")
	assert.Contains(t, fn.Body, "return half;")

	toks, err := lex(fn.Body)
	require.NoError(t, err)
	var regexes []string
	for _, tok := range toks {
		if tok.kind == tokRegex {
			regexes = append(regexes, tok.text)
		}
	}
	assert.Equal(t, []string{"/a}b/", "/[)]/g"}, regexes)
}

func TestValidateStructureAcceptsActivity(t *testing.T) {
	u := mustParse(t, sumActivity)
	assert.NoError(t, ValidateStructure(u, models.KindActivity))
}

func TestValidateStructureReportsEveryViolation(t *testing.T) {
	u := mustParse(t, "export default function doThing(input: any) {\n  return 1;\n}\n")

	err := ValidateStructure(u, models.KindActivity)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeStructuralValidation))

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	violations, ok := ae.Details.([]Violation)
	require.True(t, ok)

	rules := make([]string, len(violations))
	for i, v := range violations {
		rules[i] = v.Rule
		assert.Equal(t, 1, v.Line)
	}
	assert.Equal(t, []string{RuleFunctionName, RuleAsync, RuleParameterCount, RuleReturnType}, rules)
}

func TestValidateStructureRequiresDefaultExport(t *testing.T) {
	u := mustParse(t, "export async function mainActivity(input: any, config: any): Promise<void> {}\n")

	err := ValidateStructure(u, models.KindActivity)
	require.Error(t, err)

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	violations := ae.Details.([]Violation)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleDefaultExport, violations[0].Rule)
}

func TestValidateStructureWorkflowParameters(t *testing.T) {
	u := mustParse(t, "export default async function mainWorkflow(input: any): Promise<void> {}\n")
	assert.NoError(t, ValidateStructure(u, models.KindWorkflow))
	assert.Error(t, ValidateStructure(u, models.KindActivity))
}

func TestValidateStructureDefaultExportReference(t *testing.T) {
	u := mustParse(t, "async function mainWorkflow(input: any): Promise<void> {}\n\nexport default mainWorkflow;\n")
	assert.NoError(t, ValidateStructure(u, models.KindWorkflow))
}

func TestCheckImportPolicy(t *testing.T) {
	src := `import { readFileSync } from 'fs';
import { join } from 'node:path';
import type { Stats } from 'fs/promises';
import { sleep } from '@temporalio/workflow';

export default async function mainWorkflow(input: any): Promise<void> {
  await sleep(1);
}
`
	u := mustParse(t, src)

	err := CheckImportPolicy(u, models.KindWorkflow)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeImportPolicy))

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, []string{"fs", "node:path"}, ae.Details)

	assert.NoError(t, CheckImportPolicy(u, models.KindActivity))
}

func TestRenameAndStripDefaultIsIdempotent(t *testing.T) {
	u := mustParse(t, sumActivity)

	once, res, err := RenameAndStripDefault(u, "math_sum_v1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "mainActivity", res.OldName)

	twice, res, err := RenameAndStripDefault(once, "math_sum_v1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, Print(once), Print(twice))

	reparsed := mustParse(t, Print(once))
	again, _, err := RenameAndStripDefault(reparsed, "math_sum_v1")
	require.NoError(t, err)
	assert.Equal(t, Print(once), Print(again))

	// the input is not mutated
	assert.Len(t, u.defaultFunctions(), 1)
}

func TestRenameRemovesDefaultExportStatement(t *testing.T) {
	u := mustParse(t, "async function mainWorkflow(input: any): Promise<void> {}\n\nexport default mainWorkflow;\n")

	out, _, err := RenameAndStripDefault(u, "nightly_sync_v2")
	require.NoError(t, err)
	assert.Equal(t, "export async function nightly_sync_v2(input: any): Promise<void> {}\n", Print(out))
}

func TestRenameRejectsInvalidIdentifier(t *testing.T) {
	u := mustParse(t, sumActivity)
	_, _, err := RenameAndStripDefault(u, "math-sum")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestConsolidateImportsIsOrderIndependent(t *testing.T) {
	a := `import { b, a } from 'lib';
import type { T } from 'lib';
import * as path from 'path';
import 'reflect-metadata';
import { a as z } from 'lib';
const x = 1;
`
	b := `import 'reflect-metadata';
import { a as z, a } from 'lib';
const x = 1;
import * as path from 'path';
import { b } from 'lib';
import type { T } from 'lib';
`
	want := `import type { T } from 'lib';
import { a, a as z, b } from 'lib';
import * as path from 'path';
import 'reflect-metadata';

const x = 1;
`
	outA, res := ConsolidateImports(mustParse(t, a))
	outB, _ := ConsolidateImports(mustParse(t, b))

	assert.Equal(t, want, Print(outA))
	assert.Equal(t, Print(outA), Print(outB))
	assert.Equal(t, 5, res.Before)
	assert.Equal(t, 4, res.After)
	assert.Equal(t, []string{"lib", "path", "reflect-metadata"}, res.Modules)
}

func TestConsolidateImportsDropsShadowedTypeImport(t *testing.T) {
	u := &Unit{Statements: []Statement{
		&ImportDecl{Module: "lib", TypeOnly: true, Named: []ImportSpec{{Name: "Options"}}},
		&ImportDecl{Module: "lib", Named: []ImportSpec{{Name: "Options"}}},
		&ImportDecl{Module: "lib", SideEffect: true},
	}}
	out, _ := ConsolidateImports(u)
	assert.Equal(t, "import { Options } from 'lib';\n", Print(out))
}

func TestMergeBindsTypeImportOnce(t *testing.T) {
	a := mustParse(t, "import { type Foo } from 'lib';\nconst a: Foo = 1;\n")
	b := mustParse(t, "import type { Foo } from 'lib';\nconst b: Foo = 2;\n")

	want := `import type { Foo } from 'lib';

const a: Foo = 1;

const b: Foo = 2;
`
	assert.Equal(t, want, Print(Merge(a, b)))
	reversed := Print(Merge(b, a))
	assert.Equal(t, 1, strings.Count(reversed, "Foo }"))
	assert.NotContains(t, reversed, "{ type Foo }")
}

func TestConsolidateImportsKeepsHeaderComments(t *testing.T) {
	src := `// Copyright header
import { b } from 'lib';
const x = 1;
// about a
import { a } from 'lib';
`
	out, _ := ConsolidateImports(mustParse(t, src))
	assert.Equal(t, "// Copyright header\n// about a\nimport { a, b } from 'lib';\n\nconst x = 1;\n", Print(out))
}

func TestRebuildProxyBindings(t *testing.T) {
	src := `import { proxyActivities } from '@temporalio/workflow';

const { old_v1 } = proxyActivities<any>({ startToCloseTimeout: '1 minute' });

export default async function mainWorkflow(input: any): Promise<number> {
  return await math_sum_v1(input);
}
`
	want := `import { proxyActivities } from '@temporalio/workflow';

const { data_load_v2, math_sum_v1 } = proxyActivities({
  startToCloseTimeout: '10 minutes',
  retry: { maximumAttempts: 1 },
});

export async function calc_total_v1(input: any): Promise<number> {
  return await math_sum_v1(input);
}
`
	out, err := NewTypeScript().Transform(src, TransformOptions{
		Kind:          models.KindWorkflow,
		Name:          "calc_total_v1",
		ActivityNames: []string{"math_sum_v1", "math_sum_v1", "data_load_v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, want, out.Code)
	assert.Equal(t, []string{"data_load_v2", "math_sum_v1"}, out.ProxyNames)
}

func TestRebuildProxyBindingsAddsImport(t *testing.T) {
	u := mustParse(t, "export default async function mainWorkflow(input: any): Promise<void> {}\n")

	out, res := RebuildProxyBindings(u, []string{"notify_v1"})
	assert.Equal(t, []string{"notify_v1"}, res.Injected)
	assert.Contains(t, Print(out), "import { proxyActivities } from '@temporalio/workflow';")

	none, res := RebuildProxyBindings(out, nil)
	assert.Equal(t, 1, res.Removed)
	assert.NotContains(t, Print(none), "const { notify_v1 }")
}

func TestMakeConfigOptionalIfUnused(t *testing.T) {
	out, res, err := MakeConfigOptionalIfUnused(mustParse(t, sumActivity))
	require.NoError(t, err)
	assert.True(t, res.MadeOptional)
	assert.Contains(t, Print(out), "config?: any")

	used := `export default async function mainActivity(input: any, config: any): Promise<string> {
  return ` + "`${config.prefix}-${input}`" + `;
}
`
	out, res, err = MakeConfigOptionalIfUnused(mustParse(t, used))
	require.NoError(t, err)
	assert.False(t, res.MadeOptional)
	assert.Contains(t, Print(out), "config: any")

	member := `export default async function mainActivity(input: any, config: any): Promise<string> {
  return input.config;
}
`
	_, res, err = MakeConfigOptionalIfUnused(mustParse(t, member))
	require.NoError(t, err)
	assert.True(t, res.MadeOptional)
}

func TestTransformActivity(t *testing.T) {
	out, err := NewTypeScript().Transform(sumActivity, TransformOptions{Kind: models.KindActivity, Name: "math_sum_v1"})
	require.NoError(t, err)

	want := "import { add } from 'mathjs';\n\nexport async function math_sum_v1(input: { a: number; b: number }, config?: any): Promise<number> {\n  return add(input.a, input.b);\n}\n"
	assert.Equal(t, want, out.Code)
	assert.True(t, out.Renamed)
	assert.True(t, out.ConfigOptional)
	assert.Equal(t, []string{"mathjs"}, out.Imports)
}
