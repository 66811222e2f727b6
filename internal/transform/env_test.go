package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

func TestExtractEnvReferences(t *testing.T) {
	src := `export default async function mainActivity(input: any, cfg: any): Promise<string> {
  const region = cfg.activityENVInputVariables.REGION;
  const key = cfg?.activityENVInputVariables?.['API_KEY'];
  const env = cfg.activityENVInputVariables;
  const { TOKEN, 'BASE_URL': base } = env;
  const { activityENVInputVariables: { DEBUG } } = cfg;
  const { activityENVInputVariables: other } = cfg;
  return other.TIMEOUT + env.RETRIES + region + key + TOKEN + base + DEBUG;
}
`
	refs, err := ExtractEnvReferences(mustParse(t, src), models.KindActivity)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "BASE_URL", "DEBUG", "REGION", "RETRIES", "TIMEOUT", "TOKEN"}, refs)
}

func TestExtractEnvReferencesIgnoresOtherKind(t *testing.T) {
	src := `export default async function mainWorkflow(input: any, config: any): Promise<void> {
  const a = config.activityENVInputVariables.SKIPPED;
  const b = config.workflowENVInputVariables.SCHEDULE_TZ;
}
`
	refs, err := ExtractEnvReferences(mustParse(t, src), models.KindWorkflow)
	require.NoError(t, err)
	assert.Equal(t, []string{"SCHEDULE_TZ"}, refs)
}

func TestExtractEnvReferencesFromParameterPattern(t *testing.T) {
	src := `export default async function mainActivity(input: any, { activityENVInputVariables: { API_KEY } }: any): Promise<string> {
  return API_KEY;
}
`
	refs, err := ExtractEnvReferences(mustParse(t, src), models.KindActivity)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, refs)
}

func TestExtractEnvReferencesConfigAlias(t *testing.T) {
	src := `export default async function mainActivity(input: any, config: any): Promise<string> {
  const c = config;
  return c.activityENVInputVariables.REGION;
}
`
	refs, err := ExtractEnvReferences(mustParse(t, src), models.KindActivity)
	require.NoError(t, err)
	assert.Equal(t, []string{"REGION"}, refs)
}

func TestExtractEnvReferencesNone(t *testing.T) {
	refs, err := ExtractEnvReferences(mustParse(t, sumActivity), models.KindActivity)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExtractEnvReferencesAssertionsAndGrouping(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"non-null config", `return config!.activityENVInputVariables.API_KEY + config.activityENVInputVariables.REGION;`},
		{"non-null env", `return config.activityENVInputVariables!.API_KEY + config.activityENVInputVariables.REGION;`},
		{"cast", `return (config as any).activityENVInputVariables.API_KEY + (config!).activityENVInputVariables.REGION;`},
		{"parenthesised alias", "const env = (config.activityENVInputVariables);\n  return env.API_KEY + config.activityENVInputVariables.REGION;"},
		{"non-null alias", "const env = config!.activityENVInputVariables!;\n  return env!.API_KEY + config.activityENVInputVariables.REGION;"},
		{"annotated alias", "const env: Record<string, string> = config.activityENVInputVariables as Record<string, string>;\n  return env.API_KEY + config.activityENVInputVariables.REGION;"},
		{"second declarator", "const a = 1, env = config.activityENVInputVariables;\n  return env.API_KEY + config.activityENVInputVariables.REGION;"},
		{"destructured second declarator", "let n = f(1, 2), { API_KEY } = config!.activityENVInputVariables;\n  return API_KEY + config.activityENVInputVariables.REGION;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "export default async function mainActivity(input: any, config?: Cfg): Promise<string> {\n  " + tt.body + "\n}\n"
			refs, err := ExtractEnvReferences(mustParse(t, src), models.KindActivity)
			require.NoError(t, err)
			assert.Equal(t, []string{"API_KEY", "REGION"}, refs)
		})
	}
}

func TestExtractEnvReferencesIgnoresCallResult(t *testing.T) {
	src := `export default async function mainActivity(input: any, config: any): Promise<string> {
  return wrap(config).activityENVInputVariables.NOT_ENV + config.activityENVInputVariables.REGION;
}
`
	refs, err := ExtractEnvReferences(mustParse(t, src), models.KindActivity)
	require.NoError(t, err)
	assert.Equal(t, []string{"REGION"}, refs)
}
