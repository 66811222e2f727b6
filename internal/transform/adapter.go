package transform

import (
	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// LanguageAdapter hides every language specific step of the pipeline.
// Callers work with source text only and never switch on the language.
type LanguageAdapter interface {
	Language() models.Language
	// Validate runs the local checks a new definition must pass.
	Validate(source string, kind models.UnitKind) (*Analysis, error)
	// Transform prepares one unit for bundling.
	Transform(source string, opts TransformOptions) (*Transformed, error)
	// Bundle merges transformed units into a single source text. When
	// proxyNames is non-nil the bundle's activity proxies are rebuilt as one
	// binding for those names.
	Bundle(proxyNames []string, parts ...string) (string, error)
	// Compile emits runnable code for source.
	Compile(source string) (string, error)
}

// Analysis is the outcome of a successful Validate.
type Analysis struct {
	Entry         string   `json:"entry"`
	Imports       []string `json:"imports"`
	EnvReferences []string `json:"env_references"`
}

// TransformOptions controls Transform.
type TransformOptions struct {
	Kind models.UnitKind
	// Name replaces the entry function name, normally the external name.
	Name string
	// ActivityNames are the activities a workflow calls through proxies.
	ActivityNames []string
}

// Transformed is the outcome of Transform.
type Transformed struct {
	Code           string   `json:"code"`
	Imports        []string `json:"imports"`
	OldName        string   `json:"old_name"`
	Renamed        bool     `json:"renamed"`
	ConfigOptional bool     `json:"config_optional"`
	ProxyNames     []string `json:"proxy_names,omitempty"`
}

// TypeScript is the LanguageAdapter for TypeScript units.
type TypeScript struct{}

// NewTypeScript returns the TypeScript adapter.
func NewTypeScript() *TypeScript {
	return &TypeScript{}
}

// Language implements LanguageAdapter.
func (TypeScript) Language() models.Language {
	return models.LanguageTypeScript
}

// Validate parses source and checks its structure and import policy.
func (TypeScript) Validate(source string, kind models.UnitKind) (*Analysis, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "unknown unit kind %q", kind)
	}
	u, err := Parse(source)
	if err != nil {
		return nil, err
	}
	if err := ValidateStructure(u, kind); err != nil {
		return nil, err
	}
	if err := CheckImportPolicy(u, kind); err != nil {
		return nil, err
	}
	refs, err := ExtractEnvReferences(u, kind)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyntax, err, "failed to scan env references")
	}
	return &Analysis{
		Entry:         EntryName(kind),
		Imports:       ExternalImports(u),
		EnvReferences: refs,
	}, nil
}

// Transform renames the entry function to opts.Name and normalizes the unit.
// Activities get their config parameter made optional when unused;
// workflows get their proxy bindings rebuilt from opts.ActivityNames.
func (TypeScript) Transform(source string, opts TransformOptions) (*Transformed, error) {
	u, err := Parse(source)
	if err != nil {
		return nil, err
	}
	u, rename, err := RenameAndStripDefault(u, opts.Name)
	if err != nil {
		return nil, err
	}
	out := &Transformed{OldName: rename.OldName, Renamed: rename.Changed}

	switch opts.Kind {
	case models.KindActivity:
		var cfg ConfigResult
		u, cfg, err = MakeConfigOptionalIfUnused(u)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSyntax, err, "failed to inspect config usage")
		}
		out.ConfigOptional = cfg.MadeOptional
	case models.KindWorkflow:
		var proxy ProxyResult
		u, proxy = RebuildProxyBindings(u, opts.ActivityNames)
		out.ProxyNames = proxy.Injected
	default:
		return nil, apperrors.New(apperrors.CodeInvalidInput, "unknown unit kind %q", opts.Kind)
	}

	u, _ = ConsolidateImports(u)
	out.Code = Print(u)
	out.Imports = ExternalImports(u)
	return out, nil
}

// Bundle parses every part and merges them into one unit. Workflow bundles
// pass the union of their activity names so that only one proxy binding
// declares them.
func (TypeScript) Bundle(proxyNames []string, parts ...string) (string, error) {
	units := make([]*Unit, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		u, err := Parse(p)
		if err != nil {
			return "", err
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return "", nil
	}
	merged := Merge(units...)
	if proxyNames != nil {
		merged, _ = RebuildProxyBindings(merged, proxyNames)
		merged, _ = ConsolidateImports(merged)
	}
	return Print(merged), nil
}

// Compile transpiles source to JavaScript.
func (TypeScript) Compile(source string) (string, error) {
	return compile(source)
}

// Registry resolves the adapter for a language.
type Registry struct {
	adapters map[models.Language]LanguageAdapter
}

// NewRegistry returns a registry holding adapters. With no arguments it
// holds the TypeScript adapter.
func NewRegistry(adapters ...LanguageAdapter) *Registry {
	if len(adapters) == 0 {
		adapters = []LanguageAdapter{NewTypeScript()}
	}
	r := &Registry{adapters: make(map[models.Language]LanguageAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Language()] = a
	}
	return r
}

// For returns the adapter for lang. An empty language means TypeScript.
func (r *Registry) For(lang models.Language) (LanguageAdapter, error) {
	if lang == "" {
		lang = models.LanguageTypeScript
	}
	a, ok := r.adapters[lang]
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "unsupported language %q", lang)
	}
	return a, nil
}
