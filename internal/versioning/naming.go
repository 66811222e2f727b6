// Package versioning derives external names and assigns strictly increasing
// versions to activity and workflow definitions.
package versioning

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
)

var (
	namePartPattern     = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	externalNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateNamePart rejects category and definition names containing
// characters outside [a-zA-Z0-9].
func ValidateNamePart(field, value string) error {
	if !namePartPattern.MatchString(value) {
		return apperrors.New(apperrors.CodeInvalidInput, "%s %q must be non-empty and contain only letters and digits", field, value).
			WithDetails(map[string]string{"field": field, "value": value})
	}
	return nil
}

// ExternalName derives {category}_{name}_v{version} in lower case. The
// result doubles as the engine task queue and workflow type, so it must be a
// valid identifier.
func ExternalName(category, name string, version int) (string, error) {
	if err := ValidateNamePart("category", category); err != nil {
		return "", err
	}
	if err := ValidateNamePart("name", name); err != nil {
		return "", err
	}
	if version < 1 {
		return "", apperrors.New(apperrors.CodeInvalidInput, "version must be positive, got %d", version)
	}
	ext := strings.ToLower(category) + "_" + strings.ToLower(name) + "_v" + strconv.Itoa(version)
	if !ValidExternalName(ext) {
		return "", apperrors.New(apperrors.CodeInvalidInput, "derived external name %q is not valid", ext)
	}
	return ext, nil
}

// ValidExternalName reports whether s has the external name shape.
func ValidExternalName(s string) bool {
	return externalNamePattern.MatchString(s)
}
