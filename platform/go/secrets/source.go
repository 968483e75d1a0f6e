// Package secrets holds the startup-resolved credential material used to open
// clinic database connections. Values are loaded once at process start and
// fail fast when absent; there are no inline fallbacks anywhere else in the
// codebase.
package secrets

import (
	"fmt"
	"os"
)

// Source maps credential references (as stored in the clinic registry) to
// secret values. It is immutable after construction and its values must never
// be logged.
type Source struct {
	values map[string]string
}

// FromEnv resolves every ref from the environment, failing on the first
// missing or empty variable.
func FromEnv(refs ...string) (*Source, error) {
	values := make(map[string]string, len(refs))
	for _, ref := range refs {
		v, ok := os.LookupEnv(ref)
		if !ok || v == "" {
			return nil, fmt.Errorf("secret %s is required and not set", ref)
		}
		values[ref] = v
	}
	return &Source{values: values}, nil
}

// Static builds a Source from the given map; intended for tests.
func Static(values map[string]string) *Source {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Source{values: copied}
}

// Lookup returns the secret for ref or an error naming the ref (never the
// value).
func (s *Source) Lookup(ref string) (string, error) {
	v, ok := s.values[ref]
	if !ok {
		return "", fmt.Errorf("credentials ref %s not loaded at startup", ref)
	}
	return v, nil
}
