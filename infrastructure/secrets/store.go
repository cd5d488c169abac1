// Package secrets resolves backend credentials at wiring time so that
// provider adapters receive plain keys and configuration never logs them.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Store resolves a credential reference to its value.
type Store interface {
	// Resolve expands ref. A literal value passes through unchanged; a
	// "${NAME}" reference is looked up in the backing store.
	Resolve(ref string) (string, error)
}

// EnvStore resolves "${NAME}" references against the process environment.
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) Resolve(ref string) (string, error) {
	if !strings.HasPrefix(ref, "${") || !strings.HasSuffix(ref, "}") {
		return ref, nil
	}

	name := strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}")
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}
