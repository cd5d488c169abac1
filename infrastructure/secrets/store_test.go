package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore_LiteralPassesThrough(t *testing.T) {
	store := NewEnvStore()

	got, err := store.Resolve("sk-literal-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-literal-key", got)

	// A partial reference is still a literal
	got, err = store.Resolve("${unterminated")
	require.NoError(t, err)
	assert.Equal(t, "${unterminated", got)
}

func TestEnvStore_ResolvesReference(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-from-env")
	store := NewEnvStore()

	got, err := store.Resolve("${TEST_PROVIDER_KEY}")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", got)
}

func TestEnvStore_MissingVariableFails(t *testing.T) {
	store := NewEnvStore()

	_, err := store.Resolve("${DEFINITELY_NOT_SET_ANYWHERE}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_NOT_SET_ANYWHERE")
}

func TestEnvStore_EmptyVariableFails(t *testing.T) {
	t.Setenv("EMPTY_PROVIDER_KEY", "")
	store := NewEnvStore()

	_, err := store.Resolve("${EMPTY_PROVIDER_KEY}")
	assert.Error(t, err)
}
