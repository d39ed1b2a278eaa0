package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUUIDProviderIssuesVersionSeven(t *testing.T) {
	provider := NewUUIDProvider()

	first, err := provider.NewID()
	require.NoError(t, err)
	second, err := provider.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewStateIsUnique(t *testing.T) {
	require.NotEqual(t, NewState(), NewState())
	require.Len(t, NewState(), 20)
}
