package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallAttributesIncludeEnvironment(t *testing.T) {
	SetEnvironment("Staging")
	t.Cleanup(func() { SetEnvironment("") })

	attrs := CallAttributes("google", "list_changes", ResultSuccess)
	require.Len(t, attrs, 4)
	require.Equal(t, "staging", attrs[0].Value.AsString())
	require.Equal(t, AttrProvider, attrs[1].Key)
	require.Equal(t, "list_changes", attrs[2].Value.AsString())
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("  ")
	require.Equal(t, "development", Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
