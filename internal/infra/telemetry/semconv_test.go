package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmissionAttributesOmitEmptyCategory(t *testing.T) {
	attrs := SubmissionAttributes("test", "deposit", "succeeded", "")
	require.Len(t, attrs, 3)

	attrs = SubmissionAttributes("test", "deposit", "rejected", "financial")
	require.Len(t, attrs, 4)
	require.Equal(t, AttrErrorCategory, attrs[3].Key)
	require.Equal(t, "financial", attrs[3].Value.AsString())
}

func TestAccountAttributes(t *testing.T) {
	require.Empty(t, AccountAttributes("", ""))
	attrs := AccountAttributes("real", "gaming")
	require.Len(t, attrs, 2)
	require.Equal(t, AttrOwnership, attrs[0].Key)
}

func TestDisabledProviderSetsEnvironment(t *testing.T) {
	t.Cleanup(func() { SetEnvironment("") })
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, provider.Meter("mt5desk.test"))
	require.NoError(t, provider.Shutdown(context.Background()))

	SetEnvironment("")
	require.Equal(t, "development", Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
