package debug

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteBundleWritesJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bundle.json")
	bundle := NewBundle()
	bundle.Version = map[string]any{"version": "1.2.3"}
	bundle.Store = map[string]any{"initialized": true}
	bundle.AddCheck("store.open", nil)

	require.NoError(t, WriteBundle(path, bundle))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Bundle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, bundle.GOOS, decoded.GOOS)
	require.Equal(t, "1.2.3", decoded.Version["version"])
	require.Equal(t, true, decoded.Store["initialized"])
	require.True(t, decoded.Healthy())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAddCheckRecordsFailures(t *testing.T) {
	t.Parallel()

	bundle := NewBundle()
	bundle.AddCheck("store.open", nil)
	bundle.AddCheck("audit.chain", errors.New("hash mismatch at event 4"))

	require.False(t, bundle.Healthy())
	require.Len(t, bundle.Checks, 2)
	require.True(t, bundle.Checks[0].OK)
	require.Equal(t, "ok", bundle.Checks[0].Message)
	require.False(t, bundle.Checks[1].OK)
	require.Equal(t, "hash mismatch at event 4", bundle.Checks[1].Message)
}

func TestWriteBundleRequiresOutputPath(t *testing.T) {
	t.Parallel()

	err := WriteBundle("", NewBundle())
	require.Error(t, err)
	require.Contains(t, err.Error(), "output path is required")
}
