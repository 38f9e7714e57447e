package nbd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(backing, make([]byte, 65536), 0644))

	cfgPath := filepath.Join(dir, "nbd.yaml")
	cfgYAML := "listen: \":10809\"\n" +
		"exports:\n" +
		"  - name: disk\n" +
		"    path: " + backing + "\n" +
		"    block_size: 4096\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, ":10809", cfg.Listen)
	require.Len(t, cfg.Exports, 1)
	assert.Equal(t, "disk", cfg.Exports[0].Name)

	exports, devices, err := cfg.OpenExports()
	require.NoError(t, err)
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()
	require.Len(t, exports, 1)
	assert.Equal(t, uint64(65536), exports[0].Size)
	require.NotNil(t, exports[0].BlockSizes)
	assert.Equal(t, uint32(4096), exports[0].BlockSizes.Preferred)
}

func TestLoadConfigNoExports(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("listen: \":10809\"\n"), 0644))

	_, err := LoadConfig(cfgPath)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
