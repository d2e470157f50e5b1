package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/catalog"
	"github.com/LeeDigitalWorks/zaprelay/pkg/coordinator"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Defaults
// ============================================================================

func TestIOTimeout_DefaultsToNone(t *testing.T) {
	for _, c := range []*cobra.Command{coordinatorCmd, nodeCmd, clientCmd} {
		f := c.Flags().Lookup("io_timeout")
		if f == nil {
			f = c.PersistentFlags().Lookup("io_timeout")
		}
		require.NotNil(t, f, c.Name())
		assert.Equal(t, time.Duration(0).String(), f.DefValue, c.Name())
	}
}

func TestLoadCoordinatorOpts_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	require.NoError(t, viper.BindPFlags(coordinatorCmd.Flags()))

	opts := loadCoordinatorOpts(coordinatorCmd)
	assert.Zero(t, opts.IOTimeout)
	assert.Equal(t, coordinator.DefaultAddr, opts.AdvertiseAddr)
}

// ============================================================================
// Bookkeeping files
// ============================================================================

func TestReservedNames(t *testing.T) {
	names := reservedNames("/etc/zaprelay/workers.txt")
	assert.ElementsMatch(t, []string{
		coordinator.EndpointFile,
		coordinator.LegacyEndpointFile,
		"workers.txt",
	}, names)
}

func TestReservedNames_HiddenInFileCatalog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{coordinator.LegacyEndpointFile, "workers.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}

	store, err := catalog.Open(catalog.Config{
		Type:     catalog.TypeFile,
		Dir:      dir,
		Reserved: reservedNames(filepath.Join(dir, "workers.txt")),
	})
	require.NoError(t, err)
	defer store.Close()

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestEndpointFileDir(t *testing.T) {
	tests := []struct {
		typ    catalog.Type
		writes bool
	}{
		{"", true},
		{catalog.TypeFile, true},
		{catalog.TypeLevelDB, false},
		{catalog.TypeRedis, false},
		{catalog.TypeMemory, false},
	}
	for _, tt := range tests {
		dir, ok := endpointFileDir(catalog.Config{Type: tt.typ, Dir: "/var/lib/zaprelay"})
		assert.Equal(t, tt.writes, ok, "type %q", tt.typ)
		if ok {
			assert.Equal(t, "/var/lib/zaprelay", dir)
		}
	}
}
