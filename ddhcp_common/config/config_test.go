package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	return fs
}

func TestLoadRequiresPrefix(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse(nil))
	_, err := Load(fs, Environ{})
	require.Error(t, err)
}

func TestLoadAppliesFlagDefaults(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse([]string{"--prefix=10.0.0.0/24"}))

	cfg, err := Load(fs, Environ{})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.0/24", cfg.Pool.String())
	require.Equal(t, 32, cfg.BlockSize)
	require.Equal(t, 4, cfg.Spares)
	require.True(t, cfg.LeaseNetworkAndBroadcast)
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse([]string{"--prefix=10.0.0.0/24", "--blocksize=64"}))

	cfg, err := Load(fs, Environ{BlockSize: "16"})
	require.NoError(t, err)
	require.Equal(t, 64, cfg.BlockSize, "an explicit flag must win over the environment")
}

func TestLoadEnvUsedWhenFlagAbsent(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse([]string{"--prefix=10.0.0.0/24"}))

	cfg, err := Load(fs, Environ{Spares: "9"})
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Spares)
}

func TestLoadParsesListsAndGroup(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse([]string{
		"--prefix=10.0.0.0/24",
		"--blocked=0,1,2",
		"--routers=10.0.0.1,10.0.0.2",
		"--dns=8.8.8.8",
	}))

	cfg, err := Load(fs, Environ{})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, cfg.Blocked)
	require.Len(t, cfg.Routers, 2)
	require.Len(t, cfg.DNS, 1)
	require.Equal(t, "ff05::dd4c", cfg.MulticastGroup.String())
}

func TestLoadRejectsInvalidGroup(t *testing.T) {
	fs := newFlagSet(t)
	require.NoError(t, fs.Parse([]string{"--prefix=10.0.0.0/24", "--group=not-an-ip"}))
	_, err := Load(fs, Environ{})
	require.Error(t, err)
}
