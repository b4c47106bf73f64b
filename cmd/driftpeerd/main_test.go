package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveConfigFlagsOnlyWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := resolveConfig(runArgs{lnkHome: home, listen: "/ip4/0.0.0.0/tcp/9999"})
	require.NoError(t, err)
	require.Equal(t, home, cfg.LnkHome)
	require.Equal(t, "/ip4/0.0.0.0/tcp/9999", cfg.Listen)
}

func TestResolveConfigRequiresLnkHomeOrFile(t *testing.T) {
	_, err := resolveConfig(runArgs{})
	require.Error(t, err)
}

func TestResolveConfigFileOverriddenByFlags(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "driftpeer.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"lnk_home: "+filepath.Join(dir, "state")+"\n"+
			"listen: /ip4/0.0.0.0/tcp/1\n",
	), 0o600))

	cfg, err := resolveConfig(runArgs{configPath: configPath, listen: "/ip4/0.0.0.0/tcp/2"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "state"), cfg.LnkHome)
	require.Equal(t, "/ip4/0.0.0.0/tcp/2", cfg.Listen)
}

func TestResolveConfigTestFlagSetsTestMode(t *testing.T) {
	home := t.TempDir()
	cfg, err := resolveConfig(runArgs{lnkHome: home, test: true})
	require.NoError(t, err)
	require.True(t, cfg.IsTest())
}
