package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oakmoss/driftpeer/internal/config"
	"github.com/oakmoss/driftpeer/internal/daemon"
)

// resolvedConfig loads the effective PeerConfig for a control command: the
// file found by --config (or the standard search path), with no CLI
// overrides layered on top since these commands don't start a peer.
func resolvedConfig(configFlag string) (*config.PeerConfig, error) {
	path, err := config.FindConfigFile(configFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// dialDaemon resolves the config and connects to the daemon's Unix socket.
func dialDaemon(configFlag string) (*daemon.Client, error) {
	cfg, err := resolvedConfig(configFlag)
	if err != nil {
		return nil, err
	}
	if cfg.LnkHome == "" {
		return nil, fmt.Errorf("lnk_home is not set in config")
	}
	socketPath := filepath.Join(cfg.LnkHome, "daemon.sock")
	cookiePath := filepath.Join(cfg.LnkHome, ".cookie")
	return daemon.NewClient(socketPath, cookiePath)
}

// configFlagSet returns a FlagSet pre-populated with the --config flag
// every control command except init/version accepts.
func configFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, fs.String("config", "", "path to config file")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// marshalConfig renders cfg as YAML, the same shape config.Load parses.
func marshalConfig(cfg *config.PeerConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
