package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// checkConfigFilePermissions returns an error, which Load fails on, if a
// config file has overly permissive permissions (group/world readable). A driftpeer config can embed an
// identity key path and bootstrap topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and parses a PeerConfig from a YAML file.
func Load(path string) (*PeerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg PeerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added.
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade driftpeer", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	return &cfg, nil
}

// FindConfigFile searches for a driftpeer config file in standard
// locations. Search order: explicitPath (if given), ./driftpeer.yaml,
// ~/.config/driftpeer/config.yaml, /etc/driftpeer/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"driftpeer.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "driftpeer", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "driftpeer", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'driftpeer init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default driftpeer config directory
// (~/.config/driftpeer).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "driftpeer"), nil
}

// Validate checks a PeerConfig for the minimum fields needed to start a
// peer.
func Validate(cfg *PeerConfig) error {
	if cfg.LnkHome == "" {
		return fmt.Errorf("lnk_home is required")
	}
	for _, b := range cfg.Bootstrap {
		if _, _, err := ParseBootstrapPeer(b); err != nil {
			return fmt.Errorf("bootstrap %q: %w", b, err)
		}
	}
	for _, p := range cfg.Projects {
		if _, err := urn.Parse(p); err != nil {
			return fmt.Errorf("project %q: %w", p, err)
		}
	}
	return nil
}

// ResolveConfigPaths resolves a relative IdentityKey to be relative to the
// config file's directory, so a config in ~/.config/driftpeer/ can
// reference a key file alongside it.
func ResolveConfigPaths(cfg *PeerConfig, configDir string) {
	if cfg.IdentityKey != "" && !filepath.IsAbs(cfg.IdentityKey) {
		cfg.IdentityKey = filepath.Join(configDir, cfg.IdentityKey)
	}
	if cfg.LnkHome != "" && !filepath.IsAbs(cfg.LnkHome) {
		cfg.LnkHome = filepath.Join(configDir, cfg.LnkHome)
	}
}

// ParseBootstrapPeer parses the CLI/config `peer-id@host:port` shorthand
// into a peer id string and a dialable libp2p multiaddr, the form
// overlay.Config.BootstrapPeers expects.
func ParseBootstrapPeer(s string) (peerID string, multiaddr string, err error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return "", "", fmt.Errorf("expected peer-id@host:port, got %q", s)
	}
	peerID = s[:at]
	hostport := s[at+1:]
	if peerID == "" || hostport == "" {
		return "", "", fmt.Errorf("expected peer-id@host:port, got %q", s)
	}

	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return "", "", fmt.Errorf("invalid host:port %q: %w", hostport, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	ipProto := "ip4"
	if strings.Contains(host, ":") {
		ipProto = "ip6"
	}
	ma := fmt.Sprintf("/%s/%s/tcp/%s/p2p/%s", ipProto, host, portStr, peerID)
	return peerID, ma, nil
}

// splitHostPort is a thin wrapper so ParseBootstrapPeer doesn't pull in
// net.SplitHostPort's IPv6-bracket expectations for the plain "host:port"
// shorthand the CLI flag documents.
func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	host = hostport[:idx]
	port = hostport[idx+1:]
	if host == "" || port == "" {
		return "", "", fmt.Errorf("missing host or port")
	}
	return host, port, nil
}
