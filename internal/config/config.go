// Package config loads and validates driftpeer's peer configuration: the
// settings needed to construct a Network, a Keystore, and a Registry for
// one CLI invocation. The versioned struct, pointer-typed optional-field
// defaulting, and search-path loading follow the conventions of this
// codebase's other config surfaces; a driftpeer peer has no relay role
// and no named-service surface to describe, so that struct tree doesn't
// apply here.
package config

import "time"

// CurrentConfigVersion is the highest config schema version this binary
// understands. Loading a config with a higher version fails with
// ErrConfigVersionTooNew.
const CurrentConfigVersion = 1

// DefaultListenAddr is used when neither a config file nor --listen
// specify one.
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

// DefaultWaitingRoomTimeout mirrors the replication engine's own default
// so a freshly generated config is self-consistent even before the core
// package is imported.
const DefaultWaitingRoomTimeout = 10 * time.Second

// PeerConfig is the full set of settings for one driftpeer process,
// whether sourced from a YAML file, CLI flags, or both (CLI flags take
// precedence; see Merge).
type PeerConfig struct {
	// Version is the config schema version. Configs written before
	// versioning was added are treated as version 1.
	Version int `yaml:"version,omitempty"`

	// Listen is the libp2p multiaddr to listen on. Empty means an
	// ephemeral TCP port on all interfaces (DefaultListenAddr).
	Listen string `yaml:"listen,omitempty"`

	// LnkHome is the root directory for this peer's persisted state:
	// the key-value store, the identity key (unless IdentityKey
	// overrides it), and the monorepo watch root.
	LnkHome string `yaml:"lnk_home"`

	// Test puts the peer in test mode (shorter waiting-room and sync
	// timeouts; the store stays on disk) when true. A *bool so an absent config key defaults to
	// false without shadowing an explicit `test: false`.
	Test *bool `yaml:"test,omitempty"`

	// IdentityKey is the path to the node's persisted ed25519 identity
	// key, overriding the default of lnk_home/identity.key.
	IdentityKey string `yaml:"identity_key,omitempty"`

	// Bootstrap lists peers to seed the Kademlia routing table with, in
	// `peer-id@host:port` form (see ParseBootstrapPeer).
	Bootstrap []string `yaml:"bootstrap,omitempty"`

	// Projects lists project URNs to seed-track on startup (seed mode).
	Projects []string `yaml:"project,omitempty"`

	// MDNS enables LAN peer discovery. Defaults to true; a *bool for
	// the same reason as Test.
	MDNS *bool `yaml:"mdns,omitempty"`
}

// IsTest reports whether test mode is enabled, defaulting to false.
func (c *PeerConfig) IsTest() bool {
	return c.Test != nil && *c.Test
}

// IsMDNSEnabled reports whether mDNS discovery is enabled, defaulting to
// true.
func (c *PeerConfig) IsMDNSEnabled() bool {
	return c.MDNS == nil || *c.MDNS
}

// Default returns a PeerConfig with every field at its zero-config
// default: ephemeral listen address, mDNS on, test mode off.
func Default() *PeerConfig {
	mdnsOn := true
	return &PeerConfig{
		Version: CurrentConfigVersion,
		Listen:  DefaultListenAddr,
		MDNS:    &mdnsOn,
	}
}

// Merge applies non-zero fields from override on top of base, returning a
// new PeerConfig. Used to layer CLI flags (override) over a loaded config
// file (base): a flag the user didn't pass stays at the file's value.
func Merge(base *PeerConfig, override *PeerConfig) *PeerConfig {
	merged := *base
	if override.Listen != "" {
		merged.Listen = override.Listen
	}
	if override.LnkHome != "" {
		merged.LnkHome = override.LnkHome
	}
	if override.Test != nil {
		merged.Test = override.Test
	}
	if override.IdentityKey != "" {
		merged.IdentityKey = override.IdentityKey
	}
	if len(override.Bootstrap) > 0 {
		merged.Bootstrap = override.Bootstrap
	}
	if len(override.Projects) > 0 {
		merged.Projects = override.Projects
	}
	if override.MDNS != nil {
		merged.MDNS = override.MDNS
	}
	return &merged
}
