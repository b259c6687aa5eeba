// Package config loads and validates the Teredo daemon's on-disk
// Configuration (spec.md §6) and watches it for live reload.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
)

// Role selects which of spec.md §4's roles this process runs as.
type Role string

const (
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
	RoleServer Role = "server"
)

// DiscoveryConfig parameterizes C8 (spec.md §4.8).
type DiscoveryConfig struct {
	Enabled    bool   `json:"enabled"`
	IfnameRE   string `json:"ifname_re,omitempty"`
	Forced     bool   `json:"forced"`
}

// PeerListConfig parameterizes C5.
type PeerListConfig struct {
	Capacity     int `json:"capacity"`
	PendingBytes int `json:"pending_bytes"`
}

// BoolFlags is spec.md §6's `bool_flags`: a handful of named toggles, kept
// as fixed fields (rather than a map) so Configuration stays comparable
// for the watcher's change detection.
type BoolFlags struct {
	Daemonize      bool `json:"daemonize"`
	SyslogEnabled  bool `json:"syslog_enabled"`
	NftablesHarden bool `json:"nftables_harden"`
}

// Configuration is the plain record of spec.md §6.
type Configuration struct {
	Role        Role            `json:"role"`
	ServerName  string          `json:"server_name"`
	Server2Name string          `json:"server2_name,omitempty"`
	LocalIPv4   netip.Addr      `json:"local_ipv4,omitempty"`
	LocalPort   int             `json:"local_port"`
	BindIfName  string          `json:"bind_ifname,omitempty"`
	Prefix      uint32          `json:"prefix"`
	MTU         int             `json:"mtu"`
	Flags       BoolFlags       `json:"bool_flags"`
	Discovery   DiscoveryConfig `json:"discovery"`
	PeerList    PeerListConfig  `json:"peer_list"`
}

// Defaults matching spec.md §6/§9: client/relay bind to 3545, server to
// 3544; a conservative default MTU and peer-list sizing.
const (
	DefaultClientPort   = 3545
	DefaultServerPort   = 3544
	DefaultMTU          = 1280
	DefaultCapacity     = 4096
	DefaultPendingBytes = 4096
)

// Load reads and parses a Configuration from path, then validates it.
func Load(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

func (c *Configuration) applyDefaults() {
	if c.LocalPort == 0 {
		if c.Role == RoleServer {
			c.LocalPort = DefaultServerPort
		} else {
			c.LocalPort = DefaultClientPort
		}
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.PeerList.Capacity == 0 {
		c.PeerList.Capacity = DefaultCapacity
	}
	if c.PeerList.PendingBytes == 0 {
		c.PeerList.PendingBytes = DefaultPendingBytes
	}
}

// Validate enforces the fatal-configuration invariants of spec.md §7:
// an invalid Teredo prefix or a missing server name for the client/relay
// roles is a startup-aborting error.
func (c Configuration) Validate() error {
	switch c.Role {
	case RoleClient, RoleRelay, RoleServer:
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	if c.Prefix == 0 || c.Prefix>>16 != 0x2001 {
		return fmt.Errorf("config: invalid Teredo prefix %#08x", c.Prefix)
	}
	if (c.Role == RoleClient || c.Role == RoleRelay) && c.ServerName == "" {
		return fmt.Errorf("config: %s role requires a server_name", c.Role)
	}
	if c.Role == RoleServer && !c.LocalIPv4.IsValid() {
		return fmt.Errorf("config: server role requires a local_ipv4")
	}
	if c.MTU < 1280 || c.MTU > 65535 {
		return fmt.Errorf("config: mtu %d out of range", c.MTU)
	}
	return nil
}
