// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads and validates the Exit Endpoint's TOML
// configuration file, following the same Load/LoadFile/FixupAndValidate
// shape as server/config.go.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultLocalDNS  = "127.0.0.1:53"
	defaultUpstream  = "8.8.8.8:53"
	defaultQueueSize = 1024
)

// Exit holds the `[Exit]` table keys, named exactly as the textual
// k=v configuration keys they come from.
type Exit struct {
	// Type set to "null" disables TUN initialization, making the
	// endpoint virtual; any other value (including absence) enables it.
	Type string `toml:"type"`

	// Exit enables or disables Internet egress (permitExit).
	Exit bool `toml:"exit"`

	// LocalDNS is the address the DNS responder binds to.
	LocalDNS string `toml:"local-dns"`

	// UpstreamDNS lists resolvers queries outside this endpoint's
	// authority are forwarded to, tried in order.
	UpstreamDNS []string `toml:"upstream-dns"`

	// IfAddr is the gateway IP and CIDR, e.g. "10.0.0.1/24".
	IfAddr string `toml:"ifaddr"`

	// IfName is the TUN device name.
	IfName string `toml:"ifname"`

	// ExitWhitelist and ExitBlacklist are accepted and stored verbatim;
	// enforcing them is a policy hook outside this core.
	ExitWhitelist []string `toml:"exit-whitelist"`
	ExitBlacklist []string `toml:"exit-blacklist"`

	// QueueSize is the packet pump's bounded inbound FIFO capacity.
	QueueSize int `toml:"queue_size"`

	// MetricsAddress, if set, serves Prometheus metrics over HTTP.
	MetricsAddress string `toml:"metrics_address"`
}

// Logging mirrors server/config.Logging.
type Logging struct {
	Disable bool   `toml:"disable"`
	File    string `toml:"file"`
	Level   string `toml:"level"`
}

// Config is the top-level document.
type Config struct {
	Exit    Exit
	Logging Logging

	// network and gateway are computed by FixupAndValidate from IfAddr.
	network *net.IPNet
	gateway net.IP
}

// Network returns the parsed CIDR range. Valid only after
// FixupAndValidate succeeds.
func (c *Config) Network() *net.IPNet { return c.network }

// Gateway returns the parsed gateway address. Valid only after
// FixupAndValidate succeeds.
func (c *Config) Gateway() net.IP { return c.gateway }

// FixupAndValidate applies defaults and rejects illegal configuration,
// matching server.Config.FixupAndValidate's role of catching
// configuration errors at startup instead of at first use.
func (c *Config) FixupAndValidate() error {
	if c.Exit.LocalDNS == "" {
		c.Exit.LocalDNS = defaultLocalDNS
	}
	if len(c.Exit.UpstreamDNS) == 0 {
		c.Exit.UpstreamDNS = []string{defaultUpstream}
	}
	if c.Exit.QueueSize <= 0 {
		c.Exit.QueueSize = defaultQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "NOTICE"
	}

	if c.Exit.IfAddr == "" {
		return fmt.Errorf("config: Exit.IfAddr is required")
	}
	gw, network, err := net.ParseCIDR(c.Exit.IfAddr)
	if err != nil {
		return fmt.Errorf("config: Exit.IfAddr %q is not a valid CIDR: %w", c.Exit.IfAddr, err)
	}
	if c.Exit.Type != "null" {
		if c.Exit.IfName == "" || c.Exit.IfName == "auto" {
			return fmt.Errorf("config: Exit.IfName must be set and not \"auto\" unless Exit.Type is \"null\"")
		}
	}
	c.gateway = gw
	c.network = network
	return nil
}

// Load parses a TOML document already in memory.
func Load(b []byte) (*Config, error) {
	c := new(Config)
	if _, err := toml.Decode(string(b), c); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads and parses f.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %q: %w", f, err)
	}
	return Load(b)
}
