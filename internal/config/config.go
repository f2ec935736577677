// Package config loads the network layer's TOML configuration file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/empower1/netlayer/internal/netaddr"
)

// KnownNode is one [[known_nodes]] TOML table entry.
type KnownNode struct {
	IP   string `toml:"ip"`
	Port uint16 `toml:"port"`
}

// Config is the root of the TOML configuration file described in spec §6.
type Config struct {
	Port        uint16      `toml:"port"`
	MaxConnects int         `toml:"max_connects"`
	KnownNodes  []KnownNode `toml:"known_nodes"`
}

const (
	defaultPort        = 4000
	defaultMaxConnects = 4
)

// defaultKnownNode is assumed when no [[known_nodes]] entries are present.
var defaultKnownNode = KnownNode{IP: "127.0.0.1", Port: 1337}

// Load reads and validates the TOML configuration file at path. A missing
// port, max_connects or known_nodes falls back to its default; an
// unreadable file, a negative max_connects or a malformed known-node entry
// is fatal: the caller is expected to abort startup on a non-nil error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.MaxConnects == 0 {
		cfg.MaxConnects = defaultMaxConnects
	}
	if cfg.MaxConnects < 0 {
		return nil, fmt.Errorf("config: max_connects must be positive, got %d", cfg.MaxConnects)
	}
	if len(cfg.KnownNodes) == 0 {
		cfg.KnownNodes = []KnownNode{defaultKnownNode}
	}

	// Validate each known-node address parses cleanly; malformed entries
	// are fatal at startup per spec §7.
	for _, kn := range cfg.KnownNodes {
		if _, err := netaddr.Parse(fmt.Sprintf("%s:%d", kn.IP, kn.Port)); err != nil {
			return nil, fmt.Errorf("config: invalid known_nodes entry %s:%d: %w", kn.IP, kn.Port, err)
		}
	}

	return &cfg, nil
}

// KnownAddrs converts the configured known nodes to netaddr.Addr values.
func (c *Config) KnownAddrs() []netaddr.Addr {
	out := make([]netaddr.Addr, 0, len(c.KnownNodes))
	for _, kn := range c.KnownNodes {
		out = append(out, netaddr.Addr{IP: kn.IP, Port: kn.Port})
	}
	return out
}
