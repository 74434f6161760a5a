// Package config reads the nested p2p.* and node.* configuration keys
// (SPEC_FULL.md §6.1) from viper, the way peering.* keys are read in the
// reference node configuration this package is modelled on.
package config

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/warpnet/p2p/p2p"
)

func init() {
	viper.SetDefault("p2p.listen_host", "0.0.0.0")
	viper.SetDefault("p2p.listen_port", 30303)
	viper.SetDefault("p2p.min_peers", 5)
	viper.SetDefault("p2p.max_peers", 10)
	viper.SetDefault("p2p.bootstrap_nodes", []string{})
	viper.SetDefault("p2p.loop_delay", "1s")
	viper.SetDefault("p2p.connect_timeout", "500ms")
	viper.SetDefault("p2p.result_window", "2s")

	viper.SetEnvPrefix("P2P")
	viper.AutomaticEnv()
}

// Config is the resolved, validated view over p2p.* and node.* (§6.1).
// node.id is never read from configuration: it is always derived from
// node.privkey (§9, second open question — resolved in favor of a single
// canonical key, node.privkey, with node.id always computed).
type Config struct {
	ListenHost string
	ListenPort uint16

	MinPeers int
	MaxPeers int

	BootstrapNodes []string

	LoopDelay      time.Duration
	ConnectTimeout time.Duration
	ResultWindow   time.Duration

	PrivateKey *p2p.PrivateKey
}

// Load resolves a Config from whatever viper has bound (flags > env
// P2P_* > config file > defaults, viper's own precedence order).
func Load() (*Config, error) {
	c := &Config{
		ListenHost:     viper.GetString("p2p.listen_host"),
		ListenPort:     uint16(viper.GetInt("p2p.listen_port")),
		MinPeers:       viper.GetInt("p2p.min_peers"),
		MaxPeers:       viper.GetInt("p2p.max_peers"),
		BootstrapNodes: viper.GetStringSlice("p2p.bootstrap_nodes"),
		LoopDelay:      viper.GetDuration("p2p.loop_delay"),
		ConnectTimeout: viper.GetDuration("p2p.connect_timeout"),
		ResultWindow:   viper.GetDuration("p2p.result_window"),
	}

	if c.MinPeers > c.MaxPeers {
		return nil, errors.Errorf("config: p2p.min_peers (%d) exceeds p2p.max_peers (%d)", c.MinPeers, c.MaxPeers)
	}

	key, err := loadPrivateKey()
	if err != nil {
		return nil, err
	}
	c.PrivateKey = key
	return c, nil
}

// loadPrivateKey reads node.privkey (raw 32 bytes, hex-encoded in
// configuration) if present, else generates a fresh one (§6.1: "if
// absent, derive nothing; an implementation may generate one").
func loadPrivateKey() (*p2p.PrivateKey, error) {
	raw := viper.GetString("node.privkey")
	if raw == "" {
		return p2p.GeneratePrivateKey()
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "config: node.privkey is not valid hex")
	}
	return p2p.PrivateKeyFromBytes(b)
}
