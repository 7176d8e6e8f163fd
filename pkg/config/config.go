// Package config provides a reusable loader for driftwood's node
// configuration file and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.2.0
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"driftwood/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config is the unified configuration for a driftwood node, loaded from a
// YAML file under the node home directory plus environment overrides
// (spec.md §6 "Environment"). It mirrors pkg/config/config.go's original
// Network/Storage/Logging shape, with the blockchain-specific Consensus
// and VM sections replaced by the gossip/replication and control-socket
// sections this daemon actually needs.
type Config struct {
	Home string `mapstructure:"home" json:"home"`

	Network struct {
		ListenAddrs    []string `mapstructure:"listen_addrs" json:"listen_addrs"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		EnableNAT      bool     `mapstructure:"enable_nat" json:"enable_nat"`
	} `mapstructure:"network" json:"network"`

	Gossip struct {
		PoWDifficulty uint8 `mapstructure:"pow_difficulty" json:"pow_difficulty"`
	} `mapstructure:"gossip" json:"gossip"`

	Replication struct {
		WorkerPoolSize       int `mapstructure:"worker_pool_size" json:"worker_pool_size"`
		MaxInflightFetch     int `mapstructure:"max_inflight_fetch" json:"max_inflight_fetch"`
		MaxPendingTasks      int `mapstructure:"max_pending_tasks" json:"max_pending_tasks"`
		ReplicationFactorMin int `mapstructure:"replication_factor_min" json:"replication_factor_min"`
		ReplicationFactorMax int `mapstructure:"replication_factor_max" json:"replication_factor_max"`
	} `mapstructure:"replication" json:"replication"`

	Storage struct {
		JournalMode string `mapstructure:"journal_mode" json:"journal_mode"`
		Prune       bool   `mapstructure:"prune" json:"prune"`
		GCInterval  string `mapstructure:"gc_interval" json:"gc_interval"`
	} `mapstructure:"storage" json:"storage"`

	Control struct {
		SocketPath string `mapstructure:"socket_path" json:"socket_path"`
	} `mapstructure:"control" json:"control"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("network.max_peers", 128)
	viper.SetDefault("gossip.pow_difficulty", 8)
	viper.SetDefault("replication.worker_pool_size", 8)
	viper.SetDefault("replication.max_inflight_fetch", 32)
	viper.SetDefault("replication.max_pending_tasks", 1024)
	viper.SetDefault("replication.replication_factor_min", 1)
	viper.SetDefault("replication.replication_factor_max", 3)
	viper.SetDefault("storage.journal_mode", "WAL")
	viper.SetDefault("storage.gc_interval", "1h")
	viper.SetDefault("control.socket_path", "node/control.sock")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", "127.0.0.1:9090")
	viper.SetDefault("logging.level", "info")
}

// Load reads the node's config file and merges any environment-specific
// overrides plus a local .env file, storing the result in AppConfig.
//
// home is the node's home directory (spec.md §6 "Node home"); the config
// file is expected at <home>/config.yaml or <home>/config.<env>.yaml when
// env is non-empty.
func Load(home, env string) (*Config, error) {
	_ = godotenv.Load() // optional local .env for development; absent is fine

	setDefaults()
	viper.SetConfigName("config")
	viper.AddConfigPath(home)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("DRIFTWOOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	AppConfig.Home = home
	return &AppConfig, nil
}

// LoadFromEnv loads configuration for home using the DRIFTWOOD_ENV
// environment variable to select an overlay (spec.md §6's RUST_LOG-style
// environment-driven configuration).
func LoadFromEnv(home string) (*Config, error) {
	return Load(home, utils.EnvOrDefault("DRIFTWOOD_ENV", ""))
}
