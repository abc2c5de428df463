// Package config provides the viper-backed configuration loader for the
// comms substrate. It mirrors the structure of the node's YAML config files
// and environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"synnergy-comms/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a comms node. Every field maps to
// a recognised configuration key; nested structs group keys by component so the
// YAML file reads the way the components are organised.
type Config struct {
	Node struct {
		ListenAddrs    []string `mapstructure:"listen_addrs" json:"listen_addrs"`
		AllowTestAddrs bool     `mapstructure:"allow_test_addresses" json:"allow_test_addresses"`
		DataDir        string   `mapstructure:"data_dir" json:"data_dir"`
		MetricsAddr    string   `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"node" json:"node"`

	Dial struct {
		ExcludedAddresses         []string `mapstructure:"excluded_dial_addresses" json:"excluded_dial_addresses"`
		ListenerLivenessAllowlist []string `mapstructure:"listener_liveness_allowlist_cidrs" json:"listener_liveness_allowlist_cidrs"`
		SOCKS5ProxyAddr           string   `mapstructure:"socks5_proxy_addr" json:"socks5_proxy_addr"`
		TorSOCKSProxyAddr         string   `mapstructure:"tor_socks_proxy_addr" json:"tor_socks_proxy_addr"`
		ProxyBypassAddresses      []string `mapstructure:"proxy_bypass_addresses" json:"proxy_bypass_addresses"`
	} `mapstructure:"dial" json:"dial"`

	ConnMgr struct {
		MaxSubstreamsPerPeer  int64         `mapstructure:"rpc_max_sessions_per_peer" json:"rpc_max_sessions_per_peer"`
		MaxSubstreamsGlobal   int64         `mapstructure:"rpc_max_simultaneous_sessions" json:"rpc_max_simultaneous_sessions"`
		CullOldestOnFull      bool          `mapstructure:"cull_oldest_peer_rpc_connection_on_full" json:"cull_oldest_peer_rpc_connection_on_full"`
		LivenessCheckInterval time.Duration `mapstructure:"liveness_check_interval" json:"liveness_check_interval"`
		BackoffBase           time.Duration `mapstructure:"backoff_base" json:"backoff_base"`
		BackoffMax            time.Duration `mapstructure:"backoff_max" json:"backoff_max"`
	} `mapstructure:"conn_mgr" json:"conn_mgr"`

	Pipeline struct {
		MaxConcurrentInboundTasks  int           `mapstructure:"max_concurrent_inbound_tasks" json:"max_concurrent_inbound_tasks"`
		MaxConcurrentOutboundTasks int           `mapstructure:"max_concurrent_outbound_tasks" json:"max_concurrent_outbound_tasks"`
		MisbehaviourBanThreshold   int           `mapstructure:"misbehaviour_ban_threshold" json:"misbehaviour_ban_threshold"`
		BanDurationShort           time.Duration `mapstructure:"ban_duration_short" json:"ban_duration_short"`
		BanDuration                time.Duration `mapstructure:"ban_duration" json:"ban_duration"`
	} `mapstructure:"pipeline" json:"pipeline"`

	Connectivity struct {
		NumNeighbouringNodes      int           `mapstructure:"num_neighbouring_nodes" json:"num_neighbouring_nodes"`
		NumRandomNodes            int           `mapstructure:"num_random_nodes" json:"num_random_nodes"`
		RandomPoolRefreshInterval time.Duration `mapstructure:"random_pool_refresh_interval" json:"random_pool_refresh_interval"`
		MinimizeConnections       bool          `mapstructure:"minimize_connections" json:"minimize_connections"`
		MinimumDesiredTCPv4Ratio  float64       `mapstructure:"minimum_desired_tcpv4_ratio" json:"minimum_desired_tcpv4_ratio"`
	} `mapstructure:"connectivity" json:"connectivity"`

	DHT struct {
		NumNeighbouringNodes    int           `mapstructure:"dht_num_neighbouring_nodes" json:"dht_num_neighbouring_nodes"`
		NumRandomNodes          int           `mapstructure:"dht_num_random_nodes" json:"dht_num_random_nodes"`
		BroadcastFactor         int           `mapstructure:"broadcast_factor" json:"broadcast_factor"`
		PropagationFactor       int           `mapstructure:"propagation_factor" json:"propagation_factor"`

		SAFNumNeighbouringNodes int           `mapstructure:"saf_num_neighbouring_nodes" json:"saf_num_neighbouring_nodes"`
		SAFMaxReturnedMessages  int           `mapstructure:"saf_max_returned_messages" json:"saf_max_returned_messages"`
		SAFMaxInflightAge       time.Duration `mapstructure:"max_inflight_request_age" json:"max_inflight_request_age"`
		SAFCapacity             int           `mapstructure:"saf_capacity" json:"saf_capacity"`
		SAFDefaultTTL           time.Duration `mapstructure:"saf_default_ttl" json:"saf_default_ttl"`

		MaxSyncPeers           int           `mapstructure:"max_sync_peers" json:"max_sync_peers"`
		MaxPeersToSyncPerRound int           `mapstructure:"max_peers_to_sync_per_round" json:"max_peers_to_sync_per_round"`
		MinDesiredPeers        int           `mapstructure:"min_desired_peers" json:"min_desired_peers"`
		IdlePeriod             time.Duration `mapstructure:"idle_period" json:"idle_period"`
		AggressivePeriod       time.Duration `mapstructure:"aggressive_period" json:"aggressive_period"`
		OnFailureIdlePeriod    time.Duration `mapstructure:"on_failure_idle_period" json:"on_failure_idle_period"`
		DiscoveryRequestTimeout time.Duration `mapstructure:"discovery_request_timeout" json:"discovery_request_timeout"`

		AutoJoin             bool          `mapstructure:"auto_join" json:"auto_join"`
		JoinCooldownInterval time.Duration `mapstructure:"join_cooldown_interval" json:"join_cooldown_interval"`

		DedupCacheCapacity             int           `mapstructure:"dedup_cache_capacity" json:"dedup_cache_capacity"`
		DedupAllowedMessageOccurrences int           `mapstructure:"dedup_allowed_message_occurrences" json:"dedup_allowed_message_occurrences"`
		DedupCacheTrimInterval         time.Duration `mapstructure:"dedup_cache_trim_interval" json:"dedup_cache_trim_interval"`

		FloodRatePerSecond        float64 `mapstructure:"flood_rate_per_second" json:"flood_rate_per_second"`
		FloodBurst                int     `mapstructure:"flood_burst" json:"flood_burst"`
		SAFRetrievalRatePerSecond float64 `mapstructure:"saf_retrieval_rate_per_second" json:"saf_retrieval_rate_per_second"`
		SAFRetrievalBurst         int     `mapstructure:"saf_retrieval_burst" json:"saf_retrieval_burst"`
	} `mapstructure:"dht" json:"dht"`

	RPC struct {
		MaxSessionsPerPeer      int           `mapstructure:"rpc_client_max_sessions_per_peer" json:"rpc_client_max_sessions_per_peer"`
		MaxSimultaneousSessions int           `mapstructure:"rpc_client_max_simultaneous_sessions" json:"rpc_client_max_simultaneous_sessions"`
		RequestTimeout          time.Duration `mapstructure:"rpc_request_timeout" json:"rpc_request_timeout"`
	} `mapstructure:"rpc" json:"rpc"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/commsd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env via godotenv in cmd/commsd

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the COMMS_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("COMMS_ENV", ""))
}

// setDefaults seeds viper with conservative defaults (e.g. the misbehaviour
// ban threshold), so a node with no config file at all still boots with
// sane limits.
func setDefaults() {
	viper.SetDefault("node.allow_test_addresses", false)
	viper.SetDefault("node.metrics_addr", "")
	viper.SetDefault("conn_mgr.rpc_max_sessions_per_peer", 32)
	viper.SetDefault("conn_mgr.rpc_max_simultaneous_sessions", 2048)
	viper.SetDefault("conn_mgr.cull_oldest_peer_rpc_connection_on_full", true)
	viper.SetDefault("conn_mgr.backoff_base", "500ms")
	viper.SetDefault("conn_mgr.backoff_max", "2m")
	viper.SetDefault("pipeline.max_concurrent_inbound_tasks", 256)
	viper.SetDefault("pipeline.max_concurrent_outbound_tasks", 256)
	viper.SetDefault("pipeline.misbehaviour_ban_threshold", 3)
	viper.SetDefault("pipeline.ban_duration_short", "10m")
	viper.SetDefault("pipeline.ban_duration", "6h")
	viper.SetDefault("connectivity.num_neighbouring_nodes", 8)
	viper.SetDefault("connectivity.num_random_nodes", 4)
	viper.SetDefault("connectivity.random_pool_refresh_interval", "2m")
	viper.SetDefault("connectivity.minimum_desired_tcpv4_ratio", 0.2)
	viper.SetDefault("dht.dht_num_neighbouring_nodes", 8)
	viper.SetDefault("dht.dht_num_random_nodes", 4)
	viper.SetDefault("dht.broadcast_factor", 6)
	viper.SetDefault("dht.propagation_factor", 4)
	viper.SetDefault("dht.saf_num_neighbouring_nodes", 3)
	viper.SetDefault("dht.saf_max_returned_messages", 32)
	viper.SetDefault("dht.max_inflight_request_age", "10m")
	viper.SetDefault("dht.saf_capacity", 4096)
	viper.SetDefault("dht.saf_default_ttl", "24h")
	viper.SetDefault("dht.max_sync_peers", 3)
	viper.SetDefault("dht.max_peers_to_sync_per_round", 16)
	viper.SetDefault("dht.min_desired_peers", 32)
	viper.SetDefault("dht.idle_period", "1m")
	viper.SetDefault("dht.discovery_request_timeout", 15*time.Second)
	viper.SetDefault("dht.auto_join", true)
	viper.SetDefault("dht.join_cooldown_interval", "5m")
	viper.SetDefault("dht.dedup_cache_capacity", 8192)
	viper.SetDefault("dht.dedup_allowed_message_occurrences", 1)
	viper.SetDefault("dht.dedup_cache_trim_interval", "1m")
	viper.SetDefault("dht.flood_rate_per_second", 5)
	viper.SetDefault("dht.flood_burst", 10)
	viper.SetDefault("dht.saf_retrieval_rate_per_second", 1)
	viper.SetDefault("dht.saf_retrieval_burst", 4)
	viper.SetDefault("rpc.rpc_client_max_sessions_per_peer", 8)
	viper.SetDefault("rpc.rpc_client_max_simultaneous_sessions", 512)
	viper.SetDefault("rpc.rpc_request_timeout", "15s")
	viper.SetDefault("logging.level", "info")
}
