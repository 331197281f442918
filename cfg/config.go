package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TransportType selects the broadcast transport for remote fanout
type TransportType string

const (
	TransportNATS   TransportType = "nats"   // Core NATS, one subject per shard
	TransportKafka  TransportType = "kafka"  // Kafka, one partition per shard
	TransportMemory TransportType = "memory" // In-process hub, single node
)

// BroadcastConfiguration controls remote fanout behavior
type BroadcastConfiguration struct {
	Transport     TransportType `toml:"transport"`
	PoolSize      int           `toml:"pool_size"`      // Number of broadcast shards, fixed before first publish
	ChannelPrefix string        `toml:"channel_prefix"` // Subject/topic prefix for shard channels
	NATSURLs      []string      `toml:"nats_urls"`
	KafkaBrokers  []string      `toml:"kafka_brokers"`
	KafkaTopic    string        `toml:"kafka_topic"`
}

// JournalConfiguration controls the durable broadcast outbox
type JournalConfiguration struct {
	Enabled        bool   `toml:"enabled"`
	Path           string `toml:"path"` // Relative paths resolve under data_dir
	BatchSize      int    `toml:"batch_size"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	RetryInitialMS int    `toml:"retry_initial_ms"`
	RetryMaxMS     int    `toml:"retry_max_ms"`
	MaxRetries     int    `toml:"max_retries"`
}

// CacheConfiguration sizes the in-memory caches
type CacheConfiguration struct {
	PlanCacheSize   int `toml:"plan_cache_size"`   // Decoded resolution plans
	DedupWindowSize int `toml:"dedup_window_size"` // Recently received envelope ids
}

// FilterConfiguration restricts which fields and topics are delivered.
// Empty lists allow everything.
type FilterConfiguration struct {
	AllowedFields []string `toml:"allowed_fields"` // Glob patterns on subscription field names
	AllowedTopics []string `toml:"allowed_topics"` // Glob patterns on derived topics
}

// ClusterConfiguration controls the passive peer view
type ClusterConfiguration struct {
	PeerTimeoutSeconds int `toml:"peer_timeout_seconds"` // Silence before a peer is dropped from the view
	SweepIntervalMS    int `toml:"sweep_interval_ms"`
}

// AdminConfiguration for the introspection HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthSecret  string `toml:"auth_secret"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Broadcast  BroadcastConfiguration  `toml:"broadcast"`
	Journal    JournalConfiguration    `toml:"journal"`
	Cache      CacheConfiguration      `toml:"cache"`
	Filter     FilterConfiguration     `toml:"filter"`
	Cluster    ClusterConfiguration    `toml:"cluster"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PoolSizeFlag   = flag.Int("pool-size", 0, "Broadcast shard count (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./fanout-data",

	Broadcast: BroadcastConfiguration{
		Transport:     TransportMemory,
		PoolSize:      16,
		ChannelPrefix: "fanout.shard",
		NATSURLs:      []string{"nats://127.0.0.1:4222"},
		KafkaBrokers:  []string{"127.0.0.1:9092"},
		KafkaTopic:    "fanout-broadcast",
	},

	Journal: JournalConfiguration{
		Enabled:        false,
		Path:           "journal",
		BatchSize:      100,
		PollIntervalMS: 100,
		RetryInitialMS: 100,
		RetryMaxMS:     30000,
		MaxRetries:     100,
	},

	Cache: CacheConfiguration{
		PlanCacheSize:   1024,
		DedupWindowSize: 8192,
	},

	Filter: FilterConfiguration{
		AllowedFields: []string{},
		AllowedTopics: []string{},
	},

	Cluster: ClusterConfiguration{
		PeerTimeoutSeconds: 60,
		SweepIntervalMS:    5000,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
		AuthSecret:  "",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PoolSizeFlag != 0 {
		Config.Broadcast.PoolSize = *PoolSizeFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("fanout")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Broadcast.PoolSize < 1 {
		return fmt.Errorf("broadcast pool size must be >= 1")
	}

	if Config.Broadcast.ChannelPrefix == "" {
		return fmt.Errorf("broadcast channel prefix must not be empty")
	}

	switch Config.Broadcast.Transport {
	case TransportNATS:
		if len(Config.Broadcast.NATSURLs) == 0 {
			return fmt.Errorf("nats transport requires at least one url")
		}
	case TransportKafka:
		if len(Config.Broadcast.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka transport requires at least one broker")
		}
		if Config.Broadcast.KafkaTopic == "" {
			return fmt.Errorf("kafka transport requires a topic")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown broadcast transport: %s", Config.Broadcast.Transport)
	}

	if Config.Journal.Enabled {
		if Config.Journal.BatchSize < 1 {
			return fmt.Errorf("journal batch size must be >= 1")
		}
		if Config.Journal.PollIntervalMS < 1 {
			return fmt.Errorf("journal poll interval must be >= 1ms")
		}
		if Config.Journal.RetryInitialMS < 1 {
			return fmt.Errorf("journal initial retry must be >= 1ms")
		}
		if Config.Journal.RetryMaxMS < Config.Journal.RetryInitialMS {
			return fmt.Errorf("journal max retry must be >= initial retry")
		}
		if Config.Journal.MaxRetries < 0 {
			return fmt.Errorf("journal max retries must be >= 0")
		}
	}

	if Config.Cache.PlanCacheSize < 1 {
		return fmt.Errorf("plan cache size must be >= 1")
	}

	if Config.Cache.DedupWindowSize < 1 {
		return fmt.Errorf("dedup window size must be >= 1")
	}

	if Config.Cluster.PeerTimeoutSeconds < 1 {
		return fmt.Errorf("peer timeout must be >= 1 second")
	}

	if Config.Cluster.SweepIntervalMS < 1 {
		return fmt.Errorf("peer sweep interval must be >= 1ms")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthSecret != ""
}

// GetAdminSecret returns the shared admin secret
func GetAdminSecret() string {
	return Config.Admin.AuthSecret
}

// JournalPath returns the absolute journal directory, resolving relative
// paths under the data directory.
func JournalPath() string {
	if path.IsAbs(Config.Journal.Path) {
		return Config.Journal.Path
	}
	return path.Join(Config.DataDir, Config.Journal.Path)
}
