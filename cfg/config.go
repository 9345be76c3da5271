package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// QueueType selects the transport the notification loop receives from
type QueueType string

const (
	QueueSQLite QueueType = "sqlite" // Store-side queue table (default)
	QueueNATS   QueueType = "nats"   // JetStream pull consumer
	QueueKafka  QueueType = "kafka"  // Kafka consumer group
	QueueMemory QueueType = "memory" // In-process, for embedding and tests; rejected by Validate
)

// StoreConfiguration for the watched SQLite database
type StoreConfiguration struct {
	Path                 string `toml:"path"`
	BusyTimeoutMS        int    `toml:"busy_timeout_ms"`
	ExpiryIntervalMS     int    `toml:"expiry_interval_ms"`      // How often timed-out registrations are swept
	QueryCacheSize       int    `toml:"query_cache_size"`        // Parsed query cache entries
	QueuePollIntervalMS  int    `toml:"queue_poll_interval_ms"`  // SQLite queue receive poll interval
	QueueReceiveBatchMax int    `toml:"queue_receive_batch_max"` // Max messages per receive
}

// WatchConfiguration describes the single watched query
type WatchConfiguration struct {
	Query               string `toml:"query"`
	Label               string `toml:"label"`                 // RowSet label (table/schema name shown to consumers)
	Service             string `toml:"service"`               // Notification service name
	Queue               string `toml:"queue"`                 // Queue the invalidations are delivered to
	Database            string `toml:"database"`              // Logical database name carried in the registration options
	TimeoutSeconds      int    `toml:"timeout_seconds"`       // Store-side registration timeout
	GraceMarginSeconds  int    `toml:"grace_margin_seconds"`  // Added to the receive timeout
	Register            bool   `toml:"register"`              // Keep re-registering after every change
	Once                bool   `toml:"once"`                  // Fetch once without registering, then exit
	StartOnBoot         bool   `toml:"start_on_boot"`         // Start the loop when the process starts
	StopTimeoutSeconds  int    `toml:"stop_timeout_seconds"`  // Forced close deadline after a second signal
	DispatchQueueLength int    `toml:"dispatch_queue_length"` // Consumer context task buffer
}

// NATSConfiguration for the JetStream queue client and relay sink
type NATSConfiguration struct {
	URL           string `toml:"url"`
	Stream        string `toml:"stream"`
	SubjectPrefix string `toml:"subject_prefix"`
	Durable       string `toml:"durable"`
}

// KafkaConfiguration for the Kafka queue client and relay sink
type KafkaConfiguration struct {
	Brokers       []string `toml:"brokers"`
	TopicPrefix   string   `toml:"topic_prefix"`
	GroupID       string   `toml:"group_id"` // Defaults to sqlwatch-<instance id>
	BatchLingerMS int      `toml:"batch_linger_ms"`
}

// QueueConfiguration selects and configures the queue client
type QueueConfiguration struct {
	Type  QueueType          `toml:"type"`
	NATS  NATSConfiguration  `toml:"nats"`
	Kafka KafkaConfiguration `toml:"kafka"`
}

// SinkConfiguration configures one relay destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats" or "kafka"
	FilterQueues    []string `toml:"filter_queues"`
	TopicPrefix     string   `toml:"topic_prefix"`
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// RelayConfiguration controls forwarding of store invalidations to brokers
type RelayConfiguration struct {
	Enabled        bool                `toml:"enabled"`
	DrainBatchSize int                 `toml:"drain_batch_size"`
	DrainWaitMS    int                 `toml:"drain_wait_ms"`
	Compression    int                 `toml:"compression"` // zstd level for log values, 0 stores raw
	Sinks          []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the HTTP control surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key; empty disables auth
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
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Watch      WatchConfiguration      `toml:"watch"`
	Queue      QueueConfiguration      `toml:"queue"`
	Relay      RelayConfiguration      `toml:"relay"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "sqlwatch.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	StorePathFlag  = flag.String("db", "", "SQLite database to watch (overrides config)")
	QueryFlag      = flag.String("query", "", "Watched query (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	NoRegisterFlag = flag.Bool("once", false, "Fetch once without registering for notifications")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./sqlwatch-data",

	Store: StoreConfiguration{
		Path:                 "./sqlwatch-data/watched.db",
		BusyTimeoutMS:        5000,
		ExpiryIntervalMS:     1000,
		QueryCacheSize:       256,
		QueuePollIntervalMS:  50,
		QueueReceiveBatchMax: 100,
	},

	Watch: WatchConfiguration{
		Label:               "rows",
		Service:             "SqlWatchChangeNotifications",
		Queue:               "SqlWatchChangeMessages",
		Database:            "main",
		TimeoutSeconds:      30,  // Registration timeout, as the store sees it
		GraceMarginSeconds:  120, // Queue wait always outlives the registration
		Register:            true,
		StartOnBoot:         true,
		StopTimeoutSeconds:  5,
		DispatchQueueLength: 64,
	},

	Queue: QueueConfiguration{
		Type: QueueSQLite,
		NATS: NATSConfiguration{
			URL:           "nats://127.0.0.1:4222",
			Stream:        "SQLWATCH",
			SubjectPrefix: "sqlwatch",
			Durable:       "sqlwatch",
		},
		Kafka: KafkaConfiguration{
			Brokers:       []string{"127.0.0.1:9092"},
			TopicPrefix:   "sqlwatch",
			BatchLingerMS: 50,
		},
	},

	Relay: RelayConfiguration{
		Enabled:        false,
		DrainBatchSize: 100,
		DrainWaitMS:    1000,
		Compression:    1,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8090,
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

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *StorePathFlag != "" {
		Config.Store.Path = *StorePathFlag
	}
	if *QueryFlag != "" {
		Config.Watch.Query = *QueryFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *NoRegisterFlag {
		Config.Watch.Once = true
	}
	if Config.Watch.Once {
		Config.Watch.Register = false
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.Queue.Kafka.GroupID == "" {
		Config.Queue.Kafka.GroupID = fmt.Sprintf("sqlwatch-%d", Config.InstanceID)
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("sqlwatch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if Config.Watch.Query == "" {
		return fmt.Errorf("watch query is required")
	}

	if Config.Watch.Queue == "" {
		return fmt.Errorf("watch queue is required")
	}

	if Config.Watch.TimeoutSeconds < 1 {
		return fmt.Errorf("watch timeout must be >= 1 second")
	}

	if Config.Watch.GraceMarginSeconds < 1 {
		return fmt.Errorf("watch grace margin must be >= 1 second")
	}

	if Config.Watch.DispatchQueueLength < 1 {
		return fmt.Errorf("dispatch queue length must be >= 1")
	}

	if Config.Store.ExpiryIntervalMS < 1 {
		return fmt.Errorf("store expiry interval must be >= 1ms")
	}

	if Config.Store.QueuePollIntervalMS < 1 {
		return fmt.Errorf("store queue poll interval must be >= 1ms")
	}

	if Config.Store.QueueReceiveBatchMax < 1 {
		return fmt.Errorf("store queue receive batch must be >= 1")
	}

	switch Config.Queue.Type {
	case QueueSQLite:
	case QueueMemory:
		return fmt.Errorf("memory queue is in-process only; embedders pass queue.Memory to the loop directly")
	case QueueNATS:
		if Config.Queue.NATS.URL == "" {
			return fmt.Errorf("nats queue requires a url")
		}
		if Config.Queue.NATS.Stream == "" {
			return fmt.Errorf("nats queue requires a stream name")
		}
	case QueueKafka:
		if len(Config.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka queue requires at least one broker")
		}
	default:
		return fmt.Errorf("invalid queue type: %s", Config.Queue.Type)
	}

	if Config.Relay.Enabled {
		if Config.Relay.Compression < 0 || Config.Relay.Compression > 4 {
			return fmt.Errorf("relay compression must be 0-4, got %d", Config.Relay.Compression)
		}
		if Config.Queue.Type == QueueSQLite {
			return fmt.Errorf("relay drains the sqlite queue and cannot share it with a sqlite queue client")
		}
		seen := make(map[string]bool)
		for _, sink := range Config.Relay.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("relay sink name is required")
			}
			if seen[sink.Name] {
				return fmt.Errorf("duplicate relay sink name: %s", sink.Name)
			}
			seen[sink.Name] = true
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetRelayLogPath returns the directory of the relay's pebble log
func GetRelayLogPath() string {
	return filepath.Join(Config.DataDir, "relay_log")
}
