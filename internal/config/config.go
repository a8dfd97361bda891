package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PULSE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultLogLevel           = "info"
	defaultAuthIssuer         = "pulse-auth"
	defaultCookieName         = "app_session"
	defaultTokenTTL           = 30 * time.Minute
	defaultAuthLeeway         = 5 * time.Second
	defaultStoreDriver        = DriverMemory
	defaultSQLitePath         = "pulse.db"
	defaultPebbleDir          = "pulse-data"
	defaultRedisPrefix        = "pulse"
	defaultRetryAttempts      = 3
	defaultRetryBaseDelay     = 10 * time.Millisecond
	defaultJanitorInterval    = time.Minute
	defaultDispatchWorkers    = 4
	defaultDispatchQueueSize  = 1024
	defaultDispatchTimeout    = 2 * time.Second
	defaultHeartbeatInterval  = 30 * time.Second
	defaultClientRate         = 10.0
	defaultClientBurst        = 20
	defaultConnectionBuffer   = 64
	defaultKafkaGroupID       = "pulse-ingest"
	defaultShutdownTimeout    = 10 * time.Second
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverRedis  = "redis"
)

var supportedDrivers = []string{DriverMemory, DriverSQLite, DriverPebble, DriverRedis}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	ShutdownTimeout time.Duration

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration
	AuthLeeway        time.Duration

	StoreDriver          string
	StoreSQLitePath      string
	StorePebbleDir       string
	StorePebbleSync      bool
	StoreRedisURL        string
	StoreRedisPrefix     string
	StoreRetryAttempts   int
	StoreRetryBaseDelay  time.Duration
	StoreJanitorInterval time.Duration

	DispatchWorkers     int
	DispatchQueueSize   int
	DispatchSendTimeout time.Duration

	TransportHeartbeatInterval time.Duration
	TransportClientRate        float64
	TransportClientBurst       int
	TransportBuffer            int
	TransportAllowedOrigins    []string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

// KafkaEnabled reports whether the Kafka ingest consumer should run.
func (c AppConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.leeway", defaultAuthLeeway)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("store.pebble_dir", defaultPebbleDir)
	configViper.SetDefault("store.pebble_sync", false)
	configViper.SetDefault("store.redis_prefix", defaultRedisPrefix)
	configViper.SetDefault("store.retry.attempts", defaultRetryAttempts)
	configViper.SetDefault("store.retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("store.janitor_interval", defaultJanitorInterval)
	configViper.SetDefault("dispatch.workers", defaultDispatchWorkers)
	configViper.SetDefault("dispatch.queue_size", defaultDispatchQueueSize)
	configViper.SetDefault("dispatch.send_timeout", defaultDispatchTimeout)
	configViper.SetDefault("transport.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("transport.client_rate", defaultClientRate)
	configViper.SetDefault("transport.client_burst", defaultClientBurst)
	configViper.SetDefault("transport.buffer", defaultConnectionBuffer)
	configViper.SetDefault("ingest.kafka.group_id", defaultKafkaGroupID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		AuthLeeway:        configViper.GetDuration("auth.leeway"),

		StoreDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StoreSQLitePath:      configViper.GetString("store.sqlite_path"),
		StorePebbleDir:       configViper.GetString("store.pebble_dir"),
		StorePebbleSync:      configViper.GetBool("store.pebble_sync"),
		StoreRedisURL:        configViper.GetString("store.redis_url"),
		StoreRedisPrefix:     configViper.GetString("store.redis_prefix"),
		StoreRetryAttempts:   configViper.GetInt("store.retry.attempts"),
		StoreRetryBaseDelay:  configViper.GetDuration("store.retry.base_delay"),
		StoreJanitorInterval: configViper.GetDuration("store.janitor_interval"),

		DispatchWorkers:     configViper.GetInt("dispatch.workers"),
		DispatchQueueSize:   configViper.GetInt("dispatch.queue_size"),
		DispatchSendTimeout: configViper.GetDuration("dispatch.send_timeout"),

		TransportHeartbeatInterval: configViper.GetDuration("transport.heartbeat_interval"),
		TransportClientRate:        configViper.GetFloat64("transport.client_rate"),
		TransportClientBurst:       configViper.GetInt("transport.client_burst"),
		TransportBuffer:            configViper.GetInt("transport.buffer"),
		TransportAllowedOrigins:    splitList(configViper.GetStringSlice("transport.allowed_origins")),

		KafkaBrokers: splitList(configViper.GetStringSlice("ingest.kafka.brokers")),
		KafkaTopic:   configViper.GetString("ingest.kafka.topic"),
		KafkaGroupID: configViper.GetString("ingest.kafka.group_id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if !slices.Contains(supportedDrivers, c.StoreDriver) {
		return fmt.Errorf("store.driver must be one of %s", strings.Join(supportedDrivers, ", "))
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.StoreSQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPebble:
		if strings.TrimSpace(c.StorePebbleDir) == "" {
			return fmt.Errorf("store.pebble_dir is required for the pebble driver")
		}
	case DriverRedis:
		if strings.TrimSpace(c.StoreRedisURL) == "" {
			return fmt.Errorf("store.redis_url is required for the redis driver")
		}
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("ingest.kafka.topic is required when brokers are set")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
