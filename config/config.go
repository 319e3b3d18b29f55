// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and FERN_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/redis"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/reliability"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

const EnvPrefix = "FERN"

type Config struct {
	AppName            string `mapstructure:"app_name"`
	Port               int    `mapstructure:"port"`
	LogLevel           string `mapstructure:"log_level"`
	PrettyLogs         bool   `mapstructure:"pretty_logs"`
	StartupMaxAttempts int    `mapstructure:"startup_max_attempts"`

	HTTP HTTPConfig `mapstructure:"http"`
	Auth AuthConfig `mapstructure:"auth"`

	// YAML and TOML inputs that are not part of this file
	ThresholdsFile string `mapstructure:"thresholds_file"`
	ProfilesFile   string `mapstructure:"profiles_file"`
	ModelDir       string `mapstructure:"model_dir"`

	Database  database.Config          `mapstructure:"database"`
	Migration database.MigrationConfig `mapstructure:"migration"`
	Redis     redis.Config             `mapstructure:"redis"`
	Locks     locks.RedisConfig        `mapstructure:"locks"`
	Cache     CacheConfig              `mapstructure:"cache"`
	Graph     graph.Config             `mapstructure:"graph"`
	Tracing   tracing.Config           `mapstructure:"tracing"`
	Kafka     KafkaConfig              `mapstructure:"kafka"`

	Pipeline    pipeline.Config              `mapstructure:"pipeline"`
	Workers     pipeline.WorkerConfig        `mapstructure:"workers"`
	Ingest      ingest.Config                `mapstructure:"ingest"`
	Keys        keys.Config                  `mapstructure:"keys"`
	Tier1       matching.DeterministicConfig `mapstructure:"tier1"`
	Resolution  resolution.Config            `mapstructure:"resolution"`
	Escalation  escalation.Config            `mapstructure:"escalation"`
	Reasoner    ReasonerConfig               `mapstructure:"reasoner"`
	Merging     merging.Config               `mapstructure:"merging"`
	Review      review.Config                `mapstructure:"review"`
	Audit       audit.Config                 `mapstructure:"audit"`
	Gates       gates.Config                 `mapstructure:"gates"`
	Tune        thresholds.TuneOptions       `mapstructure:"tune"`
	Reliability reliability.Config           `mapstructure:"reliability"`
}

type HTTPConfig struct {
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	AllowOrigins      []string      `mapstructure:"allow_origins"`
	AllowMethods      []string      `mapstructure:"allow_methods"`
	// Deadline for POST /entities/:id/analysis
	AnalysisTimeout time.Duration `mapstructure:"analysis_timeout"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
}

type KafkaConfig struct {
	ConsumerEnabled bool                 `mapstructure:"consumer_enabled"`
	ProducerEnabled bool                 `mapstructure:"producer_enabled"`
	Consumer        kafka.ConsumerConfig `mapstructure:"consumer"`
	Producer        kafka.ProducerConfig `mapstructure:"producer"`
}

// CacheConfig sizes the Tier 3 judgment cache. The in-process layer sits in
// front of Redis when Redis is enabled.
type CacheConfig struct {
	LocalTTL        time.Duration `mapstructure:"local_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
}

// ReasonerConfig holds the credentials for the Tier 3 provider named in
// escalation.model.provider.
type ReasonerConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

func DefaultConfig() Config {
	return Config{
		AppName:            "fern",
		Port:               3010,
		LogLevel:           "info",
		StartupMaxAttempts: 5,
		HTTP: HTTPConfig{
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    64000,
			AllowOrigins:      []string{"*"},
			AllowMethods:      []string{"GET", "POST", "PUT", "DELETE"},
			AnalysisTimeout:   30 * time.Second,
		},
		ThresholdsFile: "config/thresholds.yaml",
		ProfilesFile:   "config/profiles.yaml",
		ModelDir:       "config/models",
		Database: database.Config{
			Host:            "localhost",
			Port:            5432,
			User:            "fern",
			Name:            "fern",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Migration: database.MigrationConfig{FolderPath: "db/pg", AutoRollback: true},
		Redis:     redis.DefaultConfig(),
		Locks:     locks.DefaultRedisConfig(),
		Cache: CacheConfig{
			LocalTTL:        time.Hour,
			CleanupInterval: 10 * time.Minute,
			RedisPrefix:     "fern:judgment:",
		},
		Graph:   graph.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
		Kafka: KafkaConfig{
			ConsumerEnabled: true,
			ProducerEnabled: true,
			Consumer: kafka.ConsumerConfig{
				Brokers:       []string{"localhost:9092"},
				Topic:         "raw-records",
				ConsumerGroup: "fern-resolver",
			},
			Producer: kafka.ProducerConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "entity-events",
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				RequiredAcks: 1,
				Compression:  "snappy",
			},
		},
		Pipeline:    pipeline.DefaultConfig(),
		Workers:     pipeline.DefaultWorkerConfig(),
		Ingest:      ingest.DefaultConfig(),
		Keys:        keys.DefaultConfig(),
		Tier1:       matching.DefaultDeterministicConfig(),
		Resolution:  resolution.DefaultConfig(),
		Escalation:  escalation.DefaultConfig(),
		Merging:     merging.DefaultConfig(),
		Review:      review.DefaultConfig(),
		Audit:       audit.DefaultConfig(),
		Gates:       gates.DefaultConfig(),
		Tune:        thresholds.DefaultTuneOptions(),
		Reliability: reliability.DefaultConfig(),
	}
}

// Validate rejects settings the service cannot start with
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Auth.Enabled && (c.Auth.IssuerURL == "" || c.Auth.ClientID == "") {
		errs = append(errs, errors.New("auth.issuer_url and auth.client_id are required when auth is enabled"))
	}
	if c.Audit.Rate < 0 || c.Audit.Rate > 1 {
		errs = append(errs, fmt.Errorf("audit.rate %v must be within [0, 1]", c.Audit.Rate))
	}
	if c.Escalation.AmbiguousLow > c.Escalation.AmbiguousHigh {
		errs = append(errs, fmt.Errorf("escalation.ambiguous_low %v exceeds ambiguous_high %v",
			c.Escalation.AmbiguousLow, c.Escalation.AmbiguousHigh))
	}
	if c.Escalation.Enabled && c.Reasoner.APIKey == "" {
		errs = append(errs, errors.New("reasoner.api_key is required when escalation is enabled"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count %d must be at least 1", c.Workers.Count))
	}
	return errors.Join(errs...)
}

// Load reads configuration. path names a YAML file; when empty, fern.yaml is
// looked up in the working directory and ./config, and a missing file is
// not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fern")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// bindEnvs registers every leaf key so AutomaticEnv can see variables for
// keys that appear in neither the defaults nor the file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}
