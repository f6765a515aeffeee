package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/sender/kafka"
	natssender "github.com/wkalt/tapecache/sender/nats"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/log"
)

/*
Package config reads the configuration of the tapecache service. The
configuration is a YAML file laid over the defaults, then overridden by
TAPECACHE_* environment variables, so that credentials need not be written to
disk.
*/

////////////////////////////////////////////////////////////////////////////////

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TAPECACHE_"

// Sender kinds.
const (
	SenderMemory = "memory"
	SenderKafka  = "kafka"
	SenderNATS   = "nats"
	SenderObject = "object"
)

// Config is the service configuration.
type Config struct {
	// DataDir holds the queue files of every cache.
	DataDir string `yaml:"data_dir"`

	Log       LogConfig               `yaml:"log"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Cache     cache.Config            `yaml:"cache"`
	Submitter submitter.Configuration `yaml:"submitter"`
	Sender    SenderConfig            `yaml:"sender"`
	Plugins   PluginsConfig           `yaml:"plugins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the HTTP listener serving metrics and status.
// An empty address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// SenderConfig selects and configures the upload target.
type SenderConfig struct {
	Kind   string            `yaml:"kind"`
	Kafka  kafka.Config      `yaml:"kafka"`
	NATS   natssender.Config `yaml:"nats"`
	Object ObjectConfig      `yaml:"object"`
}

// ObjectConfig configures an object store target. Either Dir or Bucket must
// be set.
type ObjectConfig struct {
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	TLS       bool   `yaml:"tls"`
}

// PluginsConfig configures the data sources.
type PluginsConfig struct {
	// AcceptableIDs restricts the sources plugins connect to.
	AcceptableIDs []string                 `yaml:"acceptable_ids"`
	Synthetic     []plugin.SyntheticConfig `yaml:"synthetic"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:   "tapecache-data",
		Log:       LogConfig{Level: "info"},
		Metrics:   MetricsConfig{Listen: "localhost:9464"},
		Cache:     cache.DefaultConfig(),
		Submitter: submitter.DefaultConfiguration(""),
		Sender:    SenderConfig{Kind: SenderMemory},
	}
}

// Load reads the file at path over the defaults and applies the environment.
// An empty path loads the defaults only.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with a custom environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := config.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Save writes the configuration to path. The file may contain credentials
// and is only readable by its owner.
func Save(path string, config Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, target *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*target = v
		}
	}
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	str("USER_ID", &c.Submitter.UserID)
	str("PROJECT_ID", &c.Submitter.ProjectID)
	str("SENDER_KIND", &c.Sender.Kind)
	str("KAFKA_USERNAME", &c.Sender.Kafka.Username)
	str("KAFKA_PASSWORD", &c.Sender.Kafka.Password)
	str("NATS_URL", &c.Sender.NATS.URL)
	str("NATS_TOKEN", &c.Sender.NATS.Token)
	str("S3_ACCESS_KEY", &c.Sender.Object.AccessKey)
	str("S3_SECRET_KEY", &c.Sender.Object.SecretKey)
	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		c.Sender.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_JSON: %w", EnvPrefix, err)
		}
		c.Log.JSON = b
	}
	if v, ok := lookup(EnvPrefix + "UPLOAD_RATE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sUPLOAD_RATE: %w", EnvPrefix, err)
		}
		c.Submitter.UploadRate = d
	}
	return nil
}

func splitList(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}
	if err := c.Submitter.Validate(); err != nil {
		return fmt.Errorf("invalid submitter config: %w", err)
	}
	if err := c.Sender.Validate(); err != nil {
		return fmt.Errorf("invalid sender config: %w", err)
	}
	return nil
}

// Validate checks the configuration of the selected sender.
func (s SenderConfig) Validate() error {
	switch s.Kind {
	case SenderMemory, SenderNATS:
		return nil
	case SenderKafka:
		return s.Kafka.Validate()
	case SenderObject:
		return s.Object.Validate()
	default:
		return fmt.Errorf("unknown sender kind %q", s.Kind)
	}
}

// Validate checks the object store configuration.
func (o ObjectConfig) Validate() error {
	switch {
	case o.Dir != "" && o.Bucket != "":
		return errors.New("dir and bucket are mutually exclusive")
	case o.Dir == "" && o.Bucket == "":
		return errors.New("one of dir or bucket is required")
	case o.Bucket != "" && o.Endpoint == "":
		return errors.New("endpoint is required with a bucket")
	}
	return nil
}
