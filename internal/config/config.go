// Package config loads the docflow server settings from .env, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort      = "2605"
	DefaultStoreURL  = "memory://"
	DefaultLocalRoot = "./files"
	DefaultQueueSize = 256
)

type Config struct {
	Port      string `yaml:"port"`
	StoreURL  string `yaml:"store_url"`
	LocalRoot string `yaml:"local_root"`
	// QueueSize bounds the per process update queue.
	QueueSize int `yaml:"queue_size"`

	NATSURL      string `yaml:"nats_url"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		Port:        DefaultPort,
		StoreURL:    DefaultStoreURL,
		LocalRoot:   DefaultLocalRoot,
		QueueSize:   DefaultQueueSize,
		ServiceName: "docflow",
		Environment: "development",
		LogLevel:    "INFO",
	}
}

// Load reads the configuration. path names a YAML file; when empty
// DOCFLOW_CONFIG is used, and when that is empty too no file is read.
func Load(path string) (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := defaults()
	if path == "" {
		path = os.Getenv("DOCFLOW_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set("DOCFLOW_PORT", &cfg.Port)
	set("DOCFLOW_LOCAL_ROOT", &cfg.LocalRoot)
	set("DOCFLOW_SERVICE_NAME", &cfg.ServiceName)
	set("DOCFLOW_ENVIRONMENT", &cfg.Environment)
	set("NATS_URL", &cfg.NATSURL)
	set("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	set("LOG_LEVEL", &cfg.LogLevel)
	set("LOG_FORMAT", &cfg.LogFormat)

	if url := PostgresURLFromEnv(); url != "" {
		cfg.StoreURL = url
	}
	set("DOCFLOW_STORE_URL", &cfg.StoreURL)

	if v := strings.TrimSpace(os.Getenv("DOCFLOW_QUEUE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse DOCFLOW_QUEUE_SIZE")
		}
		cfg.QueueSize = n
	}
	return nil
}

// PostgresURLFromEnv builds a connection string from the DB_* variables. It
// returns "" unless all of them are set.
func PostgresURLFromEnv() string {
	user := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || password == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}
