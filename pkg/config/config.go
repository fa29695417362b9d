// Package config loads the recording client's configuration from a YAML file
// with environment variable overrides. NOTARY_* variables win over file
// values so containerized deployments can inject credentials without editing
// files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the recording client.
type Config struct {
	// APIKey authenticates against the ledger service. Keys starting with
	// sk_asn_test_ run in test mode.
	APIKey string `yaml:"api_key" json:"api_key"`

	// TenantID is the tenant this client writes under.
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	// VendorBucketName is the caller-owned blob store target.
	VendorBucketName string `yaml:"vendor_bucket_name" json:"vendor_bucket_name"`

	// LedgerURL overrides the production ledger endpoint.
	LedgerURL string `yaml:"ledger_url,omitempty" json:"ledger_url,omitempty"`

	// Debug emits canonical bytes and hashes to stderr around each write.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`

	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Sequencer SequencerConfig `yaml:"sequencer" json:"sequencer"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
}

// StorageConfig selects and parameterizes the blob store backend.
type StorageConfig struct {
	Type       string `yaml:"type" json:"type"` // "s3" | "gcs" | "fs"
	DataDir    string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty" json:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty" json:"s3_endpoint,omitempty"`
}

// SequencerConfig selects the durable counter backend.
type SequencerConfig struct {
	Backend   string `yaml:"backend" json:"backend"` // "sql" | "redis" | "memory"
	DSN       string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
}

// RetryConfig tunes the write retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// Defaults returns the configuration before any file or environment input.
func Defaults() Config {
	return Config{
		Storage:   StorageConfig{Type: "s3"},
		Sequencer: SequencerConfig{Backend: "memory"},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
	}
}

// Load reads path (optional, "" skips the file), applies NOTARY_* environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.APIKey, "NOTARY_API_KEY")
	setString(&c.TenantID, "NOTARY_TENANT_ID")
	setString(&c.VendorBucketName, "NOTARY_VENDOR_BUCKET_NAME")
	setString(&c.LedgerURL, "NOTARY_LEDGER_URL")
	setString(&c.Storage.Type, "NOTARY_BLOB_STORAGE_TYPE")
	setString(&c.Storage.DataDir, "NOTARY_DATA_DIR")
	setString(&c.Storage.S3Region, "NOTARY_S3_REGION")
	setString(&c.Storage.S3Endpoint, "NOTARY_S3_ENDPOINT")
	setString(&c.Sequencer.Backend, "NOTARY_SEQUENCER_BACKEND")
	setString(&c.Sequencer.DSN, "NOTARY_SEQUENCER_DSN")
	setString(&c.Sequencer.RedisAddr, "NOTARY_REDIS_ADDR")

	if v, ok := os.LookupEnv("NOTARY_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v, ok := os.LookupEnv("NOTARY_RETRY_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks the fields every deployment needs.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("config: api_key is required")
	}
	if c.TenantID == "" {
		return errors.New("config: tenant_id is required")
	}
	if c.Storage.Type != "fs" && c.VendorBucketName == "" {
		return errors.New("config: vendor_bucket_name is required for remote storage")
	}
	switch c.Storage.Type {
	case "s3", "gcs", "fs":
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	switch c.Sequencer.Backend {
	case "sql", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown sequencer backend %q", c.Sequencer.Backend)
	}
	if c.Sequencer.Backend == "sql" && c.Sequencer.DSN == "" {
		return errors.New("config: sequencer.dsn is required for the sql backend")
	}
	if c.Sequencer.Backend == "redis" && c.Sequencer.RedisAddr == "" {
		return errors.New("config: sequencer.redis_addr is required for the redis backend")
	}
	return nil
}
