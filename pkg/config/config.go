// Package config loads the runtime configuration of s3metad.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for s3metad.
//
// YAML example:
//
//	address: ":8080"
//	region: "us-east-1"
//	credentials:
//	  - accessKey: "AKIAEXAMPLE"
//	    secretKey: "secret"
//	    id: "alice"
//	    displayName: "Alice"
//	metastore:
//	  backend: "bolt"      # memory, bolt, sqlite or mongo
//	  path: "./data/meta.db"
//	blob:
//	  backend: "fs"        # fs, memory or s3
//	  dir: "./data/blobs"
//	gc:
//	  enabled: true
//	  interval: "15m"
//	  olderThan: "24h"
//
// Environment overrides use the S3META_ prefix, see applyEnvOverrides.
type Config struct {
	Address        string       `yaml:"address"`
	Region         string       `yaml:"region"`
	MetricsAddress string       `yaml:"metricsAddress"` // empty serves /metrics on the main listener
	DefaultOwner   Owner        `yaml:"defaultOwner"`   // identity of every request when no credentials are set
	Credentials    []Credential `yaml:"credentials"`
	Metastore      Metastore    `yaml:"metastore"`
	Blob           Blob         `yaml:"blob"`
	Limits         Limits       `yaml:"limits"`
	GC             GC           `yaml:"gc"`
	Log            Log          `yaml:"log"`
}

// Owner is a canonical user.
type Owner struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
}

// Credential is a SigV4 access key pair and the user it authenticates.
type Credential struct {
	AccessKey   string `yaml:"accessKey"`
	SecretKey   string `yaml:"secretKey"`
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName,omitempty"`
}

// Metastore selects the metadata backend.
type Metastore struct {
	Backend  string `yaml:"backend"`            // memory, bolt, sqlite or mongo
	Path     string `yaml:"path,omitempty"`     // bolt and sqlite file
	URL      string `yaml:"url,omitempty"`      // mongo
	Database string `yaml:"database,omitempty"` // mongo
}

// Blob selects where object data lives.
type Blob struct {
	Backend string `yaml:"backend"` // fs, memory or s3
	Dir     string `yaml:"dir,omitempty"`
	S3      S3     `yaml:"s3"`
}

// S3 is an upstream bucket used as blob store.
type S3 struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
	PathStyle bool   `yaml:"pathStyle"`
}

// Limits controls size limits in bytes.
// Zero values fall back to built-in defaults.
type Limits struct {
	MinPartSize int64 `yaml:"minPartSize"`
}

// GC controls periodic removal of stale multipart uploads.
type GC struct {
	Enabled   bool   `yaml:"enabled"`
	Interval  string `yaml:"interval,omitempty"`  // e.g. "15m"
	OlderThan string `yaml:"olderThan,omitempty"` // e.g. "24h"
}

// Log controls the root logger.
type Log struct {
	Level  string `yaml:"level"`  // zerolog level name
	Format string `yaml:"format"` // json or console
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address: ":8080",
		Region:  "us-east-1",
		DefaultOwner: Owner{
			ID:          "s3meta",
			DisplayName: "s3meta",
		},
		Metastore: Metastore{
			Backend:  "bolt",
			Path:     "./data/meta.db",
			Database: "s3meta",
		},
		Blob: Blob{
			Backend: "fs",
			Dir:     "./data/blobs",
		},
		Limits: Limits{
			MinPartSize: 5 * 1024 * 1024, // 5 MiB
		},
		GC: GC{
			Enabled:   false,
			Interval:  "15m",
			OlderThan: "24h",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path. If path is empty, it attempts to read
// ./s3meta.yaml; if not found, returns Default(). Environment overrides are
// applied last.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = "s3meta.yaml"
	}
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg = applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and durations.
func (c Config) Validate() error {
	switch c.Metastore.Backend {
	case "memory":
	case "bolt", "sqlite":
		if c.Metastore.Path == "" {
			return fmt.Errorf("metastore.path is required for the %s backend", c.Metastore.Backend)
		}
	case "mongo":
		if c.Metastore.URL == "" {
			return errors.New("metastore.url is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown metastore backend %q", c.Metastore.Backend)
	}
	switch c.Blob.Backend {
	case "memory":
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("blob.dir is required for the fs backend")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return errors.New("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
	for i, cred := range c.Credentials {
		if cred.AccessKey == "" || cred.SecretKey == "" || cred.ID == "" {
			return fmt.Errorf("credentials[%d]: accessKey, secretKey and id are required", i)
		}
	}
	if len(c.Credentials) == 0 && c.DefaultOwner.ID == "" {
		return errors.New("defaultOwner.id is required when no credentials are configured")
	}
	if c.Limits.MinPartSize < 0 {
		return errors.New("limits.minPartSize must not be negative")
	}
	if c.GC.Enabled {
		if _, err := c.GC.Durations(); err != nil {
			return err
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// GCDurations are the parsed GC settings.
type GCDurations struct {
	Interval  time.Duration
	OlderThan time.Duration
}

// Durations parses Interval and OlderThan.
func (g GC) Durations() (GCDurations, error) {
	var d GCDurations
	var err error
	if d.Interval, err = time.ParseDuration(g.Interval); err != nil || d.Interval <= 0 {
		return d, fmt.Errorf("gc.interval: invalid duration %q", g.Interval)
	}
	if d.OlderThan, err = time.ParseDuration(g.OlderThan); err != nil || d.OlderThan <= 0 {
		return d, fmt.Errorf("gc.olderThan: invalid duration %q", g.OlderThan)
	}
	return d, nil
}

func applyEnvOverrides(cfg Config) Config {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	str("S3META_ADDR", &cfg.Address)
	str("S3META_REGION", &cfg.Region)
	str("S3META_METRICS_ADDR", &cfg.MetricsAddress)
	str("S3META_METASTORE_BACKEND", &cfg.Metastore.Backend)
	str("S3META_METASTORE_PATH", &cfg.Metastore.Path)
	str("S3META_METASTORE_URL", &cfg.Metastore.URL)
	str("S3META_METASTORE_DATABASE", &cfg.Metastore.Database)
	str("S3META_BLOB_BACKEND", &cfg.Blob.Backend)
	str("S3META_BLOB_DIR", &cfg.Blob.Dir)
	str("S3META_BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	str("S3META_BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("S3META_BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("S3META_BLOB_S3_ACCESS_KEY", &cfg.Blob.S3.AccessKey)
	str("S3META_BLOB_S3_SECRET_KEY", &cfg.Blob.S3.SecretKey)
	str("S3META_GC_INTERVAL", &cfg.GC.Interval)
	str("S3META_GC_OLDER_THAN", &cfg.GC.OlderThan)
	str("S3META_LOG_LEVEL", &cfg.Log.Level)
	str("S3META_LOG_FORMAT", &cfg.Log.Format)

	if v, ok := parseBool(os.Getenv("S3META_BLOB_S3_PATH_STYLE")); ok {
		cfg.Blob.S3.PathStyle = v
	}
	if v, ok := parseBool(os.Getenv("S3META_GC_ENABLED")); ok {
		cfg.GC.Enabled = v
	}
	if v := os.Getenv("S3META_LIMIT_MIN_PART_SIZE"); v != "" {
		if x, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && x > 0 {
			cfg.Limits.MinPartSize = x
		}
	}
	if v := os.Getenv("S3META_CREDENTIALS"); v != "" {
		// Comma-separated entries: ACCESS_KEY:SECRET_KEY:ID[:DISPLAY_NAME]
		if creds := parseCredentialsEnv(v); len(creds) > 0 {
			cfg.Credentials = creds
		}
	}
	return cfg
}

func parseBool(v string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

func parseCredentialsEnv(v string) []Credential {
	var out []Credential
	for _, entry := range strings.Split(v, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			// ignore malformed entries
			continue
		}
		c := Credential{AccessKey: parts[0], SecretKey: parts[1], ID: parts[2]}
		if len(parts) > 3 {
			c.DisplayName = strings.Join(parts[3:], ":")
		}
		out = append(out, c)
	}
	return out
}
