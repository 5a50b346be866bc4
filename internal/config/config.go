// Package config loads FormSync settings from an optional YAML file and
// FORMSYNC_* environment variables. Environment values win over the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/formsync/internal/crypto"
	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
)

// Remote kinds.
const (
	RemoteHTTP        = "http"
	RemoteObjectStore = "objectstore"
)

// Config is the full host configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Listen       string             `yaml:"listen"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
}

// RemoteConfig selects and configures the delivery target.
type RemoteConfig struct {
	Kind        string            `yaml:"kind"`
	Endpoint    string            `yaml:"endpoint"`
	UserID      int               `yaml:"user_id"`
	SendTimeout time.Duration     `yaml:"send_timeout"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
}

// ObjectStoreConfig holds S3-compatible bucket settings.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ConnectivityConfig tunes the reachability monitor.
type ConnectivityConfig struct {
	ProbeURL     string        `yaml:"probe_url"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	SlowInterval time.Duration `yaml:"probe_interval"`
	FastInterval time.Duration `yaml:"link_poll_interval"`
}

// SyncConfig tunes the background scheduler.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Listen:   "127.0.0.1:8090",
		Remote: RemoteConfig{
			Kind:        RemoteHTTP,
			Endpoint:    "https://jsonplaceholder.typicode.com/posts",
			UserID:      1,
			SendTimeout: 15 * time.Second,
			ObjectStore: ObjectStoreConfig{
				Prefix: "submissions/",
				Region: "us-east-1",
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:     "https://jsonplaceholder.typicode.com/posts/1",
			ProbeTimeout: 8 * time.Second,
			SlowInterval: 20 * time.Second,
			FastInterval: 2500 * time.Millisecond,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty),
// and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read config file", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
		logging.Debug("Config file loaded", map[string]interface{}{"path": path})
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.openSecrets(crypto.MachineKey()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrap(errors.ErrInvalid, "parse config file", err)
	}
	return nil
}

// openSecrets decrypts object-store credentials written with
// "formsync-desktop seal". Plain values are left alone.
func (c *Config) openSecrets(key []byte) error {
	o := &c.Remote.ObjectStore
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"access_key", &o.AccessKey},
		{"secret_key", &o.SecretKey},
	} {
		plain, err := crypto.OpenSecret(*f.v, key)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("open sealed %s", f.name), err)
		}
		*f.v = plain
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnvDefault("FORMSYNC_DATA_DIR", c.DataDir)
	c.LogLevel = getEnvDefault("FORMSYNC_LOG_LEVEL", c.LogLevel)
	c.Listen = getEnvDefault("FORMSYNC_LISTEN", c.Listen)

	r := &c.Remote
	r.Kind = getEnvDefault("FORMSYNC_REMOTE_KIND", r.Kind)
	r.Endpoint = getEnvDefault("FORMSYNC_ENDPOINT", r.Endpoint)

	o := &r.ObjectStore
	o.Endpoint = getEnvDefault("FORMSYNC_S3_ENDPOINT", o.Endpoint)
	o.Bucket = getEnvDefault("FORMSYNC_S3_BUCKET", o.Bucket)
	o.Prefix = getEnvDefault("FORMSYNC_S3_PREFIX", o.Prefix)
	o.AccessKey = getEnvDefault("FORMSYNC_S3_ACCESS_KEY", o.AccessKey)
	o.SecretKey = getEnvDefault("FORMSYNC_S3_SECRET_KEY", o.SecretKey)
	o.Region = getEnvDefault("FORMSYNC_S3_REGION", o.Region)

	c.Connectivity.ProbeURL = getEnvDefault("FORMSYNC_PROBE_URL", c.Connectivity.ProbeURL)

	var err error
	if r.UserID, err = getEnvInt("FORMSYNC_USER_ID", r.UserID); err != nil {
		return err
	}
	if o.UseSSL, err = getEnvBool("FORMSYNC_S3_USE_SSL", o.UseSSL); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FORMSYNC_SEND_TIMEOUT", &r.SendTimeout},
		{"FORMSYNC_PROBE_TIMEOUT", &c.Connectivity.ProbeTimeout},
		{"FORMSYNC_PROBE_INTERVAL", &c.Connectivity.SlowInterval},
		{"FORMSYNC_LINK_POLL_INTERVAL", &c.Connectivity.FastInterval},
		{"FORMSYNC_SYNC_INTERVAL", &c.Sync.Interval},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return invalid(fmt.Sprintf("log_level: %v", err))
	}

	switch c.Remote.Kind {
	case RemoteHTTP:
		if err := validURL(c.Remote.Endpoint); err != nil {
			return invalid(fmt.Sprintf("remote.endpoint: %v", err))
		}
	case RemoteObjectStore:
		if c.Remote.ObjectStore.Endpoint == "" || c.Remote.ObjectStore.Bucket == "" {
			return invalid("remote.objectstore.endpoint and bucket are required")
		}
	default:
		return invalid(fmt.Sprintf("remote.kind %q is not one of http, objectstore", c.Remote.Kind))
	}
	if c.Remote.UserID <= 0 {
		return invalid("remote.user_id must be positive")
	}

	if err := validURL(c.Connectivity.ProbeURL); err != nil {
		return invalid(fmt.Sprintf("connectivity.probe_url: %v", err))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"remote.send_timeout", c.Remote.SendTimeout},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
		{"connectivity.probe_interval", c.Connectivity.SlowInterval},
		{"connectivity.link_poll_interval", c.Connectivity.FastInterval},
		{"sync.interval", c.Sync.Interval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return invalid(p.name + " must be > 0")
		}
	}
	return nil
}

func invalid(msg string) error {
	return errors.New(errors.ErrInvalid, "config: "+msg)
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// getEnvDefault returns the environment value or defaultVal.
func getEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, invalid(fmt.Sprintf("%s: invalid integer %q", key, val))
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, invalid(fmt.Sprintf("%s: invalid duration %q (use Go format: 30s, 1m)", key, val))
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, invalid(fmt.Sprintf("%s: invalid boolean %q", key, val))
	}
	return b, nil
}
