package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port"`
		Origin     string `yaml:"origin"`
		ScriptPath string `yaml:"scriptPath"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Cache struct {
		Name         string   `yaml:"name"`
		Shell        []string `yaml:"shell"`
		APIMarkers   []string `yaml:"apiMarkers"`
		BackendHosts []string `yaml:"backendHosts"`
	} `yaml:"cache"`

	Shell struct {
		Manifest string `yaml:"manifest"`
	} `yaml:"shell"`

	Fetch struct {
		Timeout     string `yaml:"timeout"`
		MaxBodySize string `yaml:"maxBodySize"`
	} `yaml:"fetch"`

	Notifications struct {
		Permission  string `yaml:"permission"`
		AllowPrompt *bool  `yaml:"allowPrompt"`
		Expiry      string `yaml:"expiry"`
	} `yaml:"notifications"`

	Clients struct {
		AttachTimeout string `yaml:"attachTimeout"`
	} `yaml:"clients"`

	Lifecycle struct {
		InstallRetry string `yaml:"installRetry"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	fetchTimeout    time.Duration
	maxBodyBytes    ByteSize
	notifExpiry     time.Duration
	attachTimeout   time.Duration
	installRetryDur time.Duration
	statsEveryDur   time.Duration
}

// DefaultShell is the app-shell URL set pre-cached at install. It must track
// the paths the frontend build actually emits.
var DefaultShell = []string{
	"/",
	"/admin/prospecting",
	"/static/js/bundle.js",
	"/static/css/main.css",
	"/favicon.ico",
}

const (
	DefaultCacheName  = "vybbi-crm-v1"
	DefaultScriptPath = "/sw.js"
)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if u, err := url.Parse(c.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", c.Server.Origin)
	}
	if c.Server.ScriptPath == "" {
		c.Server.ScriptPath = DefaultScriptPath
	}
	if !strings.HasPrefix(c.Server.ScriptPath, "/") {
		return fmt.Errorf("server.scriptPath must be root-relative, got %q", c.Server.ScriptPath)
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}

	if c.Cache.Name == "" {
		c.Cache.Name = DefaultCacheName
	}
	if len(c.Cache.Shell) == 0 {
		c.Cache.Shell = append([]string(nil), DefaultShell...)
	}
	for i, p := range c.Cache.Shell {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.shell[%d]: must be root-relative, got %q", i, p)
		}
	}
	if len(c.Cache.APIMarkers) == 0 {
		c.Cache.APIMarkers = []string{"/api/", "/rest/v1/", "/functions/v1/"}
	}
	if len(c.Cache.BackendHosts) == 0 {
		c.Cache.BackendHosts = []string{"supabase.co"}
	}

	var err error
	if c.fetchTimeout, err = parseDurationDefault(c.Fetch.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	if c.Fetch.MaxBodySize == "" {
		c.Fetch.MaxBodySize = (16 * MiB).String()
	}
	if c.maxBodyBytes, err = ParseByteSize(c.Fetch.MaxBodySize); err != nil {
		return fmt.Errorf("fetch.maxBodySize: %w", err)
	}
	if c.maxBodyBytes == 0 {
		return fmt.Errorf("fetch.maxBodySize: %w %q: must be positive", ErrInvalidSize, c.Fetch.MaxBodySize)
	}

	switch c.Notifications.Permission {
	case "":
		c.Notifications.Permission = "default"
	case "default", "granted", "denied":
	default:
		return fmt.Errorf("notifications.permission: unknown value %q", c.Notifications.Permission)
	}
	if c.Notifications.AllowPrompt == nil {
		allow := true
		c.Notifications.AllowPrompt = &allow
	}
	if c.notifExpiry, err = parseDurationDefault(c.Notifications.Expiry, 24*time.Hour); err != nil {
		return fmt.Errorf("notifications.expiry: %w", err)
	}

	if c.attachTimeout, err = parseDurationDefault(c.Clients.AttachTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("clients.attachTimeout: %w", err)
	}

	if c.installRetryDur, err = parseDurationDefault(c.Lifecycle.InstallRetry, time.Minute); err != nil {
		return fmt.Errorf("lifecycle.installRetry: %w", err)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "json"
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown value %q", c.Logging.Format)
	}
	if c.statsEveryDur, err = parseDurationDefault(c.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (c Config) FetchTimeout() time.Duration        { return c.fetchTimeout }
func (c Config) MaxBodyBytes() int64                { return int64(c.maxBodyBytes) }
func (c Config) NotificationExpiry() time.Duration  { return c.notifExpiry }
func (c Config) ClientAttachTimeout() time.Duration { return c.attachTimeout }
func (c Config) InstallRetry() time.Duration        { return c.installRetryDur }
func (c Config) StatsEvery() time.Duration          { return c.statsEveryDur }
func (c Config) AllowPrompt() bool                  { return c.Notifications.AllowPrompt != nil && *c.Notifications.AllowPrompt }

// SameVersion reports whether two configs describe the same worker version:
// the cache name and the shell list are what a deployment bumps.
func (c Config) SameVersion(o Config) bool {
	if c.Cache.Name != o.Cache.Name || c.Shell.Manifest != o.Shell.Manifest {
		return false
	}
	if len(c.Cache.Shell) != len(o.Cache.Shell) {
		return false
	}
	for i := range c.Cache.Shell {
		if c.Cache.Shell[i] != o.Cache.Shell[i] {
			return false
		}
	}
	return true
}
