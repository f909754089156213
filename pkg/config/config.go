// Package config loads and validates the collector configuration.
// Configuration comes from a JSON file; environment variables override
// file values so credentials stay out of version control.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source types dispatched by the region scheduler.
const (
	SourceTypeLocalReceiver = "local_receiver"
	SourceTypeWideArea      = "wide_area"
	SourceTypePush          = "push"
)

// Run modes selected on the command line.
const (
	ModeCollector         = "collector"
	ModeStandaloneIngress = "standalone-ingress"
)

// Config represents the complete application configuration.
type Config struct {
	Regions   []RegionConfig  `json:"regions"`
	Cache     CacheConfig     `json:"cache"`
	Registry  RegistryConfig  `json:"registry"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Push      PushConfig      `json:"push"`
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
}

// RegionConfig defines one geographic collection region and its data sources.
type RegionConfig struct {
	// ID is the short region key used as the cache keyspace prefix (e.g. "etex")
	ID string `json:"id"`

	// Name is a friendly display name (e.g. "East Texas")
	Name string `json:"name"`

	// Enabled determines whether a scheduler is started for this region
	Enabled bool `json:"enabled"`

	// Center is the region center in decimal degrees
	Center LatLon `json:"center"`

	// RadiusMiles is the collection radius in statute miles
	RadiusMiles float64 `json:"radius_miles"`

	// Timezone is the IANA timezone name (e.g. "America/Chicago")
	Timezone string `json:"timezone"`

	// Sources lists the data sources polled or drained for this region
	Sources []SourceConfig `json:"sources"`
}

// LatLon is a decimal-degree coordinate pair.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SourceConfig describes a single data source attached to a region.
type SourceConfig struct {
	// Type is one of "local_receiver", "wide_area", or "push"
	Type string `json:"type"`

	// Name is an optional friendly identifier; it stays empty when unset
	Name string `json:"name,omitempty"`

	// Enabled determines whether this source is used
	Enabled bool `json:"enabled"`

	// URL is the endpoint for polled sources
	URL string `json:"url,omitempty"`

	// PollIntervalSeconds is the source-specific cadence. The effective
	// fetch rate is max(scheduler tick, poll interval).
	PollIntervalSeconds int `json:"poll_interval_seconds,omitempty"`

	// Anonymous selects unauthenticated wide-area access
	Anonymous bool `json:"anonymous,omitempty"`

	// Username/Password authenticate wide-area access (ignored when Anonymous)
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// StationBufferTTLSeconds bounds push-buffer lifetime. Must be at least
	// twice the expected push interval; defaults to 120.
	StationBufferTTLSeconds int `json:"station_buffer_ttl_seconds,omitempty"`
}

// CacheConfig contains cache (Redis) connection settings.
type CacheConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	DB                int    `json:"db"`
	DefaultTTLSeconds int    `json:"default_ttl_seconds"`
}

// RegistryConfig points at the static aircraft registry.
type RegistryConfig struct {
	// CSVPath is the preferred registry location. The loader also probes
	// the conventional config/ locations when this is empty or missing.
	CSVPath string `json:"csv_path,omitempty"`

	// FallbackURL is fetched once when no local CSV can be found
	FallbackURL string `json:"fallback_url,omitempty"`
}

// SchedulerConfig drives the per-region collection cycle.
type SchedulerConfig struct {
	// TickIntervalSeconds is the cycle cadence per region (minimum 5)
	TickIntervalSeconds int `json:"tick_interval_seconds"`
}

// PushConfig controls the station push ingress.
type PushConfig struct {
	// SharedSecrets maps region id to the accepted secrets. Every secret
	// must be prefixed "<region>." so the key itself encodes its scope.
	SharedSecrets map[string][]string `json:"shared_secrets"`

	// MaxRecords caps a single push payload (default 10000)
	MaxRecords int `json:"max_records,omitempty"`
}

// ServerConfig contains HTTP server settings for the ingress/read API.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LogConfig controls log verbosity and format.
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `json:"level"`

	// Format is "text" or "json"
	Format string `json:"format,omitempty"`
}

// Load reads configuration from a JSON file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults. Regions and
// shared secrets have no defaults; a usable config must supply them.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Host:              "localhost",
			Port:              6379,
			DB:                0,
			DefaultTTLSeconds: 300,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSeconds: 15,
		},
		Push: PushConfig{
			MaxRecords: 10000,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Validate checks the invariants the rest of the system relies on.
// A validation failure is fatal at startup.
func (c *Config) Validate() error {
	if len(c.EnabledRegions()) == 0 {
		return fmt.Errorf("config: no enabled regions")
	}

	seen := make(map[string]bool)
	for _, region := range c.Regions {
		if region.ID == "" {
			return fmt.Errorf("config: region %q has no id", region.Name)
		}
		if seen[region.ID] {
			return fmt.Errorf("config: duplicate region id %q", region.ID)
		}
		seen[region.ID] = true

		if region.RadiusMiles <= 0 {
			return fmt.Errorf("config: region %q has non-positive radius", region.ID)
		}

		for _, src := range region.Sources {
			switch src.Type {
			case SourceTypeLocalReceiver, SourceTypeWideArea:
				if src.Enabled && src.URL == "" {
					return fmt.Errorf("config: region %q source %q has no url", region.ID, src.Type)
				}
			case SourceTypePush:
				// No URL; stations connect to us.
			default:
				return fmt.Errorf("config: region %q has unknown source type %q", region.ID, src.Type)
			}
		}
	}

	for regionID, secrets := range c.Push.SharedSecrets {
		if !seen[regionID] {
			return fmt.Errorf("config: shared secrets configured for unknown region %q", regionID)
		}
		for _, secret := range secrets {
			if !strings.HasPrefix(secret, regionID+".") {
				return fmt.Errorf("config: shared secret for region %q must be prefixed %q", regionID, regionID+".")
			}
		}
	}

	if c.Scheduler.TickIntervalSeconds < 5 {
		return fmt.Errorf("config: scheduler tick interval must be at least 5 seconds, got %d",
			c.Scheduler.TickIntervalSeconds)
	}

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}

	return nil
}

// EnabledRegions returns the regions a scheduler should run for.
func (c *Config) EnabledRegions() []RegionConfig {
	var enabled []RegionConfig
	for _, region := range c.Regions {
		if region.Enabled {
			enabled = append(enabled, region)
		}
	}
	return enabled
}

// Region looks up a region by id.
func (c *Config) Region(id string) (RegionConfig, bool) {
	for _, region := range c.Regions {
		if region.ID == id {
			return region, true
		}
	}
	return RegionConfig{}, false
}

// TickInterval is the scheduler cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// SourceByType returns the first enabled source of the given type.
func (r RegionConfig) SourceByType(sourceType string) (SourceConfig, bool) {
	for _, src := range r.Sources {
		if src.Enabled && src.Type == sourceType {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// PushBufferTTL is the lifetime for this region's station push buffers.
func (r RegionConfig) PushBufferTTL() time.Duration {
	if src, ok := r.SourceByType(SourceTypePush); ok && src.StationBufferTTLSeconds > 0 {
		return time.Duration(src.StationBufferTTLSeconds) * time.Second
	}
	return 120 * time.Second
}

// PollInterval is the source cadence as a duration, or 0 when unset.
func (s SourceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Addr is the host:port string for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Addr is the host:port string for the cache.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultTTL is the cache default TTL as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	if c.DefaultTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// applyEnvironmentOverrides applies environment variable overrides to the
// config. This keeps credentials and deployment wiring out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.Cache.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Cache.Port = v
		}
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if v, err := strconv.Atoi(db); err == nil {
			c.Cache.DB = v
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	// Comma-separated "region.secret" keys; each key's prefix routes it to
	// the matching region.
	if keys := os.Getenv("VALID_API_KEYS"); keys != "" {
		if c.Push.SharedSecrets == nil {
			c.Push.SharedSecrets = make(map[string][]string)
		}
		for _, key := range strings.Split(keys, ",") {
			key = strings.TrimSpace(key)
			regionID, _, ok := strings.Cut(key, ".")
			if !ok || regionID == "" {
				continue
			}
			c.Push.SharedSecrets[regionID] = append(c.Push.SharedSecrets[regionID], key)
		}
	}

	// Wide-area credentials apply to every wide_area source.
	username := os.Getenv("OPENSKY_USERNAME")
	password := os.Getenv("OPENSKY_PASSWORD")
	if username != "" || password != "" {
		for ri := range c.Regions {
			for si := range c.Regions[ri].Sources {
				src := &c.Regions[ri].Sources[si]
				if src.Type != SourceTypeWideArea {
					continue
				}
				if username != "" {
					src.Username = username
					src.Anonymous = false
				}
				if password != "" {
					src.Password = password
				}
			}
		}
	}
}
