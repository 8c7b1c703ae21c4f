package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pipeline configuration. It is read once at startup and
// treated as an immutable snapshot; components receive the sections they need.
type Config struct {
	General        GeneralConfig        `mapstructure:"general"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	API            APIConfig            `mapstructure:"api"`
	Events         EventsConfig         `mapstructure:"events"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Profiles       ProfilesConfig       `mapstructure:"profiles"`
	Metadata       MetadataConfig       `mapstructure:"metadata"`
	Scrapers       ScrapersConfig       `mapstructure:"scrapers"`
	Downloaders    DownloadersConfig    `mapstructure:"downloaders"`
	W2P            W2PConfig            `mapstructure:"w2p"`
	PostProcessing PostProcessingConfig `mapstructure:"postprocessing"`
}

// GeneralConfig holds process-wide paths and switches.
type GeneralConfig struct {
	DataDir            string `mapstructure:"data_dir"`
	MountPath          string `mapstructure:"mount_path"`
	SymlinkLibraryPath string `mapstructure:"symlink_library_path"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// APIConfig holds the ops HTTP surface configuration.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// EventsConfig bounds the event manager.
type EventsConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// SchedulerConfig holds periodic job intervals.
type SchedulerConfig struct {
	OngoingInterval     time.Duration `mapstructure:"ongoing_interval"`
	ParkedRetryInterval time.Duration `mapstructure:"parked_retry_interval"`
	RetentionInterval   time.Duration `mapstructure:"retention_interval"`
}

// ProfilesConfig declares ranking profiles and their path bindings.
type ProfilesConfig struct {
	DefaultProfile string                   `mapstructure:"default_profile"`
	KeepVersions   int                      `mapstructure:"keep_versions"`
	PathProfiles   map[string]string        `mapstructure:"path_profiles"`
	Definitions    map[string]ProfileConfig `mapstructure:"definitions"`
}

// ProfileConfig is one named ranking profile.
type ProfileConfig struct {
	KeepVersions     int      `mapstructure:"keep_versions"`
	BucketLimit      int      `mapstructure:"bucket_limit"`
	RemoveAllTrash   bool     `mapstructure:"remove_all_trash"`
	ExcludeLanguages []string `mapstructure:"exclude_languages"`
	DubbedAnimeOnly  bool     `mapstructure:"dubbed_anime_only"`
	PreferredQuality []string `mapstructure:"preferred_quality"`
}

// MetadataConfig holds metadata provider credentials.
type MetadataConfig struct {
	TMDB TMDBConfig `mapstructure:"tmdb"`
}

// TMDBConfig configures the TMDB API client.
type TMDBConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Language string        `mapstructure:"language"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ScrapersConfig enables and points at the release scrapers.
type ScrapersConfig struct {
	Torrentio ScraperEndpointConfig `mapstructure:"torrentio"`
	Zilean    ScraperEndpointConfig `mapstructure:"zilean"`
	SiteDefs  SiteDefsConfig        `mapstructure:"sitedefs"`
}

// ScraperEndpointConfig is shared by JSON API scrapers.
type ScraperEndpointConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SiteDefsConfig points at YAML site-definition files for the generic
// HTML scraper.
type SiteDefsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DefinitionsDir string        `mapstructure:"definitions_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// DownloadersConfig holds per-provider debrid credentials.
type DownloadersConfig struct {
	RealDebrid DebridProviderConfig `mapstructure:"realdebrid"`
	DebridLink DebridProviderConfig `mapstructure:"debridlink"`
	AllDebrid  DebridProviderConfig `mapstructure:"alldebrid"`
	ProxyURL   string               `mapstructure:"proxy_url"`
	// EpisodeCapPolicy selects how the episode-number matching ceiling is
	// computed: "max-of-totals" or "total-count".
	EpisodeCapPolicy string `mapstructure:"episode_cap_policy"`
}

// DebridProviderConfig is shared by all debrid providers.
type DebridProviderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// W2PConfig configures the external harvester client.
type W2PConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	AuthHeaderName    string        `mapstructure:"auth_header_name"`
	AuthHeaderValue   string        `mapstructure:"auth_header_value"`
	BaseTimeout       time.Duration `mapstructure:"base_timeout"`
	MaxTimeout        time.Duration `mapstructure:"max_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ParkDuration      time.Duration `mapstructure:"park_duration"`
	RDLibraryFallback bool          `mapstructure:"rd_library_fallback"`
	DirectNavTitles   bool          `mapstructure:"direct_nav_titles"`
}

// PostProcessingConfig toggles post-download reconciliation.
type PostProcessingConfig struct {
	EpisodeValidation bool `mapstructure:"episode_validation"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("riven")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.riven")
		v.AddConfigPath("/etc/riven")
	}

	v.SetEnvPrefix("RIVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Events.Workers < 1 {
		return fmt.Errorf("events.workers must be >= 1, got %d", c.Events.Workers)
	}
	if c.Profiles.KeepVersions < 1 {
		return fmt.Errorf("profiles.keep_versions must be >= 1, got %d", c.Profiles.KeepVersions)
	}
	if c.W2P.Enabled && c.W2P.BaseURL == "" {
		return fmt.Errorf("w2p.base_url is required when w2p is enabled")
	}
	if c.W2P.MaxTimeout > 900*time.Second {
		return fmt.Errorf("w2p.max_timeout must not exceed 900s")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.data_dir", "./data")
	v.SetDefault("general.mount_path", "/mnt/debrid/riven")
	v.SetDefault("general.symlink_library_path", "")

	v.SetDefault("database.path", "./data/riven.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "./data/logs")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")

	v.SetDefault("events.workers", 4)
	v.SetDefault("events.queue_size", 1024)

	v.SetDefault("scheduler.ongoing_interval", 4*time.Hour)
	v.SetDefault("scheduler.parked_retry_interval", time.Hour)
	v.SetDefault("scheduler.retention_interval", 12*time.Hour)

	v.SetDefault("profiles.default_profile", "default")
	v.SetDefault("profiles.keep_versions", 1)

	v.SetDefault("metadata.tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("metadata.tmdb.language", "en-US")
	v.SetDefault("metadata.tmdb.timeout", 15*time.Second)
	v.SetDefault("metadata.tmdb.cache_ttl", 15*time.Minute)

	v.SetDefault("scrapers.torrentio.enabled", false)
	v.SetDefault("scrapers.torrentio.url", "https://torrentio.strem.fun")
	v.SetDefault("scrapers.torrentio.timeout", 30*time.Second)
	v.SetDefault("scrapers.zilean.enabled", false)
	v.SetDefault("scrapers.zilean.url", "")
	v.SetDefault("scrapers.zilean.timeout", 30*time.Second)
	v.SetDefault("scrapers.sitedefs.enabled", false)
	v.SetDefault("scrapers.sitedefs.definitions_dir", "./data/sitedefs")
	v.SetDefault("scrapers.sitedefs.timeout", 30*time.Second)

	v.SetDefault("downloaders.realdebrid.enabled", false)
	v.SetDefault("downloaders.debridlink.enabled", false)
	v.SetDefault("downloaders.alldebrid.enabled", false)
	v.SetDefault("downloaders.episode_cap_policy", "max-of-totals")

	v.SetDefault("w2p.enabled", false)
	v.SetDefault("w2p.base_timeout", 60*time.Second)
	v.SetDefault("w2p.max_timeout", 900*time.Second)
	v.SetDefault("w2p.max_attempts", 3)
	v.SetDefault("w2p.park_duration", 24*time.Hour)
	v.SetDefault("w2p.rd_library_fallback", true)
	v.SetDefault("w2p.direct_nav_titles", false)

	v.SetDefault("postprocessing.episode_validation", true)
}

// Address returns the ops API listen address.
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
