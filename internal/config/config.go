package config

import (
	"fmt"
	"time"
)

type Config struct {
	Feed          FeedConfig          `yaml:"feed"`
	Filter        FilterConfig        `yaml:"filter"`
	Storage       StorageConfig       `yaml:"storage"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Sync          SyncConfig          `yaml:"sync"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type FeedConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	UserAgent string `yaml:"user_agent"`
	PageLimit int    `yaml:"page_limit"`
	TimeoutMS int    `yaml:"timeout_ms"`
	RPM       int    `yaml:"rpm"`
}

type FilterConfig struct {
	PermalinkBase string `yaml:"permalink_base"`
	ImageMarker   string `yaml:"image_marker"`
}

type StorageConfig struct {
	Driver           string         `yaml:"driver"`
	DSN              string         `yaml:"dsn"`
	CommandTimeoutMS int            `yaml:"command_timeout_ms"`
	BatchSize        int            `yaml:"batch_size"`
	Airtable         AirtableConfig `yaml:"airtable"`
}

type AirtableConfig struct {
	BaseURL    string `yaml:"base_url"`
	BaseID     string `yaml:"base_id"`
	APIKey     string `yaml:"api_key"`
	PostsTable string `yaml:"posts_table"`
	StateTable string `yaml:"state_table"`
}

type DedupConfig struct {
	PageSize int `yaml:"page_size"`
	MaxPages int `yaml:"max_pages"`
}

type SyncConfig struct {
	DefaultChannel              string   `yaml:"default_channel"`
	Channels                    []string `yaml:"channels"`
	MaxParallelChannels         int      `yaml:"max_parallel_channels"`
	CycleTimeoutMS              int      `yaml:"cycle_timeout_ms"`
	AdvanceCursorOnWriteFailure bool     `yaml:"advance_cursor_on_write_failure"`
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

type ObservabilityConfig struct {
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns a config with every optional field populated.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			BaseURL:   "https://api.neynar.com",
			UserAgent: "castsync/1.0",
			PageLimit: 20,
			TimeoutMS: 15000,
			RPM:       60,
		},
		Filter: FilterConfig{
			PermalinkBase: "https://warpcast.com",
			ImageMarker:   "image",
		},
		Storage: StorageConfig{
			Driver:           "airtable",
			CommandTimeoutMS: 10000,
			BatchSize:        10,
			Airtable: AirtableConfig{
				BaseURL:    "https://api.airtable.com",
				PostsTable: "Posts",
				StateTable: "State",
			},
		},
		Dedup: DedupConfig{
			PageSize: 100,
		},
		Sync: SyncConfig{
			DefaultChannel:      "nouns-draws",
			MaxParallelChannels: 1,
			CycleTimeoutMS:      60000,
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			ShutdownTimeoutS: 10,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsPath: "/metrics",
		},
	}
}

// Validation
func (c *Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if c.Feed.APIKey == "" {
		return fmt.Errorf("feed.api_key is required")
	}
	if c.Feed.PageLimit <= 0 || c.Feed.PageLimit > 100 {
		return fmt.Errorf("feed.page_limit must be between 1 and 100")
	}
	if c.Feed.TimeoutMS <= 0 {
		return fmt.Errorf("feed.timeout_ms must be > 0")
	}
	if c.Feed.RPM <= 0 {
		return fmt.Errorf("feed.rpm must be > 0")
	}
	if c.Filter.PermalinkBase == "" {
		return fmt.Errorf("filter.permalink_base is required")
	}
	if c.Filter.ImageMarker == "" {
		return fmt.Errorf("filter.image_marker is required")
	}
	switch c.Storage.Driver {
	case "airtable":
		if c.Storage.Airtable.BaseID == "" {
			return fmt.Errorf("storage.airtable.base_id is required")
		}
		if c.Storage.Airtable.APIKey == "" {
			return fmt.Errorf("storage.airtable.api_key is required")
		}
		if c.Storage.Airtable.PostsTable == "" || c.Storage.Airtable.StateTable == "" {
			return fmt.Errorf("storage.airtable.posts_table and storage.airtable.state_table are required")
		}
	case "mssql", "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver must be 'airtable', 'mssql', 'postgres' or 'sqlite'")
	}
	if c.Storage.CommandTimeoutMS <= 0 {
		return fmt.Errorf("storage.command_timeout_ms must be > 0")
	}
	if c.Storage.BatchSize <= 0 || c.Storage.BatchSize > 10 {
		return fmt.Errorf("storage.batch_size must be between 1 and 10")
	}
	if c.Dedup.PageSize <= 0 || c.Dedup.PageSize > 100 {
		return fmt.Errorf("dedup.page_size must be between 1 and 100")
	}
	if c.Dedup.MaxPages < 0 {
		return fmt.Errorf("dedup.max_pages must be >= 0")
	}
	if c.Sync.DefaultChannel == "" {
		return fmt.Errorf("sync.default_channel is required")
	}
	if c.Sync.MaxParallelChannels <= 0 {
		return fmt.Errorf("sync.max_parallel_channels must be > 0")
	}
	if c.Sync.CycleTimeoutMS <= 0 {
		return fmt.Errorf("sync.cycle_timeout_ms must be > 0")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.ShutdownTimeoutS <= 0 {
		return fmt.Errorf("server.shutdown_timeout_s must be > 0")
	}
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("observability.log_level is required")
	}
	if c.Observability.MetricsPath == "" || c.Observability.MetricsPath[0] != '/' {
		return fmt.Errorf("observability.metrics_path must start with '/'")
	}
	return nil
}

// Getters
func (c *Config) GetFeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutMS) * time.Millisecond
}

func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Storage.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) GetCycleTimeout() time.Duration {
	return time.Duration(c.Sync.CycleTimeoutMS) * time.Millisecond
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutS) * time.Second
}
