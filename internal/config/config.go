package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DataFolderName is the directory under the workspace holding raw datasets and
// the cache file.
const DataFolderName = ".weather_era5"

// Download defaults.
const (
	DefaultMaxWorkers   = 5
	DefaultFetchTimeout = 2 * time.Hour
	DefaultPollInterval = 5 * time.Second
	DefaultCDSURL       = "https://cds.climate.copernicus.eu/api"
	DefaultDataset      = "reanalysis-era5-land-timeseries"
	DefaultDateRange    = "2016-01-01/2025-12-31"
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the merged result of the YAML file, .env and the environment.
type Config struct {
	// Workspace is the parent of the data folder. Defaults to the home directory.
	Workspace string `yaml:"workspace"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Download struct {
		MaxWorkers   int           `yaml:"max_workers"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Dataset      string        `yaml:"dataset"`
		DateRange    string        `yaml:"date_range"`
	} `yaml:"download"`
	CDS struct {
		// Credentials is the cdsapi style file holding url and key.
		Credentials string `yaml:"credentials"`
		URL         string `yaml:"url"`
		Key         string `yaml:"key"`
	} `yaml:"cds"`
	Geocoding struct {
		URL string `yaml:"url"`
	} `yaml:"geocoding"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
	} `yaml:"redis"`
	Server struct {
		Addr            string `yaml:"addr"`
		RebuildSchedule string `yaml:"rebuild_schedule"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// Load reads configPath (optional: an empty path means defaults only), applies
// .env and environment overrides and validates the result. Later calls return
// the first result.
func Load(configPath string) (*Config, error) {
	var err error
	once.Do(func() {
		instance, err = load(configPath)
	})

	return instance, err
}

// Read is Load without the process-wide cache.
func Read(configPath string) (*Config, error) {
	return load(configPath)
}

func load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Get() *Config {
	if instance == nil {
		panic("config not loaded - call config.Load() first")
	}
	return instance
}

func (c *Config) applyEnv() {
	c.Workspace = getEnv("WEATHER_WORKSPACE", c.Workspace)
	c.Database.Driver = getEnv("WEATHER_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("WEATHER_DB_DSN", c.Database.DSN)
	if c.Database.DSN == "" && c.Database.Driver == "mysql" {
		c.Database.DSN = GetDatabaseDSN()
	}
	if n, err := strconv.Atoi(os.Getenv("WEATHER_MAX_WORKERS")); err == nil {
		c.Download.MaxWorkers = n
	}
	if d, err := time.ParseDuration(os.Getenv("WEATHER_FETCH_TIMEOUT")); err == nil {
		c.Download.FetchTimeout = d
	}
	c.CDS.Credentials = getEnv("WEATHER_CDS_CREDENTIALS", c.CDS.Credentials)
	c.CDS.URL = getEnv("CDSAPI_URL", c.CDS.URL)
	c.CDS.Key = getEnv("CDSAPI_KEY", c.CDS.Key)
	c.Geocoding.URL = getEnv("WEATHER_GEOCODING_URL", c.Geocoding.URL)
	c.Server.Addr = getEnv("WEATHER_SERVER_ADDR", c.Server.Addr)
	c.Server.RebuildSchedule = getEnv("WEATHER_REBUILD_SCHEDULE", c.Server.RebuildSchedule)
	c.Log.Level = getEnv("WEATHER_LOG_LEVEL", c.Log.Level)

	r := GetRedisConfig()
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if os.Getenv("REDIS_DB") != "" {
		c.Redis.DB = r.DB
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = r.Stream
	}
}

func (c *Config) applyDefaults() error {
	if c.Workspace == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		c.Workspace = home
	}
	ws, err := homedir.Expand(c.Workspace)
	if err != nil {
		return fmt.Errorf("failed to expand workspace %s: %w", c.Workspace, err)
	}
	c.Workspace = ws

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Download.MaxWorkers == 0 {
		c.Download.MaxWorkers = DefaultMaxWorkers
	}
	if c.Download.FetchTimeout == 0 {
		c.Download.FetchTimeout = DefaultFetchTimeout
	}
	if c.Download.PollInterval == 0 {
		c.Download.PollInterval = DefaultPollInterval
	}
	if c.Download.Dataset == "" {
		c.Download.Dataset = DefaultDataset
	}
	if c.Download.DateRange == "" {
		c.Download.DateRange = DefaultDateRange
	}
	if c.CDS.Credentials == "" {
		c.CDS.Credentials = DefaultCredentialsPath()
	}
	if c.Geocoding.URL == "" {
		c.Geocoding.URL = DefaultGeocodingURL
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// DataDir is where raw datasets and the embedded cache live.
func (c *Config) DataDir() string {
	return filepath.Join(c.Workspace, DataFolderName)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Download.MaxWorkers < 1 {
		return fmt.Errorf("download.max_workers must be at least 1")
	}
	if c.Download.FetchTimeout < 0 {
		return fmt.Errorf("download.fetch_timeout cannot be negative")
	}
	return nil
}
