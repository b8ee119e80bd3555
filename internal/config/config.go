package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Backend BackendConfig
	Scraper ScraperConfig
	Browser BrowserConfig
	Store   StoreConfig
	Worker  WorkerConfig
	Logging LoggingConfig
}

type BackendConfig struct {
	APIBaseURL string
	APIKey     string
	BatchSize  int
	Timeout    time.Duration
}

type ScraperConfig struct {
	SitesDir           string
	SiteIDs            []string
	MaxPages           int
	StartPage          int
	EnableDetailImages bool
	DisableSqlite      bool
	ServiceMode        bool
	MaxNavAttempts     int
	NavRetryBaseDelay  time.Duration
}

type BrowserConfig struct {
	Headless  bool
	Timeout   time.Duration
	UserAgent string
}

type StoreConfig struct {
	SqlitePath string
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchLimit   int
	OpsAddr      string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables, taking values from a
// local .env file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Backend: BackendConfig{
			APIBaseURL: getEnvOrDefault("BACKEND_API_URL", "http://localhost:3001"),
			APIKey:     getEnvOrDefault("API_KEY", "change-me"),
			BatchSize:  getIntOrDefault("SCRAPER_BACKEND_BATCH_SIZE", 50),
			Timeout:    getDurationOrDefault("BACKEND_API_TIMEOUT", 10*time.Second),
		},
		Scraper: ScraperConfig{
			SitesDir:           getEnvOrDefault("SCRAPER_SITES_DIR", "config/sites"),
			SiteIDs:            getStringSliceOrDefault("SCRAPER_SITE_IDS", nil),
			MaxPages:           getIntOrDefault("SCRAPER_MAX_PAGES", 0),
			StartPage:          getIntOrDefault("SCRAPER_START_PAGE", 1),
			EnableDetailImages: getBoolOrDefault("SCRAPER_ENABLE_DETAIL_IMAGES", false),
			DisableSqlite:      getBoolOrDefault("SCRAPER_DISABLE_SQLITE", false),
			ServiceMode:        getBoolOrDefault("SCRAPER_SERVICE_MODE", false),
			MaxNavAttempts:     getIntOrDefault("SCRAPER_MAX_RETRIES", 3),
			NavRetryBaseDelay:  getDurationOrDefault("SCRAPER_RETRY_DELAY", 5*time.Second),
		},
		Browser: BrowserConfig{
			Headless:  getBoolOrDefault("PLAYWRIGHT_HEADLESS", true),
			Timeout:   getDurationOrDefault("PLAYWRIGHT_TIMEOUT", 30*time.Second),
			UserAgent: getEnvOrDefault("PLAYWRIGHT_USER_AGENT", defaultUserAgent),
		},
		Store: StoreConfig{
			SqlitePath: getEnvOrDefault("SQLITE_PATH", "scraper.db"),
		},
		Worker: WorkerConfig{
			PollInterval: getDurationOrDefault("SYNC_WORKER_INTERVAL", 60*time.Second),
			BatchLimit:   getIntOrDefault("SYNC_WORKER_BATCH_LIMIT", 50),
			OpsAddr:      getEnvOrDefault("SYNC_WORKER_OPS_ADDR", ":9090"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Backend.APIBaseURL == "" {
		return fmt.Errorf("BACKEND_API_URL must not be empty")
	}

	if c.Backend.BatchSize < 1 {
		return fmt.Errorf("SCRAPER_BACKEND_BATCH_SIZE must be at least 1")
	}

	if c.Scraper.StartPage < 1 {
		return fmt.Errorf("SCRAPER_START_PAGE must be at least 1")
	}

	if c.Scraper.MaxNavAttempts < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}

	if c.Worker.BatchLimit < 1 {
		return fmt.Errorf("SYNC_WORKER_BATCH_LIMIT must be at least 1")
	}

	return nil
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, p := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
