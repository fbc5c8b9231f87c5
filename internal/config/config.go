package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/maltedev/stories-scraper/internal/parser"
)

const DefaultSiteFile = "config/stories.yaml"

type Config struct {
	Site      SiteConfig
	Scraper   ScraperConfig
	Browser   BrowserConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Selectors parser.Selectors

	// SiteFile is the YAML file that was applied, empty when none was found.
	SiteFile string
}

type SiteConfig struct {
	BaseURL         string `yaml:"base_url"`
	CategoryURL     string `yaml:"category_url"`
	Source          string `yaml:"source"`
	Brand           string `yaml:"brand"`
	Gender          string `yaml:"gender"`
	IDPrefix        string `yaml:"id_prefix"`
	DefaultCurrency string `yaml:"default_currency"`
	DefaultCategory string `yaml:"default_category"`
	ProductPattern  string `yaml:"product_pattern"`
}

type ScraperConfig struct {
	MaxPages         int
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	Backoff          string
	RequestDelay     time.Duration
	RequestJitter    time.Duration
	Timeout          time.Duration
	ItemTimeout      time.Duration
	MinContentLength int
	UserAgent        string
	AcceptLanguage   string
	Transport        string
	WarmUp           bool
	ProductLimit     int
	SyncDelete       bool
	DryRun           bool
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ChromePath     string
	ProxyServer    string
	ScrollToBottom bool
}

type DatabaseConfig struct {
	Enabled   bool
	URL       string
	Host      string
	Port      int
	User      string
	Password  string
	Name      string
	SSLMode   string
	MaxConns  int32
	Table     string
	BatchSize int
}

type RedisConfig struct {
	Enabled        bool
	URL            string
	Stream         string
	PollInterval   time.Duration
	RelayBatchSize int
	StreamMaxLen   int64
}

type EmbeddingConfig struct {
	Provider  string
	Endpoint  string
	Model     string
	Dimension int
	Device    string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Schedule        string
	RunOnStart      bool
	AllowedOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// siteFile is the layout of the YAML site file.
type siteFile struct {
	Site      SiteConfig       `yaml:"site"`
	Selectors parser.Selectors `yaml:"selectors"`
}

// Load reads .env, then the YAML site file at path (SITE_CONFIG or
// DefaultSiteFile when empty), then the environment. Later sources win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = getEnvOrDefault("SITE_CONFIG", DefaultSiteFile)
	}

	site := DefaultSite()
	selectors := parser.DefaultSelectors()

	applied, err := applySiteFile(path, &site, &selectors)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Site: SiteConfig{
			BaseURL:         getEnvOrDefault("SITE_BASE_URL", site.BaseURL),
			CategoryURL:     getEnvOrDefault("SITE_CATEGORY_URL", site.CategoryURL),
			Source:          getEnvOrDefault("SITE_SOURCE", site.Source),
			Brand:           getEnvOrDefault("SITE_BRAND", site.Brand),
			Gender:          getEnvOrDefault("SITE_GENDER", site.Gender),
			IDPrefix:        getEnvOrDefault("SITE_ID_PREFIX", site.IDPrefix),
			DefaultCurrency: getEnvOrDefault("SITE_DEFAULT_CURRENCY", site.DefaultCurrency),
			DefaultCategory: getEnvOrDefault("SITE_DEFAULT_CATEGORY", site.DefaultCategory),
			ProductPattern:  getEnvOrDefault("SITE_PRODUCT_PATTERN", site.ProductPattern),
		},
		Scraper: ScraperConfig{
			MaxPages:         getIntOrDefault("SCRAPER_MAX_PAGES", 20),
			MaxRetries:       getIntOrDefault("SCRAPER_MAX_RETRIES", 3),
			RetryDelay:       getDurationOrDefault("SCRAPER_RETRY_DELAY", 3*time.Second),
			MaxRetryDelay:    getDurationOrDefault("SCRAPER_MAX_RETRY_DELAY", time.Minute),
			Backoff:          getEnvOrDefault("SCRAPER_BACKOFF", "linear"),
			RequestDelay:     getDurationOrDefault("SCRAPER_REQUEST_DELAY", 2*time.Second),
			RequestJitter:    getDurationOrDefault("SCRAPER_REQUEST_JITTER", time.Second),
			Timeout:          getDurationOrDefault("SCRAPER_TIMEOUT", 30*time.Second),
			ItemTimeout:      getDurationOrDefault("SCRAPER_ITEM_TIMEOUT", 3*time.Minute),
			MinContentLength: getIntOrDefault("SCRAPER_MIN_CONTENT_LENGTH", 1000),
			UserAgent:        getEnvOrDefault("SCRAPER_USER_AGENT", ""),
			AcceptLanguage:   getEnvOrDefault("SCRAPER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			Transport:        getEnvOrDefault("SCRAPER_TRANSPORT", "http"),
			WarmUp:           getBoolOrDefault("SCRAPER_WARM_UP", true),
			ProductLimit:     getIntOrDefault("SCRAPER_PRODUCT_LIMIT", 0),
			SyncDelete:       getBoolOrDefault("SCRAPER_SYNC_DELETE", false),
			DryRun:           getBoolOrDefault("SCRAPER_DRY_RUN", false),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Stockholm"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			ChromePath:     getEnvOrDefault("CHROME_BIN", ""),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
			ScrollToBottom: getBoolOrDefault("BROWSER_SCROLL_TO_BOTTOM", true),
		},
		Database: DatabaseConfig{
			Enabled:   getBoolOrDefault("DB_ENABLED", true),
			URL:       getEnvOrDefault("DATABASE_URL", ""),
			Host:      getEnvOrDefault("DB_HOST", "localhost"),
			Port:      getIntOrDefault("DB_PORT", 5432),
			User:      getEnvOrDefault("DB_USER", "postgres"),
			Password:  getEnvOrDefault("DB_PASSWORD", ""),
			Name:      getEnvOrDefault("DB_NAME", "stories"),
			SSLMode:   getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns:  int32(getIntOrDefault("DB_MAX_CONNS", 10)),
			Table:     getEnvOrDefault("DB_TABLE", "products"),
			BatchSize: getIntOrDefault("DB_BATCH_SIZE", 50),
		},
		Redis: RedisConfig{
			Enabled:        getBoolOrDefault("REDIS_ENABLED", false),
			URL:            getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			Stream:         getEnvOrDefault("REDIS_STREAM", "stream:products"),
			PollInterval:   getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			RelayBatchSize: getIntOrDefault("RELAY_BATCH_SIZE", 100),
			StreamMaxLen:   int64(getIntOrDefault("REDIS_STREAM_MAXLEN", 100000)),
		},
		Embedding: EmbeddingConfig{
			Provider:  getEnvOrDefault("EMBEDDING_PROVIDER", "grid"),
			Endpoint:  getEnvOrDefault("EMBEDDING_ENDPOINT", ""),
			Model:     getEnvOrDefault("EMBEDDING_MODEL", "google/siglip-base-patch16-384"),
			Dimension: getIntOrDefault("EMBEDDING_DIMENSION", models.EmbeddingDimension),
			Device:    getEnvOrDefault("EMBEDDING_DEVICE", "cpu"),
			Timeout:   getDurationOrDefault("EMBEDDING_TIMEOUT", 60*time.Second),
			CacheTTL:  getDurationOrDefault("EMBEDDING_CACHE_TTL", 7*24*time.Hour),
		},
		Server: ServerConfig{
			Port:            getIntOrDefault("SERVER_PORT", 8080),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Schedule:        getEnvOrDefault("SERVER_SCHEDULE", "@every 24h"),
			RunOnStart:      getBoolOrDefault("SERVER_RUN_ON_START", false),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Selectors: selectors,
	}
	if applied {
		cfg.SiteFile = path
	}

	return cfg, nil
}

// DefaultSite returns the built-in & Other Stories site constants.
func DefaultSite() SiteConfig {
	return SiteConfig{
		BaseURL:         "https://www.stories.com",
		CategoryURL:     "https://www.stories.com/en-eu/clothing/",
		Source:          "scraper",
		Brand:           "Other Stories",
		Gender:          "WOMAN",
		IDPrefix:        "otherstories",
		DefaultCurrency: "EUR",
		DefaultCategory: "Clothing",
		ProductPattern:  parser.DefaultProductPattern,
	}
}

// applySiteFile overlays non-empty values of the YAML file. A missing file
// is not an error.
func applySiteFile(path string, site *SiteConfig, selectors *parser.Selectors) (bool, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open site config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var sf siteFile
	if err := decoder.Decode(&sf); err != nil {
		return false, fmt.Errorf("failed to decode site config %s: %w", path, err)
	}

	overlayString(&site.BaseURL, sf.Site.BaseURL)
	overlayString(&site.CategoryURL, sf.Site.CategoryURL)
	overlayString(&site.Source, sf.Site.Source)
	overlayString(&site.Brand, sf.Site.Brand)
	overlayString(&site.Gender, sf.Site.Gender)
	overlayString(&site.IDPrefix, sf.Site.IDPrefix)
	overlayString(&site.DefaultCurrency, sf.Site.DefaultCurrency)
	overlayString(&site.DefaultCategory, sf.Site.DefaultCategory)
	overlayString(&site.ProductPattern, sf.Site.ProductPattern)

	overlaySlice(&selectors.ProductLinks, sf.Selectors.ProductLinks)
	overlaySlice(&selectors.NextPage, sf.Selectors.NextPage)
	overlaySlice(&selectors.PageLinks, sf.Selectors.PageLinks)
	overlaySlice(&selectors.Title, sf.Selectors.Title)
	overlaySlice(&selectors.Description, sf.Selectors.Description)
	overlaySlice(&selectors.Price, sf.Selectors.Price)
	overlaySlice(&selectors.Currency, sf.Selectors.Currency)
	overlaySlice(&selectors.Image, sf.Selectors.Image)
	overlaySlice(&selectors.Sizes, sf.Selectors.Sizes)
	overlaySlice(&selectors.Category, sf.Selectors.Category)
	overlaySlice(&selectors.Color, sf.Selectors.Color)

	return true, nil
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overlaySlice(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if c.Site.CategoryURL == "" {
		return fmt.Errorf("SITE_CATEGORY_URL is required")
	}
	if c.Scraper.MaxPages < 1 {
		return fmt.Errorf("SCRAPER_MAX_PAGES must be at least 1")
	}
	if c.Scraper.MaxRetries < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}
	if c.Scraper.RequestDelay < 0 || c.Scraper.RequestJitter < 0 {
		return fmt.Errorf("SCRAPER_REQUEST_DELAY and SCRAPER_REQUEST_JITTER cannot be negative")
	}
	switch c.Scraper.Backoff {
	case "linear", "exponential":
	default:
		return fmt.Errorf("unknown SCRAPER_BACKOFF %q", c.Scraper.Backoff)
	}
	switch c.Scraper.Transport {
	case "http", "playwright", "chromedp":
	default:
		return fmt.Errorf("unknown SCRAPER_TRANSPORT %q", c.Scraper.Transport)
	}
	if c.Database.BatchSize < 1 {
		return fmt.Errorf("DB_BATCH_SIZE must be at least 1")
	}
	if c.Embedding.Dimension != models.EmbeddingDimension {
		return fmt.Errorf("EMBEDDING_DIMENSION must be %d, got %d", models.EmbeddingDimension, c.Embedding.Dimension)
	}
	switch c.Embedding.Provider {
	case "grid", "none":
	case "http":
		if c.Embedding.Endpoint == "" {
			return fmt.Errorf("EMBEDDING_ENDPOINT is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.Embedding.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// LogValue omits credentials.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("site_file", c.SiteFile),
		slog.String("category_url", c.Site.CategoryURL),
		slog.String("source", c.Site.Source),
		slog.String("transport", c.Scraper.Transport),
		slog.Int("max_pages", c.Scraper.MaxPages),
		slog.Int("max_retries", c.Scraper.MaxRetries),
		slog.Duration("request_delay", c.Scraper.RequestDelay),
		slog.Int("batch_size", c.Database.BatchSize),
		slog.Bool("database", c.Database.Enabled),
		slog.Bool("redis", c.Redis.Enabled),
		slog.String("embedding_provider", c.Embedding.Provider),
		slog.String("embedding_model", c.Embedding.Model),
		slog.String("default_currency", c.Site.DefaultCurrency),
	)
}

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
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
