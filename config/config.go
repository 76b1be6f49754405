package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Scheduler   SchedulerConfig
	Scraper     ScraperConfig
	GoogleBooks GoogleBooksConfig
	Memcache    MemcacheConfig
	Redis       RedisConfig
	S3          S3Config
	DBPath      string
	DatabaseURL string
	LogLevel    string
	HTTPAddr    string
	StoresDir   string
	Stores      map[int64]*StoreConfig
}

type SchedulerConfig struct {
	ScrapeCron    string
	AggregateCron string
	Interval      time.Duration
}

type ScraperConfig struct {
	StoreDelayMS  int
	ItemLimit     int
	ScoringPolicy string
	Headless      bool
}

type GoogleBooksConfig struct {
	APIKey    string
	BatchSize int
	Interval  time.Duration
}

type MemcacheConfig struct {
	Addr string
}

type RedisConfig struct {
	Addr   string
	DB     int
	Stream string
}

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.Region != ""
}

// StoreConfig describes one storefront and how to extract its rankings
type StoreConfig struct {
	ID         int64             `yaml:"id"`
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Handler    string            `yaml:"handler"`
	Disabled   bool              `yaml:"disabled"`
	Light      bool              `yaml:"light"`
	Pages      int               `yaml:"pages"`
	PageParam  string            `yaml:"page_param"`
	Delay      DelayConfig       `yaml:"delay"`
	Categories map[string]string `yaml:"categories"`
	Selectors  Selectors         `yaml:"selectors"`
	Detail     DetailSelectors   `yaml:"detail"`
	Render     RenderConfig      `yaml:"render"`
}

// DelayConfig overrides the politeness delay before each list request
type DelayConfig struct {
	MinMS int `yaml:"min_ms"`
	MaxMS int `yaml:"max_ms"`
}

type Selectors struct {
	Item           string `yaml:"item"`
	Rank           string `yaml:"rank"`
	Title          string `yaml:"title"`
	Author         string `yaml:"author"`
	FreeChapters   string `yaml:"free_chapters"`
	FreeBooks      string `yaml:"free_books"`
	Link           string `yaml:"link"`
	FirstBookTitle string `yaml:"first_book_title"`
	BaseURL        string `yaml:"base_url"`
}

type DetailSelectors struct {
	Author         string `yaml:"author"`
	FreeBooks      string `yaml:"free_books"`
	FirstBookTitle string `yaml:"first_book_title"`
}

type RenderConfig struct {
	WaitSelector string `yaml:"wait_selector"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Scheduler: SchedulerConfig{
			ScrapeCron:    getEnv("SCRAPE_CRON", "0 3 * * *"),
			AggregateCron: getEnv("AGGREGATE_CRON", "0 5 * * *"),
		},
		Scraper: ScraperConfig{
			StoreDelayMS:  getEnvInt("STORE_DELAY_MS", 5000),
			ItemLimit:     getEnvInt("ITEM_LIMIT", 100),
			ScoringPolicy: getEnv("SCORING_POLICY", "tiered"),
			Headless:      getEnv("PLAYWRIGHT_HEADLESS", "true") != "false",
		},
		GoogleBooks: GoogleBooksConfig{
			APIKey:    os.Getenv("GOOGLE_BOOKS_API_KEY"),
			BatchSize: getEnvInt("ENRICH_BATCH_SIZE", 20),
			Interval:  getEnvDuration("ENRICH_INTERVAL", 6*time.Hour),
		},
		Memcache: MemcacheConfig{
			Addr: os.Getenv("MEMCACHE_ADDR"),
		},
		Redis: RedisConfig{
			Addr:   os.Getenv("REDIS_ADDR"),
			DB:     getEnvInt("REDIS_DB", 0),
			Stream: getEnv("REDIS_STREAM", "manga:rankings"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          os.Getenv("S3_REGION"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		DBPath:      getEnv("DB_PATH", "manga.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		StoresDir:   getEnv("STORES_DIR", "config/stores"),
		Stores:      make(map[int64]*StoreConfig),
	}

	cfg.Scheduler.Interval = getEnvDuration("SCRAPE_INTERVAL", 0)

	stores, err := LoadStoreConfigs(cfg.StoresDir)
	if err != nil {
		return nil, err
	}
	cfg.Stores = stores

	return cfg, nil
}

// LoadStoreConfigs reads every *.yaml file in dir. A missing dir yields no stores.
func LoadStoreConfigs(dir string) (map[int64]*StoreConfig, error) {
	stores := make(map[int64]*StoreConfig)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stores, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var store StoreConfig
		if err := yaml.Unmarshal(data, &store); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if store.ID == 0 {
			return nil, fmt.Errorf("%s: store id is required", path)
		}
		if _, dup := stores[store.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate store id %d", path, store.ID)
		}

		stores[store.ID] = &store
	}

	return stores, nil
}

// StoreIDs returns the configured store ids in ascending order
func (c *Config) StoreIDs() []int64 {
	ids := make([]int64, 0, len(c.Stores))
	for id := range c.Stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Config) StoreDelay() time.Duration {
	return time.Duration(c.Scraper.StoreDelayMS) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
