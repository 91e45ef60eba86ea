package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultFeedPath = "config/feed.yaml"

type Config struct {
	MLS        MLSConfig
	Supabase   SupabaseConfig
	Redis      RedisConfig
	S3         S3Config
	Scheduler  SchedulerConfig
	Refresh    RefreshConfig
	Revalidate RevalidateConfig
	Backend    string
	DBPath     string
	LogLevel   string
	LogFile    string
	Feed       FeedConfig
}

type MLSConfig struct {
	BaseURL    string
	Resource   string
	Token      string
	OUID       string
	UserAgent  string
	PageSize   int
	MaxRPS     int
	Timeout    time.Duration
	MaxPages   int
	OfficeName string
	OfficeID   string
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	DBURL      string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	Cron              string
	Interval          time.Duration
	MinManualInterval time.Duration
}

type RefreshConfig struct {
	BatchSize     int
	CacheDuration time.Duration
	LeaseTTL      time.Duration
}

type RevalidateConfig struct {
	URL    string
	Secret string
}

// FeedConfig is the YAML-driven part of the configuration.
type FeedConfig struct {
	Statuses []string                `yaml:"statuses"`
	Routes   []string                `yaml:"routes"`
	Rules    map[string][]RuleConfig `yaml:"rules"`
}

// RuleConfig describes one extraction rule for a logical property field.
type RuleConfig struct {
	Fields   []string `yaml:"fields"`
	SubTypes []string `yaml:"sub_types"`
	Sum      bool     `yaml:"sum"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MLS: MLSConfig{
			BaseURL:    getEnv("MLS_BASE_URL", "https://api.mlsaligned.com/reso/odata"),
			Resource:   getEnv("MLS_RESOURCE", "Property"),
			Token:      os.Getenv("MLS_TOKEN"),
			OUID:       os.Getenv("MLS_OUID"),
			UserAgent:  getEnv("MLS_USER_AGENT", "mlscache/1.0"),
			PageSize:   getEnvInt("MLS_PAGE_SIZE", 25),
			MaxRPS:     getEnvInt("MLS_MAX_RPS", 2),
			Timeout:    getEnvDuration("MLS_TIMEOUT", 30*time.Second),
			MaxPages:   getEnvInt("MLS_MAX_PAGES", 200),
			OfficeName: os.Getenv("BROKERAGE_OFFICE_NAME"),
			OfficeID:   os.Getenv("BROKERAGE_OFFICE_ID"),
		},
		Supabase: SupabaseConfig{
			URL:        os.Getenv("SUPABASE_URL"),
			ServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
			DBURL:      os.Getenv("SUPABASE_DB_URL"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Scheduler: SchedulerConfig{
			Cron:              os.Getenv("REFRESH_CRON"),
			Interval:          getEnvDuration("REFRESH_INTERVAL", 0),
			MinManualInterval: getEnvDuration("MANUAL_MIN_INTERVAL", 5*time.Minute),
		},
		Refresh: RefreshConfig{
			BatchSize:     getEnvInt("WRITE_BATCH_SIZE", 50),
			CacheDuration: getEnvDuration("CACHE_DURATION", 24*time.Hour),
			LeaseTTL:      getEnvDuration("LEASE_TTL", 15*time.Minute),
		},
		Revalidate: RevalidateConfig{
			URL:    os.Getenv("REVALIDATE_URL"),
			Secret: os.Getenv("REVALIDATE_SECRET"),
		},
		Backend:  strings.ToLower(getEnv("CACHE_BACKEND", "postgres")),
		DBPath:   getEnv("DB_PATH", "mlscache.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", "refresh.log"),
	}

	if cfg.MLS.PageSize <= 0 || cfg.MLS.PageSize > 25 {
		cfg.MLS.PageSize = 25
	}

	if err := cfg.loadFeed(getEnv("FEED_CONFIG", defaultFeedPath)); err != nil {
		return nil, err
	}
	if len(cfg.Feed.Statuses) == 0 {
		cfg.Feed.Statuses = []string{"Active", "Under Contract"}
	}

	return cfg, nil
}

func (c *Config) loadFeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, &c.Feed)
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
