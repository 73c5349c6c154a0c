package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	StoreDriver string
	SQLitePath  string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	TelegramBotToken    string
	TelegramChatID      string
	TelegramAlertChatID string
	NotifyRetries       int
	NotifyRetryDelay    time.Duration

	NATSURL     string
	NATSSubject string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	NotifyDedupTTL time.Duration

	ProductsFile string

	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int
	NavTimeout     time.Duration

	WatchdogMaxAge time.Duration

	CSVOutputPath string
	ChromeBin     string
	LogLevel      string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:  getEnv("CARDMARKET_DB_PATH", "./cardmarket.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tracker"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "tracker"),
		PostgresDB:       getEnv("POSTGRES_DB", "cardmarket"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramAlertChatID: getEnv("TELEGRAM_ALERT_CHAT_ID", ""),
		NotifyRetries:       getEnvInt("NOTIFY_RETRIES", 3),
		NotifyRetryDelay:    getEnvDuration("NOTIFY_RETRY_DELAY", 5*time.Second),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "cardmarket.alerts"),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		NotifyDedupTTL: getEnvDuration("NOTIFY_DEDUP_TTL", 24*time.Hour),

		ProductsFile: getEnv("PRODUCTS_FILE", ""),

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 1),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 2000),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		NavTimeout:     getEnvDuration("NAV_TIMEOUT", 60*time.Second),

		WatchdogMaxAge: getEnvDuration("WATCHDOG_MAX_AGE", 2*time.Hour),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", ""),
		ChromeBin:     getEnv("CHROME_BIN", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
