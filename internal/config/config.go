// Package config loads the server configuration from the environment.
// An optional .env file in the working directory is read first.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

// Config is the process-wide server configuration.
type Config struct {
	Port        string
	Env         string
	NodeID      string
	DatabaseDSN string

	// RedisAddr enables presence and cross-node fan-out when not empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret     string
	TokenTTLHours int

	// TelegramBotToken enables the Telegram transport when not empty.
	TelegramBotToken string

	PairingMaxAttempts int
	QueueOrder         string

	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load reads the configuration. Invalid numeric values fall back to defaults.
func Load() Config {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	redisDB, err := strconv.Atoi(os.Getenv("REDIS_DB"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}

	var origins []string
	for _, o := range strings.Split(getenv("ALLOWED_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return Config{
		Port:               getenv("APP_PORT", "8080"),
		Env:                getenv("APP_ENV", "dev"),
		NodeID:             getenv("NODE_ID", hostname),
		DatabaseDSN:        getenv("DATABASE_DSN", "host=localhost user=user password=password dbname=roastarena port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            redisDB,
		JWTSecret:          getenv("JWT_SECRET", defaultJWTSecret),
		TokenTTLHours:      getenvInt("TOKEN_TTL_HOURS", 72),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		PairingMaxAttempts: getenvInt("PAIRING_MAX_ATTEMPTS", DefaultPairingMaxAttempts),
		QueueOrder:         strings.ToLower(getenv("QUEUE_ORDER", QueueOrderOldest)),
		AllowedOrigins:     origins,
		RateLimitRPS:       getenvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getenvInt("RATE_LIMIT_BURST", 20),
	}
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.QueueOrder != QueueOrderOldest && cfg.QueueOrder != QueueOrderNewest {
		return errors.New("QUEUE_ORDER must be oldest or newest")
	}
	return nil
}
