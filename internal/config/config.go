package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds everything the crash service needs at startup.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Game     GameConfig
	Seed     SeedConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	AllowBalanceSet  bool // exposes the balance top-up route, dev only
	RateLimitPerMin  int
	ShutdownDeadline time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Schema   string
}

// GameConfig carries round timing and bet limits. Money is in minor units,
// multipliers are x100 fixed point.
type GameConfig struct {
	PreRollDelay     time.Duration
	BettingWindow    time.Duration
	BlockingPoll     time.Duration
	BlockingMaxPolls int
	TickInterval     time.Duration
	EndDelay         time.Duration
	GrowthRate       float64
	MinBet           int64
	MaxBet           int64
	MaxProfit        int64
	MinAutoCashOut   int64
	MaxCrashPoint    int64
	BalanceTimeout   time.Duration
	StoreTimeout     time.Duration
}

type SeedConfig struct {
	Source  string // "server" or "http"
	URL     string
	Timeout time.Duration
	Retry   time.Duration // total retry window before an alarm is raised
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	// AllowDevSecret falls back to devJWTSecret when JWT_SECRET is unset.
	// Local development only.
	AllowDevSecret bool
}

const devJWTSecret = "dev-secret-change-me"

var ErrJWTSecretRequired = errors.New("config: JWT_SECRET is required (set ALLOW_DEV_JWT_SECRET=true for local development)")

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads the configuration from the environment (and .env, if present).
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             getEnv("PORT", "8080"),
			ReadTimeout:      getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:     getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			AllowBalanceSet:  getEnvBool("ALLOW_BALANCE_SET", false),
			RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MIN", 100),
			ShutdownDeadline: getEnvDuration("SHUTDOWN_DEADLINE", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			User:     getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			Password: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
			Name:     getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		},
		Game: LoadGameConfig(),
		Seed: SeedConfig{
			Source:  getEnv("SEED_SOURCE", "server"),
			URL:     getEnv("SEED_URL", "https://blockstream.info/api/blocks/tip/hash"),
			Timeout: getEnvDuration("SEED_TIMEOUT", 3*time.Second),
			Retry:   getEnvDuration("SEED_RETRY_WINDOW", 30*time.Second),
		},
		Auth: loadAuthConfig(),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
			File:   getEnv("LOG_FILE", ""),
		},
	}
}

func loadAuthConfig() AuthConfig {
	auth := AuthConfig{
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Issuer:         getEnv("JWT_ISSUER", ""),
		AllowDevSecret: getEnvBool("ALLOW_DEV_JWT_SECRET", false),
	}
	if auth.JWTSecret == "" && auth.AllowDevSecret {
		auth.JWTSecret = devJWTSecret
	}
	return auth
}

// Validate rejects settings the service must not start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrJWTSecretRequired
	}
	return nil
}

// LoadGameConfig reads only the round settings.
func LoadGameConfig() GameConfig {
	return GameConfig{
		PreRollDelay:     getEnvDuration("GAME_PREROLL_DELAY", 2*time.Second),
		BettingWindow:    getEnvDuration("GAME_BETTING_WINDOW", 5*time.Second),
		BlockingPoll:     getEnvDuration("GAME_BLOCKING_POLL", 100*time.Millisecond),
		BlockingMaxPolls: getEnvInt("GAME_BLOCKING_MAX_POLLS", 50),
		TickInterval:     getEnvDuration("GAME_TICK_INTERVAL", 150*time.Millisecond),
		EndDelay:         getEnvDuration("GAME_END_DELAY", 3*time.Second),
		GrowthRate:       getEnvFloat("GAME_GROWTH_RATE", 0.00006),
		MinBet:           getEnvInt64("GAME_MIN_BET", 100),
		MaxBet:           getEnvInt64("GAME_MAX_BET", 1_000_000),
		MaxProfit:        getEnvInt64("GAME_MAX_PROFIT", 100_000_000),
		MinAutoCashOut:   getEnvInt64("GAME_MIN_AUTO_CASHOUT", 101),
		MaxCrashPoint:    getEnvInt64("GAME_MAX_CRASH_POINT", 100_000_000),
		BalanceTimeout:   getEnvDuration("GAME_BALANCE_TIMEOUT", 2*time.Second),
		StoreTimeout:     getEnvDuration("GAME_STORE_TIMEOUT", 3*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
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
