package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Env             string        // dev, prod
	HTTPPort        string        // default 8080
	StoreDriver     string        // postgres, mongo, memory
	PostgresDSN     string        // required for postgres
	PostgresMaxConn int           // pool size, default 20
	MongoURI        string        // required for mongo
	MongoDatabase   string        // default telehealth
	RunMigrations   bool          // apply goose migrations on api-server start
	RedisAddr       string        // host:port, empty disables redis
	RedisUsername   string        // redis username
	RedisPassword   string        // redis password
	RedisDB         int           // logical database, from REDIS_URL path
	RedisTLS        bool          // set by a rediss:// REDIS_URL
	AMQPURL         string        // empty logs emails instead of queueing them
	JWTSecret       string        // HMAC key for bearer tokens
	JWTIssuer       string        // expected iss claim
	LockTTL         time.Duration // how long a Redis slot lock lives
	ShutdownTimeout time.Duration // graceful shutdown timeout
	WorkerInterval  time.Duration // how often the reminder worker runs
	DispatchTimeout time.Duration // budget for one notification/email send
	BookingWindow   time.Duration // default range of the available-dates search
	AllowedOrigins  []string      // browser origins allowed on the websocket besides the api host
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		PostgresMaxConn: getInt("POSTGRES_MAX_CONNS", 20),
		MongoURI:        os.Getenv("MONGO_URI"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "telehealth"),
		RunMigrations:   getBool("RUN_MIGRATIONS", false),
		AMQPURL:         os.Getenv("AMQP_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTIssuer:       getEnv("JWT_ISSUER", "telehealth"),
		LockTTL:         getDuration("LOCK_TTL", 5*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		WorkerInterval:  getDuration("WORKER_INTERVAL", 15*time.Minute),
		DispatchTimeout: getDuration("DISPATCH_TIMEOUT", 10*time.Second),
		BookingWindow:   time.Duration(getInt("BOOKING_WINDOW_DAYS", 30)) * 24 * time.Hour,
		AllowedOrigins:  getList("ALLOWED_ORIGINS"),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, errors.New("POSTGRES_DSN is required")
		}
	case DriverMongo:
		if cfg.MongoURI == "" {
			return Config{}, errors.New("MONGO_URI is required")
		}
	case DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL != "" {
		if err := parseRedisURL(redisURL, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
	} else {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		cfg.RedisUsername = getEnv("REDIS_USERNAME", "")
		cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration for %s=%q, using default %s\n", key, v, def)
	}
	return def
}

func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		fmt.Fprintf(os.Stderr, "invalid integer for %s=%q, using default %d\n", key, v, def)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		fmt.Fprintf(os.Stderr, "invalid bool for %s=%q, using default %t\n", key, v, def)
	}
	return def
}

// parseRedisURL reads redis[s]://user:password@host:port/db into cfg.
func parseRedisURL(raw string, cfg *Config) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "redis":
	case "rediss":
		cfg.RedisTLS = true
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	cfg.RedisAddr = u.Host

	if u.User != nil {
		cfg.RedisUsername = u.User.Username()
		cfg.RedisPassword, _ = u.User.Password()
	}

	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid database %q", db)
		}
		cfg.RedisDB = n
	}
	return nil
}
