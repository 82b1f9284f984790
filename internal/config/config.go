package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	StorageDriver  string
	MySQLDSN       string
	SQLitePath     string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// RedisAddr empty runs without Redis: in-process key locks, no idempotency.
	RedisAddr string
	LockTTL   time.Duration

	LogLevel string

	// SeedDemo creates two sample products with opening stock on an empty catalog.
	SeedDemo bool
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getenv("GRPC_ADDR", ":50051"),
		StorageDriver: getenv("STORAGE_DRIVER", DriverSQLite),
		MySQLDSN:      getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/lotledger"),
		SQLitePath:    getenv("SQLITE_PATH", "lotledger.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxOpenConns, err = intEnv("DB_MAX_OPEN_CONNS", 50); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxIdleConns, err = intEnv("DB_MAX_IDLE_CONNS", 25); err != nil {
		return Config{}, err
	}
	if cfg.SeedDemo, err = boolEnv("SEED_DEMO", false); err != nil {
		return Config{}, err
	}

	switch cfg.StorageDriver {
	case DriverMySQL, DriverSQLite, DriverMemory:
	default:
		return Config{}, fmt.Errorf("STORAGE_DRIVER: unknown driver %q", cfg.StorageDriver)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
