package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sunminimart/backend/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// User is a login configured through AUTH_USERS.
type User struct {
	Username     string
	Role         string
	PasswordHash string
}

type Config struct {
	Port                  string
	AllowedOrigin         string
	DBDriver              string
	DatabaseURL           string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBConnMaxLifetime     time.Duration
	MigrateOnStart        bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ProductCacheTTL       time.Duration
	IdempotencyTTL        time.Duration
	VATRate               decimal.Decimal
	SaleTimeout           time.Duration
	LockTimeout           time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	Users                 []User
	LogLevel              string
}

func Load() (Config, error) {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DBDriver:              strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        getPositiveInt("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns:        getPositiveInt("DB_MAX_IDLE_CONNS", 8),
		DBConnMaxLifetime:     time.Duration(getPositiveInt("DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		MigrateOnStart:        getBool("MIGRATE_ON_START", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		ProductCacheTTL:       time.Duration(getPositiveInt("PRODUCT_CACHE_TTL_SECONDS", 300)) * time.Second,
		IdempotencyTTL:        time.Duration(getPositiveInt("IDEMPOTENCY_TTL_MINUTES", 1440)) * time.Minute,
		SaleTimeout:           time.Duration(getPositiveInt("SALE_TIMEOUT_MS", 10000)) * time.Millisecond,
		LockTimeout:           time.Duration(getPositiveInt("LOCK_TIMEOUT_MS", 2000)) * time.Millisecond,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.DBDriver {
	case DriverPostgres, DriverMySQL, DriverMemory:
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of postgres, mysql, memory; got %q", cfg.DBDriver)
	}

	vatRate, err := decimal.NewFromString(getEnv("VAT_RATE", "0.07"))
	if err != nil {
		return Config{}, fmt.Errorf("VAT_RATE: %w", err)
	}
	if vatRate.IsNegative() || vatRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("VAT_RATE must be in [0, 1), got %s", vatRate)
	}
	cfg.VATRate = vatRate

	users, err := parseUsers(os.Getenv("AUTH_USERS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Users = users

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// parseUsers reads "name:role:bcrypt-hash" entries separated by commas.
func parseUsers(raw string) ([]User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	users := make([]User, 0, 4)
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("AUTH_USERS entry %q must be name:role:bcrypt-hash", redact(entry))
		}
		role := strings.ToLower(parts[1])
		if role != domain.RoleAdmin && role != domain.RoleCashier {
			return nil, fmt.Errorf("AUTH_USERS entry for %q has unknown role %q", parts[0], parts[1])
		}
		if _, dup := seen[parts[0]]; dup {
			return nil, fmt.Errorf("AUTH_USERS lists %q twice", parts[0])
		}
		seen[parts[0]] = struct{}{}
		users = append(users, User{Username: parts[0], Role: role, PasswordHash: parts[2]})
	}
	return users, nil
}

func redact(entry string) string {
	if i := strings.LastIndex(entry, ":"); i >= 0 {
		return entry[:i] + ":***"
	}
	return entry
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
