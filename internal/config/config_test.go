package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("AUTH_USERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.Users)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DB_DRIVER", "VAT_RATE", "SALE_TIMEOUT_MS", "LOCK_TIMEOUT_MS", "DB_MAX_OPEN_CONNS", "MIGRATE_ON_START"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "0.07", cfg.VATRate.String())
	assert.Equal(t, 10*time.Second, cfg.SaleTimeout)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30, cfg.DBMaxOpenConns)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("SALE_TIMEOUT_MS", "soon")
	t.Setenv("DB_MAX_IDLE_CONNS", "-4")
	t.Setenv("MIGRATE_ON_START", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.SaleTimeout)
	assert.Equal(t, 8, cfg.DBMaxIdleConns)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "unknown driver", key: "DB_DRIVER", val: "sqlite"},
		{name: "vat not a number", key: "VAT_RATE", val: "seven"},
		{name: "vat too high", key: "VAT_RATE", val: "1.5"},
		{name: "negative vat", key: "VAT_RATE", val: "-0.1"},
		{name: "user without hash", key: "AUTH_USERS", val: "alice:admin"},
		{name: "unknown role", key: "AUTH_USERS", val: "alice:owner:$2a$10$abc"},
		{name: "duplicate user", key: "AUTH_USERS", val: "alice:admin:$2a$10$abc,alice:cashier:$2a$10$def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadParsesUsers(t *testing.T) {
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("AUTH_USERS", " alice:admin:$2a$10$abc , bob:Cashier:$2a$10$def ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, cfg.DBDriver)
	require.Len(t, cfg.Users, 2)
	assert.Equal(t, User{Username: "alice", Role: "admin", PasswordHash: "$2a$10$abc"}, cfg.Users[0])
	assert.Equal(t, "cashier", cfg.Users[1].Role)
}
