package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	for _, key := range []string{"PORT", "GRPC_PORT", "NATS_URL", "GENERATION_LOCK_TTL", "DB_MAX_CONNS", "DB_MIN_CONNS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 5*time.Minute, cfg.Redis.LockTTL)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("GRPC_PORT", "9001")
	t.Setenv("DB_MAX_CONNS", "7")
	t.Setenv("DB_MIN_CONNS", "1")
	t.Setenv("SERVER_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9001, cfg.Server.GRPCPort)
	assert.Equal(t, int32(7), cfg.Database.MaxConns)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 0.0001)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "DB_DRIVER"},
		{name: "same ports", mutate: func(c *Config) { c.Server.GRPCPort = c.Server.Port }, wantErr: "must differ"},
		{name: "port range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid PORT"},
		{name: "pool bounds", mutate: func(c *Config) { c.Database.MinConns = 50 }, wantErr: "DB_MIN_CONNS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{Port: 8086, GRPCPort: 9086},
				Database: DatabaseConfig{Driver: "postgres", MaxConns: 10, MinConns: 1},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "books", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=books sslmode=require", c.DSN())
}
