package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Accumulator.TickInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Accumulator.MinElapsed)
	assert.Equal(t, "end_of_interval", cfg.Accumulator.RateAttribution)
	assert.Equal(t, 10, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Resilience.BreakerWindow)
	assert.Equal(t, 60*time.Second, cfg.Resilience.BreakerCooldown)
	assert.Equal(t, 7, cfg.Shift.DayStartHour)
	assert.Equal(t, 19, cfg.Shift.NightStartHour)
	assert.Equal(t, []string{"redis"}, cfg.Broadcast.Transports)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("BREAKER_THRESHOLD", "3")
	t.Setenv("BROADCAST_TRANSPORTS", "redis, mqtt ,kafka")
	t.Setenv("SHIFT_TEAM_OFFSETS", "A:0,B:3")
	t.Setenv("RATE_ATTRIBUTION", "segmented")
	t.Setenv("EXIT_ON_FAULT", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Accumulator.TickInterval)
	assert.Equal(t, 3, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, []string{"redis", "mqtt", "kafka"}, cfg.Broadcast.Transports)
	assert.Equal(t, map[string]int{"A": 0, "B": 3}, cfg.Shift.TeamOffsets)
	assert.Equal(t, "segmented", cfg.Accumulator.RateAttribution)
	assert.False(t, cfg.Resilience.ExitOnFault)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  host: yaml-host
  database: plant
accumulator:
  tick_interval: 2s
shift:
  epoch: "2023-06-01"
  team_offsets:
    A: 0
    C: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DB_NAME", "plant-override")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "yaml-host", cfg.Database.Host)
	assert.Equal(t, "plant-override", cfg.Database.Database)
	assert.Equal(t, 2*time.Second, cfg.Accumulator.TickInterval)
	assert.Equal(t, "2023-06-01", cfg.Shift.Epoch)
	assert.Equal(t, 6, cfg.Shift.TeamOffsets["C"])
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("bad attribution", func(t *testing.T) {
		t.Setenv("RATE_ATTRIBUTION", "weighted")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad epoch", func(t *testing.T) {
		t.Setenv("SHIFT_EPOCH", "01/01/2024")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad team offsets", func(t *testing.T) {
		t.Setenv("SHIFT_TEAM_OFFSETS", "A=3")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")
	assert.Equal(t, "test-value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default-value", getEnv("NON_EXISTENT_VAR_FOR_TEST", "default-value"))
}
