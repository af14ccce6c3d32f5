package config

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) Config {
	t.Helper()
	var cli struct {
		Config `embed:""`
	}
	p, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("kong exited") }))
	require.NoError(t, err)
	_, err = p.Parse(args)
	require.NoError(t, err)
	return cli.Config
}

func TestDefaults(t *testing.T) {
	cfg := parse(t)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "v1", cfg.ModelVersion)
	assert.Equal(t, "Europe/Paris", cfg.Timezone)
	assert.Equal(t, 43.6107, cfg.CityLatitude)
	assert.Equal(t, "0 8 * * *", cfg.DailySchedule)
	assert.Equal(t, "0 2 1 * *", cfg.MonthlySchedule)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 60, cfg.EvalWindowDays)
	assert.True(t, cfg.GeocodingEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestEnvAndFlags(t *testing.T) {
	t.Setenv("WORKERS", "3")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/velocast")

	cfg := parse(t, "--no-geocoding", "--http-timeout=5s")
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.False(t, cfg.GeocodingEnabled)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5*time.Second, cfg.HTTP().Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "database driver"},
		{"traffic source", func(c *Config) { c.TrafficSource = "ftp" }, "traffic source"},
		{"weather source", func(c *Config) { c.WeatherSource = "bom" }, "weather source"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"timeout", func(c *Config) { c.HTTPTimeout = 0 }, "http timeout"},
		{"daily schedule", func(c *Config) { c.DailySchedule = "daily" }, "daily schedule"},
		{"monthly schedule", func(c *Config) { c.MonthlySchedule = "* *" }, "monthly schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parse(t)
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
