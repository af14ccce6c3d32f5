// Package config holds the settings shared by every velocast command.
// Each field is bound to a flag and an environment variable.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/velocast/internal/httputil"
	"github.com/lox/velocast/internal/schedule"
	"github.com/lox/velocast/internal/source"
	"github.com/lox/velocast/internal/store"
)

const (
	TrafficEcoCounter = "ecocounter"
	WeatherOpenMeteo  = "open-meteo"
	SourceCSV         = "csv"
)

type Config struct {
	DatabaseDriver string `name:"database-driver" env:"DATABASE_DRIVER" default:"sqlite" help:"Database driver (sqlite or postgres)."`
	DatabaseURL    string `name:"database-url" env:"DATABASE_URL" default:"data/velocast.db" help:"Database DSN or SQLite path."`

	ModelDir     string `name:"model-dir" env:"MODEL_DIR" default:"models" help:"Directory holding model artifacts."`
	ModelVersion string `name:"model-version" env:"MODEL_VERSION" default:"v1" help:"Artifact version tag."`

	Timezone      string  `name:"timezone" env:"TIMEZONE" default:"Europe/Paris" help:"Timezone defining calendar days and schedules."`
	CityLatitude  float64 `name:"city-latitude" env:"CITY_LATITUDE" default:"43.6107" help:"Latitude used for city-wide weather."`
	CityLongitude float64 `name:"city-longitude" env:"CITY_LONGITUDE" default:"3.8767" help:"Longitude used for city-wide weather."`

	TrafficSource string `name:"traffic-source" env:"TRAFFIC_SOURCE" default:"ecocounter" help:"Traffic and station source (ecocounter or csv)."`
	WeatherSource string `name:"weather-source" env:"WEATHER_SOURCE" default:"open-meteo" help:"Historical weather source (open-meteo or csv)."`
	CSVDir        string `name:"csv-dir" env:"CSV_DIR" default:"data/archive" help:"Directory of exported CSV files for csv sources."`

	EcoCounterURL        string `name:"ecocounter-url" env:"ECOCOUNTER_URL" default:"https://portail-api-data.montpellier3m.fr" help:"Eco-Counter API base URL."`
	OpenMeteoForecastURL string `name:"open-meteo-forecast-url" env:"OPEN_METEO_FORECAST_URL" default:"https://api.open-meteo.com/v1/forecast" help:"Open-Meteo forecast endpoint."`
	OpenMeteoArchiveURL  string `name:"open-meteo-archive-url" env:"OPEN_METEO_ARCHIVE_URL" default:"https://archive-api.open-meteo.com/v1/archive" help:"Open-Meteo archive endpoint."`
	NominatimURL         string `name:"nominatim-url" env:"NOMINATIM_URL" default:"https://nominatim.openstreetmap.org/reverse" help:"Nominatim reverse geocoding endpoint."`
	GeocodingEnabled     bool   `name:"geocoding" env:"GEOCODING_ENABLED" default:"true" negatable:"" help:"Name new stations by reverse geocoding."`

	HTTPTimeout    time.Duration `name:"http-timeout" env:"HTTP_TIMEOUT" default:"30s" help:"Per-request upstream timeout."`
	HTTPMaxRetries uint64        `name:"http-max-retries" env:"HTTP_MAX_RETRIES" default:"4" help:"Retries after a failed upstream request."`
	Workers        int           `name:"workers" env:"WORKERS" default:"8" help:"Concurrent station lookups and grid search fits."`

	DailySchedule   string `name:"daily-schedule" env:"DAILY_SCHEDULE" default:"0 8 * * *" help:"Cron expression of the daily run."`
	MonthlySchedule string `name:"monthly-schedule" env:"MONTHLY_SCHEDULE" default:"0 2 1 * *" help:"Cron expression of the monthly retrain."`
	MetricsAddr     string `name:"metrics-addr" env:"METRICS_ADDR" default:":9090" help:"Listen address of /metrics in schedule mode."`

	EvalWindowDays   int `name:"eval-window-days" env:"EVAL_WINDOW_DAYS" default:"60" help:"Days held out for evaluation when no cutoff is given."`
	RawRetentionDays int `name:"raw-retention-days" env:"RAW_RETENTION_DAYS" default:"90" help:"Days raw upstream payloads are kept; 0 keeps them forever."`

	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level."`
	LogFormat string `name:"log-format" env:"LOG_FORMAT" default:"json" help:"Log format (json or console)."`
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.ModelVersion == "" {
		errs = append(errs, errors.New("model version is required"))
	}
	switch c.TrafficSource {
	case TrafficEcoCounter, SourceCSV:
	default:
		errs = append(errs, fmt.Errorf("unknown traffic source %q", c.TrafficSource))
	}
	switch c.WeatherSource {
	case WeatherOpenMeteo, SourceCSV:
	default:
		errs = append(errs, fmt.Errorf("unknown weather source %q", c.WeatherSource))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.EvalWindowDays <= 0 {
		errs = append(errs, errors.New("eval window must be positive"))
	}
	if c.RawRetentionDays < 0 {
		errs = append(errs, errors.New("raw retention cannot be negative"))
	}
	if err := schedule.Validate(c.DailySchedule); err != nil {
		errs = append(errs, fmt.Errorf("daily schedule: %w", err))
	}
	if err := schedule.Validate(c.MonthlySchedule); err != nil {
		errs = append(errs, fmt.Errorf("monthly schedule: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) HTTP() httputil.Config {
	return httputil.Config{
		Timeout:    c.HTTPTimeout,
		MaxRetries: c.HTTPMaxRetries,
	}
}

func (c *Config) OpenMeteo(url string) source.OpenMeteoConfig {
	return source.OpenMeteoConfig{
		URL:       url,
		Latitude:  c.CityLatitude,
		Longitude: c.CityLongitude,
		Timezone:  c.Timezone,
		HTTP:      c.HTTP(),
	}
}
