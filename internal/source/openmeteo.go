package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/httputil"
	"github.com/lox/velocast/internal/models"
)

const (
	DefaultOpenMeteoArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
	DefaultOpenMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"

	openMeteoSource = "open-meteo"
	dailyVariables  = "temperature_2m_mean,precipitation_sum,wind_speed_10m_max"
)

// OpenMeteo reads city-wide daily weather for one coordinate. The same
// client serves the historical archive and the forecast endpoint.
type OpenMeteo struct {
	client   *httputil.Client
	endpoint string
	name     string
	lat      float64
	lon      float64
	timezone string
	archive  Archiver
	logger   *zap.Logger
}

type OpenMeteoConfig struct {
	URL       string
	Latitude  float64
	Longitude float64
	Timezone  string
	HTTP      httputil.Config
}

func NewOpenMeteoArchive(cfg OpenMeteoConfig, archive Archiver, logger *zap.Logger) *OpenMeteo {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenMeteoArchiveURL
	}
	return newOpenMeteo("archive", cfg, archive, logger)
}

func NewOpenMeteoForecast(cfg OpenMeteoConfig, archive Archiver, logger *zap.Logger) *OpenMeteo {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenMeteoForecastURL
	}
	return newOpenMeteo("forecast", cfg, archive, logger)
}

func newOpenMeteo(name string, cfg OpenMeteoConfig, archive Archiver, logger *zap.Logger) *OpenMeteo {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Europe/Paris"
	}
	return &OpenMeteo{
		client:   httputil.New(openMeteoSource, cfg.HTTP),
		endpoint: cfg.URL,
		name:     name,
		lat:      cfg.Latitude,
		lon:      cfg.Longitude,
		timezone: cfg.Timezone,
		archive:  archiverOrNop(archive),
		logger:   logger.Named("openmeteo." + name),
	}
}

type dailyResponse struct {
	Daily struct {
		Time    []string   `json:"time"`
		AvgTemp []*float64 `json:"temperature_2m_mean"`
		Precip  []*float64 `json:"precipitation_sum"`
		WindMax []*float64 `json:"wind_speed_10m_max"`
	} `json:"daily"`
}

// Fetch returns one observation per day in the query range. Days the
// upstream has no complete values for are omitted.
func (o *OpenMeteo) Fetch(ctx context.Context, q Query) ([]models.WeatherObservation, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(o.lat, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(o.lon, 'f', 4, 64))
	params.Set("start_date", models.FormatDay(q.Start))
	params.Set("end_date", models.FormatDay(q.End))
	params.Set("daily", dailyVariables)
	params.Set("timezone", o.timezone)

	sep := "?"
	if strings.Contains(o.endpoint, "?") {
		sep = "&"
	}

	var resp dailyResponse
	body, err := o.client.GetJSON(ctx, o.endpoint+sep+params.Encode(), &resp)
	if len(body) > 0 {
		o.archive.Archive(ctx, openMeteoSource, o.name, nil, body)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s weather: %w", o.name, err)
	}

	d := resp.Daily
	if len(d.AvgTemp) != len(d.Time) || len(d.Precip) != len(d.Time) || len(d.WindMax) != len(d.Time) {
		return nil, fmt.Errorf("fetch %s weather: daily arrays have mismatched lengths", o.name)
	}

	out := make([]models.WeatherObservation, 0, len(d.Time))
	var incomplete int
	for i, ts := range d.Time {
		date, err := models.ParseDay(ts)
		if err != nil {
			return nil, fmt.Errorf("fetch %s weather: day %d: %w", o.name, i, err)
		}
		if d.AvgTemp[i] == nil || d.Precip[i] == nil || d.WindMax[i] == nil {
			incomplete++
			continue
		}
		out = append(out, models.WeatherObservation{
			Date:            date,
			AvgTemp:         *d.AvgTemp[i],
			PrecipitationMM: *d.Precip[i],
			WindMax:         *d.WindMax[i],
		})
	}
	if incomplete > 0 {
		o.logger.Warn("upstream returned incomplete days", zap.Int("days", incomplete))
	}
	return out, nil
}
