package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/httputil"
	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/models"
)

const (
	DefaultEcoCounterURL = "https://portail-api-data.montpellier3m.fr"

	ecoCounterSource = "ecocounter"
	stationURNPrefix = "urn:ngsi-ld:EcoCounter:"
	registryLimit    = 1000
)

// EcoCounter reads the city's counter registry and per-counter intensity series.
type EcoCounter struct {
	client  *httputil.Client
	baseURL string
	archive Archiver
	logger  *zap.Logger
}

func NewEcoCounter(baseURL string, cfg httputil.Config, archive Archiver, logger *zap.Logger) *EcoCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultEcoCounterURL
	}
	return &EcoCounter{
		client:  httputil.New(ecoCounterSource, cfg),
		baseURL: strings.TrimRight(baseURL, "/"),
		archive: archiverOrNop(archive),
		logger:  logger.Named("ecocounter"),
	}
}

type registryEntity struct {
	ID       string `json:"id"`
	Location *struct {
		Value struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"value"`
	} `json:"location"`
}

type timeseriesResponse struct {
	Index  []string   `json:"index"`
	Values []*float64 `json:"values"`
}

// Stations returns the counter registry as a Source. The query is ignored.
func (e *EcoCounter) Stations() Source[models.Station] {
	return Func[models.Station](e.fetchStations)
}

// Traffic returns the raw intensity series of the queried stations.
func (e *EcoCounter) Traffic() Source[models.IntensitySample] {
	return Func[models.IntensitySample](e.fetchTraffic)
}

func (e *EcoCounter) fetchStations(ctx context.Context, _ Query) ([]models.Station, error) {
	endpoint := "ecocounter"
	u := fmt.Sprintf("%s/%s?limit=%d", e.baseURL, endpoint, registryLimit)

	var entities []registryEntity
	body, err := e.client.GetJSON(ctx, u, &entities)
	if len(body) > 0 {
		e.archive.Archive(ctx, ecoCounterSource, endpoint, nil, body)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch station registry: %w", err)
	}

	stations := make([]models.Station, 0, len(entities))
	for _, ent := range entities {
		if ent.ID == "" {
			continue
		}
		st := models.Station{StationID: ent.ID}
		// GeoJSON order is longitude, latitude.
		if ent.Location != nil && len(ent.Location.Value.Coordinates) >= 2 {
			st.Longitude = ent.Location.Value.Coordinates[0]
			st.Latitude = ent.Location.Value.Coordinates[1]
		}
		stations = append(stations, st)
	}
	e.logger.Info("fetched station registry", zap.Int("stations", len(stations)))
	return stations, nil
}

func (e *EcoCounter) fetchTraffic(ctx context.Context, q Query) ([]models.IntensitySample, error) {
	var out []models.IntensitySample
	failed := 0
	for i, id := range q.StationIDs {
		samples, err := e.fetchStationSeries(ctx, id, q.Start, q.End)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			metrics.StationsSkipped.WithLabelValues(metrics.SkipUpstreamError).Inc()
			e.logger.Warn("skipping station after fetch failure",
				zap.String("station", id),
				zap.Int("index", i+1),
				zap.Int("total", len(q.StationIDs)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, samples...)
	}
	e.logger.Info("fetched traffic",
		zap.Int("stations", len(q.StationIDs)-failed),
		zap.Int("failed", failed),
		zap.Int("samples", len(out)),
	)
	return out, nil
}

func (e *EcoCounter) fetchStationSeries(ctx context.Context, stationID string, start, end time.Time) ([]models.IntensitySample, error) {
	full := stationID
	if !strings.HasPrefix(full, "urn:") {
		full = stationURNPrefix + full
	}
	endpoint := "ecocounter_timeseries/" + url.PathEscape(full) + "/attrs/intensity"

	params := url.Values{}
	params.Set("fromDate", models.FormatDay(start))
	params.Set("toDate", models.FormatDay(end.AddDate(0, 0, 1)))
	u := e.baseURL + "/" + endpoint + "?" + params.Encode()

	var resp timeseriesResponse
	body, err := e.client.GetJSON(ctx, u, &resp)
	if len(body) > 0 {
		e.archive.Archive(ctx, ecoCounterSource, "ecocounter_timeseries", &stationID, body)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Index) != len(resp.Values) {
		return nil, fmt.Errorf("series length mismatch: %d timestamps, %d values", len(resp.Index), len(resp.Values))
	}

	samples := make([]models.IntensitySample, 0, len(resp.Index))
	for i, ts := range resp.Index {
		if resp.Values[i] == nil {
			continue
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			e.logger.Debug("skipping unparsable timestamp", zap.String("station", stationID), zap.String("timestamp", ts))
			continue
		}
		samples = append(samples, models.IntensitySample{
			StationID: stationID,
			Timestamp: t,
			Intensity: *resp.Values[i],
		})
	}
	return samples, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, nil
	}
	if t, err := models.ParseDay(s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
