package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/models"
)

const (
	StationsFile = "stations_metadata.csv"
	TrafficFile  = "traffic_history.csv"
	WeatherFile  = "weather_history.csv"
)

// CSV reads exported stations, traffic and weather from a directory.
type CSV struct {
	dir    string
	logger *zap.Logger
}

func NewCSV(dir string, logger *zap.Logger) *CSV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSV{dir: dir, logger: logger.Named("csv")}
}

func (c *CSV) Stations() Source[models.Station] {
	return Func[models.Station](func(ctx context.Context, _ Query) ([]models.Station, error) {
		var out []models.Station
		err := c.read(ctx, StationsFile, []string{"station_id", "latitude", "longitude"}, func(rec record) error {
			lat, err := rec.float("latitude")
			if err != nil {
				return err
			}
			lon, err := rec.float("longitude")
			if err != nil {
				return err
			}
			out = append(out, models.Station{
				StationID: rec.get("station_id"),
				Name:      rec.get("name"),
				Latitude:  lat,
				Longitude: lon,
			})
			return nil
		})
		return out, err
	})
}

func (c *CSV) Traffic() Source[models.IntensitySample] {
	return Func[models.IntensitySample](func(ctx context.Context, q Query) ([]models.IntensitySample, error) {
		var out []models.IntensitySample
		err := c.read(ctx, TrafficFile, []string{"station_id", "date", "intensity"}, func(rec record) error {
			id := rec.get("station_id")
			if len(q.StationIDs) > 0 && !slices.Contains(q.StationIDs, id) {
				return nil
			}
			ts, err := parseTimestamp(rec.get("date"))
			if err != nil {
				return err
			}
			if !inRange(ts, q) {
				return nil
			}
			v, err := rec.float("intensity")
			if err != nil {
				return err
			}
			out = append(out, models.IntensitySample{StationID: id, Timestamp: ts, Intensity: v})
			return nil
		})
		return out, err
	})
}

func (c *CSV) Weather() Source[models.WeatherObservation] {
	return Func[models.WeatherObservation](func(ctx context.Context, q Query) ([]models.WeatherObservation, error) {
		var out []models.WeatherObservation
		err := c.read(ctx, WeatherFile, []string{"date", "avg_temp", "precipitation_mm", "wind_max"}, func(rec record) error {
			d, err := models.ParseDay(rec.get("date"))
			if err != nil {
				return err
			}
			if !inRange(d, q) {
				return nil
			}
			w := models.WeatherObservation{Date: d}
			if w.AvgTemp, err = rec.float("avg_temp"); err != nil {
				return err
			}
			if w.PrecipitationMM, err = rec.float("precipitation_mm"); err != nil {
				return err
			}
			if w.WindMax, err = rec.float("wind_max"); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
		return out, err
	})
}

// Older exports use these header names.
var headerAliases = map[string]string{
	"precipitation": "precipitation_mm",
	"max_vent":      "wind_max",
}

type record struct {
	cols   map[string]int
	fields []string
}

func (r record) get(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r record) float(name string) (float64, error) {
	v, err := strconv.ParseFloat(r.get(name), 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", name, err)
	}
	return v, nil
}

func (c *CSV) read(ctx context.Context, name string, required []string, fn func(record) error) error {
	path := filepath.Join(c.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read %s header: %w", name, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if alias, ok := headerAliases[h]; ok {
			h = alias
		}
		cols[h] = i
	}
	for _, col := range required {
		if _, ok := cols[col]; !ok {
			return fmt.Errorf("%s: missing column %q", name, col)
		}
	}

	line := 1
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return fmt.Errorf("%s line %d: %w", name, line, err)
		}
		if err := fn(record{cols: cols, fields: fields}); err != nil {
			skipped++
			c.logger.Debug("skipping malformed row", zap.String("file", name), zap.Int("line", line), zap.Error(err))
		}
	}
	if skipped > 0 {
		c.logger.Warn("skipped malformed rows", zap.String("file", name), zap.Int("rows", skipped))
	}
	return nil
}

func inRange(t time.Time, q Query) bool {
	d := models.Day(t)
	if !q.Start.IsZero() && d.Before(models.Day(q.Start)) {
		return false
	}
	if !q.End.IsZero() && d.After(models.Day(q.End)) {
		return false
	}
	return true
}
