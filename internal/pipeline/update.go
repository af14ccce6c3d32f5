package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/ingest"
	"github.com/lox/velocast/internal/models"
	"github.com/lox/velocast/internal/source"
)

type UpdateResult struct {
	NewStations int
	Renamed     int
	Counts      int
	WeatherDays int
}

// Update loads the realised traffic and weather of day.
func (p *Pipeline) Update(ctx context.Context, day time.Time) (UpdateResult, error) {
	return p.load(ctx, models.Day(day), models.Day(day))
}

// Backfill loads stations and the full traffic and weather history of [from, to].
func (p *Pipeline) Backfill(ctx context.Context, from, to time.Time) (UpdateResult, error) {
	return p.load(ctx, models.Day(from), models.Day(to))
}

// load syncs stations, then stores counts and weather for [from, to]. Each
// write is its own transaction. Upstream failures leave that part empty and
// are logged; storage failures are returned after the remaining parts ran.
func (p *Pipeline) load(ctx context.Context, from, to time.Time) (UpdateResult, error) {
	var res UpdateResult
	var errs []error

	stations, err := p.syncStations(ctx, &res)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		errs = append(errs, err)
	}

	if n, err := p.loadTraffic(ctx, stations, from, to); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		errs = append(errs, err)
	} else {
		res.Counts = n
	}

	if n, err := p.loadWeather(ctx, from, to); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		errs = append(errs, err)
	} else {
		res.WeatherDays = n
	}

	p.logger.Info("update complete",
		zap.String("from", models.FormatDay(from)),
		zap.String("to", models.FormatDay(to)),
		zap.Int("new_stations", res.NewStations),
		zap.Int("renamed", res.Renamed),
		zap.Int("counts", res.Counts),
		zap.Int("weather_days", res.WeatherDays),
	)
	return res, errors.Join(errs...)
}

// syncStations inserts stations the registry knows and the store does not,
// names them, and names stored stations that have no name yet. It returns
// every known station id.
func (p *Pipeline) syncStations(ctx context.Context, res *UpdateResult) ([]string, error) {
	existing, err := p.store.GetAllStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stations: %w", err)
	}
	known := make(map[string]bool, len(existing))
	ids := make([]string, 0, len(existing))
	for _, st := range existing {
		known[st.StationID] = true
		ids = append(ids, st.StationID)
	}

	var fetched []models.Station
	if p.src.Stations != nil {
		fetched, err = p.src.Stations.Fetch(ctx, source.Query{})
		if err != nil {
			if ctx.Err() != nil {
				return ids, ctx.Err()
			}
			p.logger.Warn("station registry unavailable, using stored stations", zap.Error(err))
		}
	}

	var added []models.Station
	for _, st := range fetched {
		if known[st.StationID] {
			continue
		}
		known[st.StationID] = true
		if st.Name == "" {
			st.Name = p.placeName(ctx, st)
		}
		added = append(added, st)
		ids = append(ids, st.StationID)
	}
	if len(added) > 0 {
		n, err := p.store.AddStations(ctx, added)
		if err != nil {
			return ids, fmt.Errorf("store stations: %w", err)
		}
		res.NewStations = n
		p.logger.Info("new stations registered", zap.Int("stations", n))
	}

	for _, st := range existing {
		if st.Name != "" {
			continue
		}
		if err := p.store.UpdateStationName(ctx, st.StationID, p.placeName(ctx, st)); err != nil {
			p.logger.Warn("could not name station", zap.String("station", st.StationID), zap.Error(err))
			continue
		}
		res.Renamed++
	}
	return ids, nil
}

func (p *Pipeline) placeName(ctx context.Context, st models.Station) string {
	if p.src.Geocoder == nil {
		return source.FallbackName(st.StationID)
	}
	name, err := p.src.Geocoder.Name(ctx, st.Latitude, st.Longitude)
	if err != nil || name == "" {
		p.logger.Debug("geocoding failed", zap.String("station", st.StationID), zap.Error(err))
		return source.FallbackName(st.StationID)
	}
	return name
}

func (p *Pipeline) loadTraffic(ctx context.Context, stationIDs []string, from, to time.Time) (int, error) {
	if p.src.Traffic == nil || len(stationIDs) == 0 {
		return 0, nil
	}
	samples, err := p.src.Traffic.Fetch(ctx, source.Query{Start: from, End: to, StationIDs: stationIDs})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.logger.Warn("traffic unavailable, continuing without counts", zap.Error(err))
		return 0, nil
	}

	counts := ingest.Clean(ingest.AggregateDaily(samples, p.opts.Location, from, to), p.logger)
	if len(counts) == 0 {
		p.logger.Warn("no traffic counts for range",
			zap.String("from", models.FormatDay(from)), zap.String("to", models.FormatDay(to)))
		return 0, nil
	}
	n, err := p.store.AddBikeCounts(ctx, counts)
	if err != nil {
		return 0, fmt.Errorf("store bike counts: %w", err)
	}
	return n, nil
}

func (p *Pipeline) loadWeather(ctx context.Context, from, to time.Time) (int, error) {
	if p.src.Weather == nil {
		return 0, nil
	}
	days, err := p.src.Weather.Fetch(ctx, source.Query{Start: from, End: to})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.logger.Warn("weather unavailable, continuing without it", zap.Error(err))
		return 0, nil
	}
	if len(days) == 0 {
		return 0, nil
	}
	n, err := p.store.AddWeather(ctx, days)
	if err != nil {
		return 0, fmt.Errorf("store weather: %w", err)
	}
	return n, nil
}
