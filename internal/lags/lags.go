// Package lags rebuilds autoregressive lag features at inference time from
// stored daily counts.
package lags

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/velocast/internal/metrics"
)

var ErrInsufficientHistory = errors.New("insufficient history")

// History looks up a station's stored intensity for one day.
type History interface {
	GetBikeCount(ctx context.Context, stationID string, date time.Time) (int, bool, error)
}

// Lags are the lag features for one station on a target day.
type Lags struct {
	StationID string
	Lag1      float64
	Lag7      float64
	// Mirrored is set when Lag1 was missing and copied from Lag7.
	Mirrored bool
}

type Reconciler struct {
	history History
	workers int
	logger  *zap.Logger
}

func NewReconciler(history History, workers int, logger *zap.Logger) *Reconciler {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{history: history, workers: workers, logger: logger.Named("lags")}
}

// Lookup returns the lags of stationID for target. A missing day-7 value fails
// with ErrInsufficientHistory; a missing day-1 value falls back to day-7.
func (r *Reconciler) Lookup(ctx context.Context, stationID string, target time.Time) (Lags, error) {
	lag7, ok, err := r.history.GetBikeCount(ctx, stationID, target.AddDate(0, 0, -7))
	if err != nil {
		return Lags{}, fmt.Errorf("lookup lag_7: %w", err)
	}
	if !ok {
		return Lags{}, ErrInsufficientHistory
	}

	out := Lags{StationID: stationID, Lag7: float64(lag7)}
	lag1, ok, err := r.history.GetBikeCount(ctx, stationID, target.AddDate(0, 0, -1))
	if err != nil {
		return Lags{}, fmt.Errorf("lookup lag_1: %w", err)
	}
	if ok {
		out.Lag1 = float64(lag1)
	} else {
		out.Lag1 = out.Lag7
		out.Mirrored = true
	}
	return out, nil
}

// Reconcile looks up lags for every station concurrently. Stations without
// enough history, or whose lookup fails, are logged and left out. The result is
// ordered by station id.
func (r *Reconciler) Reconcile(ctx context.Context, stationIDs []string, target time.Time) ([]Lags, error) {
	results := make([]*Lags, len(stationIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, id := range stationIDs {
		g.Go(func() error {
			l, err := r.Lookup(gctx, id, target)
			switch {
			case err == nil:
				if l.Mirrored {
					r.logger.Debug("lag_1 mirrored from lag_7", zap.String("station", id))
				}
				results[i] = &l
			case errors.Is(err, ErrInsufficientHistory):
				r.logger.Info("station skipped: no count seven days before target",
					zap.String("station", id),
					zap.Time("target", target))
				metrics.StationsSkipped.WithLabelValues(metrics.SkipInsufficientHistory).Inc()
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				r.logger.Warn("station skipped: lag lookup failed",
					zap.String("station", id),
					zap.Error(err))
				metrics.StationsSkipped.WithLabelValues(metrics.SkipLookupError).Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Lags, 0, len(results))
	mirrored := 0
	for _, l := range results {
		if l == nil {
			continue
		}
		if l.Mirrored {
			mirrored++
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })

	r.logger.Info("lags reconciled",
		zap.Int("stations", len(stationIDs)),
		zap.Int("ready", len(out)),
		zap.Int("mirrored", mirrored))
	return out, nil
}
