package ingest

import (
	"math"

	"go.uber.org/zap"

	"github.com/lox/velocast/internal/metrics"
	"github.com/lox/velocast/internal/models"
)

const (
	FlagIntensityNegative = "intensity_negative"
	FlagIntensityUnlikely = "intensity_unlikely"
	FlagStationMissing    = "station_missing"
	FlagDateMissing       = "date_missing"
)

// MaxDailyIntensity is the largest plausible daily count for one counter.
// Busier readings come from sensor faults.
const MaxDailyIntensity = 50000

func ValidateCount(obs models.DailyObservation) []string {
	var flags []string

	if obs.StationID == "" {
		flags = append(flags, FlagStationMissing)
	}
	if obs.Date.IsZero() {
		flags = append(flags, FlagDateMissing)
	}
	if obs.Intensity < 0 {
		flags = append(flags, FlagIntensityNegative)
	}
	if obs.Intensity > MaxDailyIntensity {
		flags = append(flags, FlagIntensityUnlikely)
	}

	return flags
}

// Clean drops counts that fail validation and returns the survivors in input order.
func Clean(counts []models.DailyObservation, logger *zap.Logger) []models.DailyObservation {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]models.DailyObservation, 0, len(counts))
	for _, c := range counts {
		flags := ValidateCount(c)
		if len(flags) == 0 {
			kept = append(kept, c)
			continue
		}
		for _, f := range flags {
			metrics.CountsRejected.WithLabelValues(f).Inc()
		}
		logger.Warn("dropping invalid count",
			zap.String("station", c.StationID),
			zap.String("date", models.FormatDay(c.Date)),
			zap.Int("intensity", c.Intensity),
			zap.Strings("flags", flags),
		)
	}
	return kept
}

// ValidSample reports whether a raw reading can be aggregated.
func ValidSample(s models.IntensitySample) bool {
	return s.StationID != "" && !s.Timestamp.IsZero() &&
		!math.IsNaN(s.Intensity) && !math.IsInf(s.Intensity, 0)
}
