package ingest

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/lox/velocast/internal/models"
)

type dayKey struct {
	station string
	day     time.Time
}

// AggregateDaily sums raw readings into one count per station per calendar
// day in loc. Days outside [from, to] are discarded; a zero bound is open.
// Days without readings are absent rather than zero. The result is ordered
// by station, then date.
func AggregateDaily(samples []models.IntensitySample, loc *time.Location, from, to time.Time) []models.DailyObservation {
	if loc == nil {
		loc = time.UTC
	}
	sums := make(map[dayKey]float64)
	for _, s := range samples {
		if !ValidSample(s) {
			continue
		}
		day := models.Day(s.Timestamp.In(loc))
		if !from.IsZero() && day.Before(models.Day(from)) {
			continue
		}
		if !to.IsZero() && day.After(models.Day(to)) {
			continue
		}
		sums[dayKey{s.StationID, day}] += s.Intensity
	}

	out := make([]models.DailyObservation, 0, len(sums))
	for k, v := range sums {
		out = append(out, models.DailyObservation{
			StationID: k.station,
			Date:      k.day,
			Intensity: int(math.Round(v)),
		})
	}
	slices.SortFunc(out, func(a, b models.DailyObservation) int {
		if c := cmp.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		return a.Date.Compare(b.Date)
	})
	return out
}
