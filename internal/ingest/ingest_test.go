package ingest

import (
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lox/velocast/internal/models"
)

func day(s string) time.Time {
	d, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestValidateCount(t *testing.T) {
	tests := []struct {
		name      string
		obs       models.DailyObservation
		wantFlags []string
	}{
		{
			name:      "valid count - no flags",
			obs:       models.DailyObservation{StationID: "X1", Date: day("2024-03-04"), Intensity: 1200},
			wantFlags: nil,
		},
		{
			name:      "zero is valid",
			obs:       models.DailyObservation{StationID: "X1", Date: day("2024-03-04"), Intensity: 0},
			wantFlags: nil,
		},
		{
			name:      "negative intensity",
			obs:       models.DailyObservation{StationID: "X1", Date: day("2024-03-04"), Intensity: -3},
			wantFlags: []string{FlagIntensityNegative},
		},
		{
			name:      "at ceiling - valid",
			obs:       models.DailyObservation{StationID: "X1", Date: day("2024-03-04"), Intensity: MaxDailyIntensity},
			wantFlags: nil,
		},
		{
			name:      "above ceiling",
			obs:       models.DailyObservation{StationID: "X1", Date: day("2024-03-04"), Intensity: MaxDailyIntensity + 1},
			wantFlags: []string{FlagIntensityUnlikely},
		},
		{
			name:      "missing identity",
			obs:       models.DailyObservation{Intensity: 10},
			wantFlags: []string{FlagStationMissing, FlagDateMissing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateCount(tt.obs)
			if !slices.Equal(got, tt.wantFlags) {
				t.Errorf("ValidateCount() = %v, want %v", got, tt.wantFlags)
			}
		})
	}
}

func TestClean(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	counts := []models.DailyObservation{
		{StationID: "A", Date: day("2024-03-04"), Intensity: 10},
		{StationID: "B", Date: day("2024-03-04"), Intensity: -1},
		{StationID: "C", Date: day("2024-03-04"), Intensity: 20},
	}
	kept := Clean(counts, logger)

	if len(kept) != 2 || kept[0].StationID != "A" || kept[1].StationID != "C" {
		t.Fatalf("kept = %+v", kept)
	}
	if logs.FilterMessage("dropping invalid count").Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestCleanWithNilLogger(t *testing.T) {
	kept := Clean([]models.DailyObservation{
		{StationID: "A", Date: day("2024-03-04"), Intensity: -1},
		{StationID: "B", Date: day("2024-03-04"), Intensity: 5},
	}, nil)
	if len(kept) != 1 || kept[0].StationID != "B" {
		t.Fatalf("kept = %+v", kept)
	}
}

func TestAggregateDaily(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	samples := []models.IntensitySample{
		{StationID: "B", Timestamp: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), Intensity: 5},
		{StationID: "A", Timestamp: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), Intensity: 10},
		{StationID: "A", Timestamp: time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC), Intensity: 12.6},
		// 23:30 UTC on the 4th is already the 5th in Paris.
		{StationID: "A", Timestamp: time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC), Intensity: 7},
		{StationID: "", Timestamp: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), Intensity: 99},
	}

	got := AggregateDaily(samples, paris, time.Time{}, time.Time{})
	want := []models.DailyObservation{
		{StationID: "A", Date: day("2024-03-04"), Intensity: 23},
		{StationID: "A", Date: day("2024-03-05"), Intensity: 7},
		{StationID: "B", Date: day("2024-03-04"), Intensity: 5},
	}
	if !slices.Equal(got, want) {
		t.Errorf("AggregateDaily() = %+v, want %+v", got, want)
	}
}

func TestAggregateDailyBounds(t *testing.T) {
	samples := []models.IntensitySample{
		{StationID: "A", Timestamp: time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC), Intensity: 1},
		{StationID: "A", Timestamp: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), Intensity: 2},
		{StationID: "A", Timestamp: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), Intensity: 3},
	}

	got := AggregateDaily(samples, time.UTC, day("2024-03-04"), day("2024-03-04"))
	if len(got) != 1 || got[0].Intensity != 2 {
		t.Errorf("AggregateDaily() = %+v, want only 2024-03-04", got)
	}
}
