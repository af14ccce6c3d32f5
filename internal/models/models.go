package models

import (
	"database/sql"
	"time"
)

// DateLayout is the day-granularity format used for storage keys and logs.
const DateLayout = "2006-01-02"

type Station struct {
	StationID string  `db:"station_id"`
	Name      string  `db:"name"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}

// DailyObservation is one station's counted intensity for a calendar day.
type DailyObservation struct {
	ID        int64
	StationID string
	Date      time.Time
	Intensity int
}

// IntensitySample is one raw counter reading before daily aggregation.
type IntensitySample struct {
	StationID string
	Timestamp time.Time
	Intensity float64
}

type WeatherObservation struct {
	Date            time.Time
	AvgTemp         float64
	PrecipitationMM float64
	WindMax         float64
}

type Prediction struct {
	ID             int64
	StationID      string
	PredictionDate time.Time
	Value          int
	ModelVersion   string
	CreatedAt      time.Time
}

// FeatureContext is the exact feature snapshot a prediction was produced from.
type FeatureContext map[string]float64

type ModelMetric struct {
	ID                int64
	StationID         string
	Date              time.Time
	ActualValue       int
	PredictedValue    int
	AbsoluteError     float64
	MeanAbsoluteError float64
	ModelVersion      string
}

// PipelineRun audits one execution of a pipeline stage.
type PipelineRun struct {
	ID           int64
	RunID        string
	Stage        string
	TargetDate   time.Time
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	Records      sql.NullInt64
	ErrorMessage sql.NullString
}

// TrainingRow is a stored count joined with that day's weather and station coordinates.
type TrainingRow struct {
	StationID       string
	Date            time.Time
	Intensity       int
	Latitude        float64
	Longitude       float64
	AvgTemp         float64
	PrecipitationMM float64
	WindMax         float64
}

// Day returns the calendar day of t, in t's own location, as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDay renders a day as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDay parses a YYYY-MM-DD date as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
