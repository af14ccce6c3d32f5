package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lox/velocast/internal/models"
)

// insertBatchSize bounds the rows of one multi-row INSERT.
const insertBatchSize = 500

type stationRow struct {
	StationID string    `db:"station_id"`
	Name      string    `db:"name"`
	Latitude  float64   `db:"latitude"`
	Longitude float64   `db:"longitude"`
	CreatedAt time.Time `db:"created_at"`
}

type countRow struct {
	ID        int64     `db:"id"`
	StationID string    `db:"station_id"`
	Date      string    `db:"date"`
	Intensity int       `db:"intensity"`
	CreatedAt time.Time `db:"created_at"`
}

func (r countRow) model() (models.DailyObservation, error) {
	d, err := models.ParseDay(r.Date)
	if err != nil {
		return models.DailyObservation{}, fmt.Errorf("bike count %d: %w", r.ID, err)
	}
	return models.DailyObservation{ID: r.ID, StationID: r.StationID, Date: d, Intensity: r.Intensity}, nil
}

type weatherRow struct {
	Date            string    `db:"date"`
	AvgTemp         float64   `db:"avg_temp"`
	PrecipitationMM float64   `db:"precipitation_mm"`
	WindMax         float64   `db:"wind_max"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// AddStations inserts stations not yet known and returns how many were new.
// Existing stations are left untouched.
func (s *Store) AddStations(ctx context.Context, stations []models.Station) (int, error) {
	now := time.Now().UTC()
	var added int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, st := range stations {
			res, err := tx.NamedExecContext(ctx, `
				INSERT INTO stations (station_id, name, latitude, longitude, created_at)
				VALUES (:station_id, :name, :latitude, :longitude, :created_at)
				ON CONFLICT(station_id) DO NOTHING
			`, stationRow{StationID: st.StationID, Name: st.Name, Latitude: st.Latitude, Longitude: st.Longitude, CreatedAt: now})
			if err != nil {
				return fmt.Errorf("insert station %s: %w", st.StationID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *Store) UpdateStationName(ctx context.Context, stationID, name string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE stations SET name = ? WHERE station_id = ?`), name, stationID)
	return err
}

func (s *Store) GetAllStations(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	err := s.db.SelectContext(ctx, &stations, `
		SELECT station_id, name, latitude, longitude
		FROM stations
		ORDER BY station_id
	`)
	return stations, err
}

// AddBikeCounts appends daily counts in one transaction. Duplicates for a
// (station, date) are kept; readers use the most recently inserted row.
func (s *Store) AddBikeCounts(ctx context.Context, counts []models.DailyObservation) (int, error) {
	if len(counts) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]countRow, len(counts))
	for i, c := range counts {
		if c.Intensity < 0 {
			return 0, fmt.Errorf("bike count for %s on %s is negative", c.StationID, models.FormatDay(c.Date))
		}
		rows[i] = countRow{StationID: c.StationID, Date: models.FormatDay(c.Date), Intensity: c.Intensity, CreatedAt: now}
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(rows); start += insertBatchSize {
			end := min(start+insertBatchSize, len(rows))
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO bike_counts (station_id, date, intensity, created_at)
				VALUES (:station_id, :date, :intensity, :created_at)
			`, rows[start:end]); err != nil {
				return fmt.Errorf("insert bike counts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetBikeCount returns the latest stored intensity of a station on date.
func (s *Store) GetBikeCount(ctx context.Context, stationID string, date time.Time) (int, bool, error) {
	var intensity int
	err := s.db.GetContext(ctx, &intensity, s.q(`
		SELECT intensity FROM bike_counts
		WHERE station_id = ? AND date = ?
		ORDER BY id DESC
		LIMIT 1
	`), stationID, models.FormatDay(date))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return intensity, true, nil
}

// GetActualsByDate returns one count per station for date, the latest inserted.
func (s *Store) GetActualsByDate(ctx context.Context, date time.Time) ([]models.DailyObservation, error) {
	var rows []countRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT b.id, b.station_id, b.date, b.intensity, b.created_at
		FROM bike_counts b
		WHERE b.date = ?
		  AND b.id = (
			SELECT MAX(x.id) FROM bike_counts x
			WHERE x.station_id = b.station_id AND x.date = b.date
		  )
		ORDER BY b.station_id
	`), models.FormatDay(date))
	if err != nil {
		return nil, err
	}
	out := make([]models.DailyObservation, 0, len(rows))
	for _, r := range rows {
		obs, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

// LatestCountDate returns the most recent date with any stored count.
func (s *Store) LatestCountDate(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullString
	if err := s.db.GetContext(ctx, &latest, `SELECT MAX(date) FROM bike_counts`); err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	d, err := models.ParseDay(latest.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// AddWeather upserts one record per day in a single transaction.
func (s *Store) AddWeather(ctx context.Context, days []models.WeatherObservation) (int, error) {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, w := range days {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO weather (date, avg_temp, precipitation_mm, wind_max, updated_at)
				VALUES (:date, :avg_temp, :precipitation_mm, :wind_max, :updated_at)
				ON CONFLICT(date) DO UPDATE SET
					avg_temp = excluded.avg_temp,
					precipitation_mm = excluded.precipitation_mm,
					wind_max = excluded.wind_max,
					updated_at = excluded.updated_at
			`, weatherRow{
				Date:            models.FormatDay(w.Date),
				AvgTemp:         w.AvgTemp,
				PrecipitationMM: w.PrecipitationMM,
				WindMax:         w.WindMax,
				UpdatedAt:       now,
			}); err != nil {
				return fmt.Errorf("upsert weather %s: %w", models.FormatDay(w.Date), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(days), nil
}

func (s *Store) GetWeather(ctx context.Context, date time.Time) (*models.WeatherObservation, error) {
	var r weatherRow
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT date, avg_temp, precipitation_mm, wind_max, updated_at
		FROM weather WHERE date = ?
	`), models.FormatDay(date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.WeatherObservation{
		Date:            date,
		AvgTemp:         r.AvgTemp,
		PrecipitationMM: r.PrecipitationMM,
		WindMax:         r.WindMax,
	}, nil
}

type trainingRow struct {
	StationID       string          `db:"station_id"`
	Date            string          `db:"date"`
	Intensity       int             `db:"intensity"`
	Latitude        sql.NullFloat64 `db:"latitude"`
	Longitude       sql.NullFloat64 `db:"longitude"`
	AvgTemp         float64         `db:"avg_temp"`
	PrecipitationMM float64         `db:"precipitation_mm"`
	WindMax         float64         `db:"wind_max"`
}

// TrainingRows joins every count with that day's weather (days without
// weather are dropped) and the station's coordinates (zero when unknown).
// Only the latest count per station and day is used.
func (s *Store) TrainingRows(ctx context.Context) ([]models.TrainingRow, error) {
	var rows []trainingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT b.station_id, b.date, b.intensity,
		       st.latitude, st.longitude,
		       w.avg_temp, w.precipitation_mm, w.wind_max
		FROM bike_counts b
		JOIN weather w ON w.date = b.date
		LEFT JOIN stations st ON st.station_id = b.station_id
		WHERE b.id = (
			SELECT MAX(x.id) FROM bike_counts x
			WHERE x.station_id = b.station_id AND x.date = b.date
		)
		ORDER BY b.date, b.station_id
	`)
	if err != nil {
		return nil, err
	}
	out := make([]models.TrainingRow, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(r.Date)
		if err != nil {
			return nil, fmt.Errorf("training row %s: %w", r.StationID, err)
		}
		out = append(out, models.TrainingRow{
			StationID:       r.StationID,
			Date:            d,
			Intensity:       r.Intensity,
			Latitude:        r.Latitude.Float64,
			Longitude:       r.Longitude.Float64,
			AvgTemp:         r.AvgTemp,
			PrecipitationMM: r.PrecipitationMM,
			WindMax:         r.WindMax,
		})
	}
	return out, nil
}
