package features

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrMissingColumn is returned when a step needs a column the table does not carry.
var ErrMissingColumn = errors.New("missing required column")

// Row is one (station, day) record. Which fields are meaningful is tracked by the
// owning Table's column set.
type Row struct {
	StationID string
	Date      time.Time
	Latitude  float64
	Longitude float64
	Intensity float64

	AvgTemp         float64
	PrecipitationMM float64
	WindMax         float64

	DayOfWeek int // Monday = 0
	Month     int
	Year      int
	DayOfYear int
	IsWeekend bool

	DayOfWeekSin float64
	DayOfWeekCos float64
	MonthSin     float64
	MonthCos     float64

	IsRainy   bool
	IsCold    bool
	IsHot     bool
	IsWindy   bool
	IsHoliday bool

	Lag1 float64
	Lag7 float64
}

// Table is an immutable set of rows plus the columns they carry. Steps never
// modify a Table in place; they return a new one.
type Table struct {
	rows []Row
	cols map[Column]bool
}

// NewTable wraps rows that carry the given columns. The rows are copied.
func NewTable(rows []Row, cols ...Column) Table {
	t := Table{
		rows: append([]Row(nil), rows...),
		cols: make(map[Column]bool, len(cols)),
	}
	for _, c := range cols {
		t.cols[c] = true
	}
	return t
}

func (t Table) Len() int { return len(t.rows) }

// Rows returns a copy of the table's rows.
func (t Table) Rows() []Row { return append([]Row(nil), t.rows...) }

// Row returns the i-th row by value.
func (t Table) Row(i int) Row { return t.rows[i] }

func (t Table) Has(c Column) bool { return t.cols[c] }

// Columns lists the carried columns in a stable order.
func (t Table) Columns() []Column {
	out := make([]Column, 0, len(t.cols))
	for c := range t.cols {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require fails with ErrMissingColumn naming every absent column.
func (t Table) Require(cols ...Column) error {
	var missing []string
	for _, c := range cols {
		if !t.cols[c] {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return nil
}

// derive returns a new table with rows and the current columns plus added.
func (t Table) derive(rows []Row, added ...Column) Table {
	cols := make(map[Column]bool, len(t.cols)+len(added))
	for c := range t.cols {
		cols[c] = true
	}
	for _, c := range added {
		cols[c] = true
	}
	return Table{rows: rows, cols: cols}
}

// SortChronological returns the table ordered by date, then station.
func (t Table) SortChronological() Table {
	rows := t.Rows()
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].StationID < rows[j].StationID
	})
	return t.derive(rows)
}

// Split partitions rows strictly before cutoff from rows at or after it.
func (t Table) Split(cutoff time.Time) (before, after Table) {
	var b, a []Row
	for _, r := range t.rows {
		if r.Date.Before(cutoff) {
			b = append(b, r)
		} else {
			a = append(a, r)
		}
	}
	return t.derive(b), t.derive(a)
}

// DateRange returns the earliest and latest row dates.
func (t Table) DateRange() (first, last time.Time, ok bool) {
	for i, r := range t.rows {
		if i == 0 || r.Date.Before(first) {
			first = r.Date
		}
		if i == 0 || r.Date.After(last) {
			last = r.Date
		}
	}
	return first, last, len(t.rows) > 0
}
