package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/fr"
)

// Weather flag thresholds.
const (
	RainyPrecipitationMM = 1.0
	ColdAvgTemp          = 5.0
	HotAvgTemp           = 30.0
	WindyWindMax         = 30.0
)

// SuspectCounters are sensors known to report faulty counts.
var SuspectCounters = []string{
	"urn:ngsi-ld:EcoCounter:867228050089043",
	"urn:ngsi-ld:EcoCounter:867228050089159",
	"urn:ngsi-ld:EcoCounter:867228050089217",
	"urn:ngsi-ld:EcoCounter:867228050089787",
	"urn:ngsi-ld:EcoCounter:867228050092989",
}

// Step is one pure transformation of a feature table.
type Step struct {
	Name  string
	Apply func(Table) (Table, error)
}

// Build threads t through steps in order.
func Build(t Table, steps []Step) (Table, error) {
	var err error
	for _, s := range steps {
		t, err = s.Apply(t)
		if err != nil {
			return Table{}, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	return t, nil
}

// TrainingSteps is the full pipeline used to build model training data.
func TrainingSteps() []Step {
	return []Step{
		RemoveSuspectCounters(SuspectCounters),
		AddCalendar(),
		AddCyclical(),
		AddHolidays(fr.Holidays),
		AddWeatherFlags(),
		AddLags(),
	}
}

// InferenceSteps skips suspect removal and lag construction; lags are injected
// by the reconciler before the table is built.
func InferenceSteps() []Step {
	return []Step{
		AddCalendar(),
		AddCyclical(),
		AddWeatherFlags(),
		AddHolidays(fr.Holidays),
	}
}

func RemoveSuspectCounters(suspects []string) Step {
	deny := make(map[string]bool, len(suspects))
	for _, s := range suspects {
		deny[s] = true
	}
	return Step{Name: "remove_suspect_counters", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColStationID); err != nil {
			return Table{}, err
		}
		rows := make([]Row, 0, t.Len())
		for _, r := range t.rows {
			if !deny[r.StationID] {
				rows = append(rows, r)
			}
		}
		return t.derive(rows), nil
	}}
}

func AddCalendar() Step {
	return Step{Name: "add_calendar", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColDate); err != nil {
			return Table{}, err
		}
		rows := t.Rows()
		for i := range rows {
			d := rows[i].Date
			rows[i].DayOfWeek = mondayIndex(d.Weekday())
			rows[i].Month = int(d.Month())
			rows[i].Year = d.Year()
			rows[i].DayOfYear = d.YearDay()
			rows[i].IsWeekend = rows[i].DayOfWeek >= 5
		}
		return t.derive(rows, ColDayOfWeek, ColMonth, ColYear, ColDayOfYear, ColIsWeekend), nil
	}}
}

// AddCyclical encodes weekday over a period of 7 and month over 12, with
// January at angle zero.
func AddCyclical() Step {
	return Step{Name: "add_cyclical", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColDayOfWeek, ColMonth); err != nil {
			return Table{}, err
		}
		rows := t.Rows()
		for i := range rows {
			dow := 2 * math.Pi * float64(rows[i].DayOfWeek) / 7
			month := 2 * math.Pi * float64(rows[i].Month-1) / 12
			rows[i].DayOfWeekSin, rows[i].DayOfWeekCos = math.Sincos(dow)
			rows[i].MonthSin, rows[i].MonthCos = math.Sincos(month)
		}
		return t.derive(rows, ColDayOfWeekSin, ColDayOfWeekCos, ColMonthSin, ColMonthCos), nil
	}}
}

func AddWeatherFlags() Step {
	return Step{Name: "add_weather_flags", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColAvgTemp, ColPrecipitationMM, ColWindMax); err != nil {
			return Table{}, err
		}
		rows := t.Rows()
		for i := range rows {
			rows[i].IsRainy = rows[i].PrecipitationMM > RainyPrecipitationMM
			rows[i].IsCold = rows[i].AvgTemp < ColdAvgTemp
			rows[i].IsHot = rows[i].AvgTemp > HotAvgTemp
			rows[i].IsWindy = rows[i].WindMax > WindyWindMax
		}
		return t.derive(rows, ColIsRainy, ColIsCold, ColIsHot, ColIsWindy), nil
	}}
}

// AddHolidays flags public holidays. The calendar covers every year present in
// the table plus the following one.
func AddHolidays(holidays []*cal.Holiday) Step {
	return Step{Name: "add_holidays", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColDate); err != nil {
			return Table{}, err
		}
		first, last, ok := t.DateRange()
		if !ok {
			return t.derive(nil, ColIsHoliday), nil
		}
		days := HolidaySet(holidays, first.Year(), last.Year()+1)
		rows := t.Rows()
		for i := range rows {
			rows[i].IsHoliday = days[dayKey(rows[i].Date)]
		}
		return t.derive(rows, ColIsHoliday), nil
	}}
}

// AddLags sets lag_1 and lag_7 from the same station's intensity one and seven
// calendar days earlier. Rows missing either lag are dropped.
func AddLags() Step {
	return Step{Name: "add_lags", Apply: func(t Table) (Table, error) {
		if err := t.Require(ColStationID, ColDate, ColIntensity); err != nil {
			return Table{}, err
		}
		rows := t.Rows()
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].StationID != rows[j].StationID {
				return rows[i].StationID < rows[j].StationID
			}
			return rows[i].Date.Before(rows[j].Date)
		})

		type key struct {
			station string
			day     string
		}
		history := make(map[key]float64, len(rows))
		for _, r := range rows {
			history[key{r.StationID, dayKey(r.Date)}] = r.Intensity
		}

		out := rows[:0]
		for _, r := range rows {
			lag1, ok1 := history[key{r.StationID, dayKey(r.Date.AddDate(0, 0, -1))}]
			lag7, ok7 := history[key{r.StationID, dayKey(r.Date.AddDate(0, 0, -7))}]
			if !ok1 || !ok7 {
				continue
			}
			r.Lag1, r.Lag7 = lag1, lag7
			out = append(out, r)
		}
		return t.derive(out, ColLag1, ColLag7), nil
	}}
}

// HolidaySet returns the YYYY-MM-DD keys of every holiday in [fromYear, toYear].
func HolidaySet(holidays []*cal.Holiday, fromYear, toYear int) map[string]bool {
	days := make(map[string]bool)
	for y := fromYear; y <= toYear; y++ {
		for _, h := range holidays {
			actual, _ := h.Calc(y)
			if actual.IsZero() {
				continue
			}
			days[dayKey(actual)] = true
		}
	}
	return days
}

func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
