package features

import "fmt"

type Column string

const (
	ColStationID       Column = "station_id"
	ColDate            Column = "date"
	ColIntensity       Column = "intensity"
	ColLatitude        Column = "latitude"
	ColLongitude       Column = "longitude"
	ColAvgTemp         Column = "avg_temp"
	ColPrecipitationMM Column = "precipitation_mm"
	ColWindMax         Column = "wind_max"
	ColDayOfWeek       Column = "day_of_week"
	ColDayOfYear       Column = "day_of_year"
	ColMonth           Column = "month"
	ColYear            Column = "year"
	ColIsWeekend       Column = "is_weekend"
	ColDayOfWeekSin    Column = "day_of_week_sin"
	ColDayOfWeekCos    Column = "day_of_week_cos"
	ColMonthSin        Column = "month_sin"
	ColMonthCos        Column = "month_cos"
	ColIsRainy         Column = "is_rainy"
	ColIsCold          Column = "is_cold"
	ColIsHot           Column = "is_hot"
	ColIsWindy         Column = "is_windy"
	ColIsHoliday       Column = "is_holiday"
	ColLag1            Column = "lag_1"
	ColLag7            Column = "lag_7"
)

// RawColumns are the columns a training table is loaded with.
var RawColumns = []Column{
	ColStationID, ColDate, ColIntensity, ColLatitude, ColLongitude,
	ColAvgTemp, ColPrecipitationMM, ColWindMax,
}

// FeatureColumns is the model input schema. Training and inference must agree on
// this exact order; artifacts record it and refuse to load on mismatch.
var FeatureColumns = []Column{
	ColStationID, ColLatitude, ColLongitude,
	ColAvgTemp, ColPrecipitationMM, ColWindMax,
	ColDayOfWeek, ColDayOfYear, ColMonth, ColYear,
	ColIsWeekend,
	ColDayOfWeekSin, ColDayOfWeekCos,
	ColMonthSin, ColMonthCos,
	ColIsRainy, ColIsCold, ColIsHot, ColIsWindy,
	ColIsHoliday,
	ColLag1, ColLag7,
}

// Value returns the numeric value of a column for this row. Booleans map to 0/1.
// Station identity and date are not numeric and return an error.
func (r Row) Value(c Column) (float64, error) {
	switch c {
	case ColIntensity:
		return r.Intensity, nil
	case ColLatitude:
		return r.Latitude, nil
	case ColLongitude:
		return r.Longitude, nil
	case ColAvgTemp:
		return r.AvgTemp, nil
	case ColPrecipitationMM:
		return r.PrecipitationMM, nil
	case ColWindMax:
		return r.WindMax, nil
	case ColDayOfWeek:
		return float64(r.DayOfWeek), nil
	case ColDayOfYear:
		return float64(r.DayOfYear), nil
	case ColMonth:
		return float64(r.Month), nil
	case ColYear:
		return float64(r.Year), nil
	case ColIsWeekend:
		return flag(r.IsWeekend), nil
	case ColDayOfWeekSin:
		return r.DayOfWeekSin, nil
	case ColDayOfWeekCos:
		return r.DayOfWeekCos, nil
	case ColMonthSin:
		return r.MonthSin, nil
	case ColMonthCos:
		return r.MonthCos, nil
	case ColIsRainy:
		return flag(r.IsRainy), nil
	case ColIsCold:
		return flag(r.IsCold), nil
	case ColIsHot:
		return flag(r.IsHot), nil
	case ColIsWindy:
		return flag(r.IsWindy), nil
	case ColIsHoliday:
		return flag(r.IsHoliday), nil
	case ColLag1:
		return r.Lag1, nil
	case ColLag7:
		return r.Lag7, nil
	}
	return 0, fmt.Errorf("column %q has no numeric value", c)
}

// Context snapshots the engineered feature values of the row, keyed by column
// name. Identity, date and target are left out.
func (r Row) Context() map[string]float64 {
	ctx := make(map[string]float64, len(FeatureColumns))
	for _, c := range FeatureColumns {
		if c == ColStationID {
			continue
		}
		v, err := r.Value(c)
		if err != nil {
			continue
		}
		ctx[string(c)] = v
	}
	return ctx
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Names returns the column names in order.
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = string(c)
	}
	return out
}
