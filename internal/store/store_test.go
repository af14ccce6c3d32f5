package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lox/velocast/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(ctx, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func day(s string) time.Time {
	d, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx, nil); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestAddStations_InsertsOnlyNew(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	added, err := store.AddStations(ctx, []models.Station{
		{StationID: "S1", Name: "Albert 1er", Latitude: 43.61, Longitude: 3.87},
		{StationID: "S2", Latitude: 43.60, Longitude: 3.88},
	})
	if err != nil {
		t.Fatalf("AddStations: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	added, err = store.AddStations(ctx, []models.Station{
		{StationID: "S1", Name: "Renamed", Latitude: 1, Longitude: 1},
		{StationID: "S3", Latitude: 43.62, Longitude: 3.86},
	})
	if err != nil {
		t.Fatalf("AddStations again: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	if err := store.UpdateStationName(ctx, "S2", "Rue de la Loge"); err != nil {
		t.Fatalf("UpdateStationName: %v", err)
	}

	stations, err := store.GetAllStations(ctx)
	if err != nil {
		t.Fatalf("GetAllStations: %v", err)
	}
	if len(stations) != 3 {
		t.Fatalf("len(stations) = %d, want 3", len(stations))
	}
	if stations[0].Name != "Albert 1er" {
		t.Errorf("S1 name = %q, want unchanged", stations[0].Name)
	}
	if stations[1].Name != "Rue de la Loge" {
		t.Errorf("S2 name = %q, want enriched", stations[1].Name)
	}
}

func TestBikeCounts_LatestDuplicateWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddBikeCounts(ctx, []models.DailyObservation{
		{StationID: "S1", Date: day("2024-05-01"), Intensity: 100},
		{StationID: "S2", Date: day("2024-05-01"), Intensity: 50},
	}); err != nil {
		t.Fatalf("AddBikeCounts: %v", err)
	}
	if _, err := store.AddBikeCounts(ctx, []models.DailyObservation{
		{StationID: "S1", Date: day("2024-05-01"), Intensity: 120},
	}); err != nil {
		t.Fatalf("AddBikeCounts duplicate: %v", err)
	}

	v, ok, err := store.GetBikeCount(ctx, "S1", day("2024-05-01"))
	if err != nil || !ok {
		t.Fatalf("GetBikeCount: %v, ok=%v", err, ok)
	}
	if v != 120 {
		t.Errorf("intensity = %d, want 120", v)
	}

	_, ok, err = store.GetBikeCount(ctx, "S1", day("2024-05-02"))
	if err != nil {
		t.Fatalf("GetBikeCount missing: %v", err)
	}
	if ok {
		t.Error("expected no count for 2024-05-02")
	}

	actuals, err := store.GetActualsByDate(ctx, day("2024-05-01"))
	if err != nil {
		t.Fatalf("GetActualsByDate: %v", err)
	}
	if len(actuals) != 2 {
		t.Fatalf("len(actuals) = %d, want 2", len(actuals))
	}
	if actuals[0].StationID != "S1" || actuals[0].Intensity != 120 {
		t.Errorf("actuals[0] = %+v, want S1/120", actuals[0])
	}

	latest, ok, err := store.LatestCountDate(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestCountDate: %v, ok=%v", err, ok)
	}
	if !latest.Equal(day("2024-05-01")) {
		t.Errorf("latest = %v", latest)
	}
}

func TestAddBikeCounts_RejectsNegative(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.AddBikeCounts(context.Background(), []models.DailyObservation{
		{StationID: "S1", Date: day("2024-05-01"), Intensity: -1},
	})
	if err == nil {
		t.Fatal("expected error for negative intensity")
	}
}

func TestAddBikeCounts_LargeBatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var counts []models.DailyObservation
	start := day("2022-01-01")
	for i := 0; i < insertBatchSize*2+17; i++ {
		counts = append(counts, models.DailyObservation{StationID: "S1", Date: start.AddDate(0, 0, i), Intensity: i})
	}
	n, err := store.AddBikeCounts(ctx, counts)
	if err != nil {
		t.Fatalf("AddBikeCounts: %v", err)
	}
	if n != len(counts) {
		t.Errorf("n = %d, want %d", n, len(counts))
	}
	v, ok, err := store.GetBikeCount(ctx, "S1", start.AddDate(0, 0, insertBatchSize+3))
	if err != nil || !ok || v != insertBatchSize+3 {
		t.Errorf("GetBikeCount = %d, %v, %v", v, ok, err)
	}
}

func TestWeather_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddWeather(ctx, []models.WeatherObservation{
		{Date: day("2024-05-01"), AvgTemp: 15, PrecipitationMM: 0, WindMax: 10},
	}); err != nil {
		t.Fatalf("AddWeather: %v", err)
	}
	if _, err := store.AddWeather(ctx, []models.WeatherObservation{
		{Date: day("2024-05-01"), AvgTemp: 16.5, PrecipitationMM: 2, WindMax: 12},
	}); err != nil {
		t.Fatalf("AddWeather upsert: %v", err)
	}

	w, err := store.GetWeather(ctx, day("2024-05-01"))
	if err != nil {
		t.Fatalf("GetWeather: %v", err)
	}
	if w == nil || w.AvgTemp != 16.5 || w.PrecipitationMM != 2 {
		t.Errorf("weather = %+v, want upserted values", w)
	}

	missing, err := store.GetWeather(ctx, day("2024-05-02"))
	if err != nil {
		t.Fatalf("GetWeather missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil weather, got %+v", missing)
	}
}

func TestTrainingRows_JoinSemantics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddStations(ctx, []models.Station{{StationID: "S1", Latitude: 43.6, Longitude: 3.9}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddWeather(ctx, []models.WeatherObservation{
		{Date: day("2024-05-01"), AvgTemp: 15},
		{Date: day("2024-05-02"), AvgTemp: 17},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddBikeCounts(ctx, []models.DailyObservation{
		{StationID: "S1", Date: day("2024-05-01"), Intensity: 100},
		{StationID: "S1", Date: day("2024-05-01"), Intensity: 110},
		{StationID: "S1", Date: day("2024-05-03"), Intensity: 90}, // no weather
		{StationID: "S9", Date: day("2024-05-02"), Intensity: 40}, // no station profile
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := store.TrainingRows(ctx)
	if err != nil {
		t.Fatalf("TrainingRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2: %+v", len(rows), rows)
	}
	if rows[0].StationID != "S1" || rows[0].Intensity != 110 || rows[0].Latitude != 43.6 || rows[0].AvgTemp != 15 {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].StationID != "S9" || rows[1].Latitude != 0 || rows[1].AvgTemp != 17 {
		t.Errorf("rows[1] = %+v", rows[1])
	}
}

func TestSavePredictionWithContext(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := models.Prediction{
		StationID:      "S1",
		PredictionDate: day("2024-05-02"),
		Value:          130,
		ModelVersion:   "v1",
		CreatedAt:      time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
	}
	fc := models.FeatureContext{"lag_1": 120, "lag_7": 115, "is_rainy": 0}

	id, err := store.SavePredictionWithContext(ctx, p, fc)
	if err != nil {
		t.Fatalf("SavePredictionWithContext: %v", err)
	}
	if id == 0 {
		t.Fatal("expected prediction id")
	}

	got, err := store.GetPredictionContext(ctx, id)
	if err != nil {
		t.Fatalf("GetPredictionContext: %v", err)
	}
	if got["lag_1"] != 120 || got["lag_7"] != 115 {
		t.Errorf("context = %v", got)
	}

	_, err = store.SavePredictionWithContext(ctx, p, fc)
	if !errors.Is(err, ErrPredictionExists) {
		t.Errorf("second save err = %v, want ErrPredictionExists", err)
	}

	preds, err := store.GetPredictionsByDate(ctx, day("2024-05-02"))
	if err != nil {
		t.Fatalf("GetPredictionsByDate: %v", err)
	}
	if len(preds) != 1 || preds[0].Value != 130 || preds[0].ModelVersion != "v1" {
		t.Errorf("predictions = %+v", preds)
	}
}

func TestSavePredictionWithContext_ConcurrentDuplicates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.SavePredictionWithContext(ctx, models.Prediction{
				StationID: "S1", PredictionDate: day("2024-05-02"), Value: 100 + i, ModelVersion: "v1",
			}, models.FeatureContext{"lag_1": float64(i)})
		}()
	}
	wg.Wait()

	saved := 0
	for i, err := range errs {
		switch {
		case err == nil:
			saved++
		case errors.Is(err, ErrPredictionExists):
		default:
			t.Errorf("writer %d: err = %v, want nil or ErrPredictionExists", i, err)
		}
	}
	if saved != 1 {
		t.Errorf("saved = %d, want exactly 1", saved)
	}

	var contexts int
	if err := store.DB().GetContext(ctx, &contexts, `SELECT COUNT(*) FROM prediction_contexts`); err != nil {
		t.Fatal(err)
	}
	if contexts != 1 {
		t.Errorf("prediction_contexts rows = %d, want 1", contexts)
	}
}

func TestSavePredictionWithContext_RollsBackOnContextFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.DB().ExecContext(ctx, `DROP TABLE prediction_contexts`); err != nil {
		t.Fatal(err)
	}

	_, err := store.SavePredictionWithContext(ctx, models.Prediction{
		StationID: "S1", PredictionDate: day("2024-05-02"), Value: 10, ModelVersion: "v1",
	}, models.FeatureContext{"lag_1": 1})
	if err == nil {
		t.Fatal("expected error when context insert fails")
	}

	preds, err := store.GetPredictionsByDate(ctx, day("2024-05-02"))
	if err != nil {
		t.Fatalf("GetPredictionsByDate: %v", err)
	}
	if len(preds) != 0 {
		t.Errorf("prediction row survived rollback: %+v", preds)
	}
}

func TestModelMetrics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	d := day("2024-05-01")

	has, err := store.HasMetricsForDate(ctx, d)
	if err != nil || has {
		t.Fatalf("HasMetricsForDate before insert = %v, %v", has, err)
	}

	if err := store.AddModelMetrics(ctx, []models.ModelMetric{
		{StationID: "A", Date: d, ActualValue: 95, PredictedValue: 100, AbsoluteError: 5, MeanAbsoluteError: 7.5, ModelVersion: "v1"},
		{StationID: "B", Date: d, ActualValue: 210, PredictedValue: 200, AbsoluteError: 10, MeanAbsoluteError: 7.5, ModelVersion: "v1"},
	}); err != nil {
		t.Fatalf("AddModelMetrics: %v", err)
	}

	has, err = store.HasMetricsForDate(ctx, d)
	if err != nil || !has {
		t.Fatalf("HasMetricsForDate after insert = %v, %v", has, err)
	}

	got, err := store.GetModelMetrics(ctx, d)
	if err != nil {
		t.Fatalf("GetModelMetrics: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(metrics) = %d, want 2", len(got))
	}
	if got[1].StationID != "B" || got[1].AbsoluteError != 10 || got[1].MeanAbsoluteError != 7.5 {
		t.Errorf("metrics[1] = %+v", got[1])
	}
}

func TestPipelineRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "run-1", "predict", day("2024-05-02"))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run.Success = false
	run.ErrorMessage = sql.NullString{String: "artifacts missing", Valid: true}
	if err := store.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := store.CompleteRun(ctx, nil); err != nil {
		t.Fatalf("CompleteRun(nil): %v", err)
	}

	runs, err := store.GetRecentRuns(ctx, "predict", 10)
	if err != nil {
		t.Fatalf("GetRecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	r := runs[0]
	if r.RunID != "run-1" || r.Success || !r.FinishedAt.Valid || r.ErrorMessage.String != "artifacts missing" {
		t.Errorf("run = %+v", r)
	}
	if !r.TargetDate.Equal(day("2024-05-02")) {
		t.Errorf("target = %v", r.TargetDate)
	}

	all, err := store.GetRecentRuns(ctx, "", 10)
	if err != nil || len(all) != 1 {
		t.Errorf("GetRecentRuns(all) = %d, %v", len(all), err)
	}
}

func TestRawPayloads_Dedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	station := "S1"
	payload := []byte(`{"intensity": 42}`)

	id, err := store.StoreRawPayload(ctx, "run-1", "ecocounter", "timeseries", &station, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("expected payload id")
	}

	dup, err := store.StoreRawPayload(ctx, "run-2", "ecocounter", "timeseries", &station, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(ctx, id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s", got)
	}

	removed, err := store.CleanupOldRawPayloads(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldRawPayloads: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
