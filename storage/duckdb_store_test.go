package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"housing-retrofit/models"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func newTestStore(t *testing.T) *DuckStore {
	t.Helper()
	s, err := NewDuckStore(filepath.Join(t.TempDir(), "db", "warehouse.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intp(n int) *int              { return &n }
func floatp(f float64) *float64    { return &f }
func timep(t time.Time) *time.Time { return &t }

func report(runID, stage string) *models.QualityReport {
	return &models.QualityReport{
		RunID:       runID,
		Stage:       stage,
		RowsIn:      3,
		RowsOut:     2,
		Reasons:     map[string]int{"energy_rating:not_allowed": 1},
		StartedAt:   t0,
		CompletedAt: t1,
	}
}

func feature(id string, score *float64, priority string) *models.PropertyFeature {
	return &models.PropertyFeature{
		RunID:             "run-1",
		CertificateID:     "cert-" + id,
		PropertyID:        id,
		Ward:              "Abbey",
		PropertyType:      "House",
		ConstructionEra:   "1930-1949",
		EnergyRating:      "D",
		FloorArea:         80,
		CurrentEfficiency: intp(55),
		RetrofitScore:     score,
		RetrofitPriority:  priority,
		AnnualSavings:     120.5,
		TextSummary:       "House in Abbey",
	}
}

func rawBatch(id, file, kind string, columns []string, rows ...map[string]string) *models.RawBatch {
	b := &models.RawBatch{Ingestion: models.Ingestion{
		IngestionID: id,
		RunID:       "run-1",
		SourceFile:  file,
		SourceKind:  kind,
		Encoding:    "utf-8",
		Columns:     columns,
		RowCount:    len(rows),
		IngestedAt:  t0,
	}}
	for i, fields := range rows {
		b.Records = append(b.Records, &models.RawRecord{
			IngestionID: id,
			RunID:       "run-1",
			SourceFile:  file,
			SourceKind:  kind,
			RowNumber:   i + 1,
			IngestedAt:  t0,
			Fields:      fields,
		})
	}
	return b
}

func TestDuckStore_BronzeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	epc := rawBatch("ing-1", "epc.csv", models.SourceKindEPC, []string{"LMK_KEY", "UPRN"},
		map[string]string{"LMK_KEY": "A", "UPRN": "1"},
		map[string]string{"LMK_KEY": "B", "UPRN": ""},
	)
	images := rawBatch("ing-2", "images.csv", models.SourceKindImage, []string{"LMK_KEY", "IMAGE_REF"},
		map[string]string{"LMK_KEY": "A", "IMAGE_REF": "a.png"},
	)

	require.NoError(t, s.WriteBronze(ctx, "run-1", []*models.RawBatch{epc, images}, report("run-1", "bronze")))

	gotEPC, gotImages, err := s.ReadBronze(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, gotEPC, 1)
	require.Len(t, gotImages, 1)

	assert.Equal(t, epc.Ingestion, gotEPC[0].Ingestion)
	assert.Equal(t, epc.Records, gotEPC[0].Records)
	assert.Equal(t, images.Records, gotImages[0].Records)

	other, _, err := s.ReadBronze(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDuckStore_SilverRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*models.NormalizedRecord{
		{
			RunID:               "run-1",
			CertificateID:       "cert-1",
			PropertyID:          "p1",
			Postcode:            "AB1 2CD",
			Ward:                "Abbey",
			PropertyType:        "House",
			ConstructionEra:     "1930-1949",
			EnergyRating:        "D",
			FloorArea:           floatp(82.5),
			CurrentEfficiency:   intp(55),
			PotentialEfficiency: intp(80),
			HeatingCostCurrent:  floatp(600),
			WallsEffScore:       intp(2),
			InspectionDate:      timep(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)),
			DataQualityScore:    87.5,
			SourceFile:          "epc.csv",
			SourceRow:           1,
			IngestedAt:          t0,
			QualityFlags:        []string{},
			ValidationStatus:    models.StatusValid,
		},
		{
			RunID:            "run-1",
			CertificateID:    "cert-2",
			PropertyID:       "p2",
			EnergyRating:     "Z",
			SourceFile:       "epc.csv",
			SourceRow:        2,
			IngestedAt:       t0,
			QualityFlags:     []string{"energy_rating:not_allowed", "floor_area:missing"},
			ValidationStatus: models.StatusQuarantined,
		},
	}
	require.NoError(t, s.WriteSilver(ctx, "run-1", records, report("run-1", "silver")))

	got, err := s.ReadSilver(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, records[0], got[0])
	assert.Nil(t, got[1].FloorArea)
	assert.Nil(t, got[1].InspectionDate)
	assert.Equal(t, records[1].QualityFlags, got[1].QualityFlags)
	assert.False(t, got[1].Valid())
}

func TestDuckStore_ScoresRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scores := []*models.Score{
		{RunID: "run-1", PropertyID: "p2", Score: 4, Confidence: 0.5, Model: "heuristic-v1"},
		{RunID: "run-1", PropertyID: "p1", Score: 25, Confidence: 0.9, Model: "heuristic-v1"},
	}
	require.NoError(t, s.WriteScores(ctx, "run-1", scores, report("run-1", "scoring")))

	got, err := s.ReadScores(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, scores[1], got[0])
	assert.Equal(t, scores[0], got[1])
}

func seedGold(t *testing.T, s *DuckStore) {
	t.Helper()
	features := []*models.PropertyFeature{
		feature("p1", floatp(25), models.PriorityHigh),
		feature("p2", floatp(12), models.PriorityMedium),
		feature("p3", nil, models.PriorityUnscored),
		feature("p4", floatp(4), models.PriorityLow),
	}
	features[0].CO2SavingTonnes = floatp(1.25)
	features[1].CO2SavingTonnes = floatp(0.5)
	features[3].Ward = "Castle"

	aggregates := []*models.AggregateRecord{
		{
			RunID:             "run-1",
			GroupKey:          map[string]string{"property_type": "House", "construction_era": "1930-1949", "ward": "Abbey"},
			PropertyCount:     3,
			ScoredCount:       2,
			HighPriorityCount: 1,
			MeanRetrofitScore: floatp(18.5),
			TotalCO2Saving:    1.75,
		},
		{
			RunID:             "run-1",
			GroupKey:          map[string]string{"property_type": "House", "construction_era": "1930-1949", "ward": "Castle"},
			PropertyCount:     1,
			ScoredCount:       1,
			MeanRetrofitScore: floatp(4),
		},
	}
	require.NoError(t, s.WriteGold(context.Background(), "run-1", features, aggregates, report("run-1", "gold")))
}

func TestDuckStore_FeaturesPaging(t *testing.T) {
	s := newTestStore(t)
	seedGold(t, s)
	ctx := context.Background()

	page, total, err := s.Features(ctx, "run-1", FeatureQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "p1", page[0].PropertyID)
	assert.Equal(t, "p2", page[1].PropertyID)

	page, _, err = s.Features(ctx, "run-1", FeatureQuery{Limit: 10, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "p4", page[0].PropertyID)
	assert.Equal(t, "p3", page[1].PropertyID, "unscored rows sort last")
	assert.Nil(t, page[1].RetrofitScore)

	page, total, err = s.Features(ctx, "run-1", FeatureQuery{Priority: models.PriorityHigh, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, 1.25, *page[0].CO2SavingTonnes)
}

func TestDuckStore_Feature(t *testing.T) {
	s := newTestStore(t)
	seedGold(t, s)
	ctx := context.Background()

	f, err := s.Feature(ctx, "run-1", "p2")
	require.NoError(t, err)
	assert.Equal(t, "cert-p2", f.CertificateID)
	assert.Equal(t, 55, *f.CurrentEfficiency)

	f, err = s.Feature(ctx, "run-1", "cert-p4")
	require.NoError(t, err)
	assert.Equal(t, "p4", f.PropertyID)

	_, err = s.Feature(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Feature(ctx, "run-2", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ReadFeatures(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDuckStore_Aggregates(t *testing.T) {
	s := newTestStore(t)
	seedGold(t, s)
	ctx := context.Background()

	all, err := s.Aggregates(ctx, "run-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	castle, err := s.Aggregates(ctx, "run-1", map[string]string{"ward": "castle"})
	require.NoError(t, err)
	require.Len(t, castle, 1)
	assert.Equal(t, 1, castle[0].PropertyCount)
	assert.Equal(t, "Castle", castle[0].GroupKey["ward"])
	assert.Nil(t, castle[0].MeanAnnualSavings)

	none, err := s.Aggregates(ctx, "run-1", map[string]string{"property_type": "Flat"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDuckStore_Summary(t *testing.T) {
	s := newTestStore(t)
	seedGold(t, s)

	sum, err := s.Summary(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TotalProperties)
	assert.Equal(t, 3, sum.ScoredProperties)
	assert.Equal(t, 1, sum.HighPriorityCount)
	assert.Equal(t, 1, sum.MediumPriorityCount)
	assert.Equal(t, 1, sum.LowPriorityCount)
	require.NotNil(t, sum.AvgRetrofitScore)
	assert.Equal(t, 13.7, *sum.AvgRetrofitScore)
	assert.Equal(t, 55.0, *sum.AvgCurrentEfficiency)
	assert.Equal(t, 482.0, sum.TotalSavingsPotential)
	assert.Equal(t, 1.75, sum.TotalCO2Saving)

	empty, err := s.Summary(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalProperties)
	assert.Nil(t, empty.AvgRetrofitScore)
}

func TestDuckStore_ReportsAndRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	seedGold(t, s)
	runs := []*models.PipelineRun{
		{RunID: "run-1", Scope: "full", Status: models.RunSucceeded, StartedAt: t0, CompletedAt: t1},
		{RunID: "run-2", ParentRunID: "run-1", Scope: "gold", Status: models.RunFailed, Error: "boom", StartedAt: t1, CompletedAt: t1.Add(time.Minute)},
		{RunID: "run-3", ParentRunID: "run-1", Scope: "silver", Status: models.RunSucceeded, StartedAt: t1, CompletedAt: t1.Add(2 * time.Minute)},
	}
	for _, run := range runs {
		require.NoError(t, s.RecordRun(ctx, run))
	}

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest.RunID, "failed and silver-only runs never serve")
	assert.Empty(t, latest.ParentRunID)

	logged, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	assert.Equal(t, "run-1", logged[2].RunID)
	failed := logged[0]
	if failed.RunID != "run-2" {
		failed = logged[1]
	}
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, "run-1", failed.ParentRunID)

	reports, err := s.Reports(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, report("run-1", "gold"), reports[0])
}

func TestDuckStore_FailedWriteLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ctxCancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := s.WriteScores(ctxCancelled, "run-1", []*models.Score{{PropertyID: "p1"}}, report("run-1", "scoring"))
	require.Error(t, err)

	scores, err := s.ReadScores(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, scores)
	reports, err := s.Reports(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, reports)
}
