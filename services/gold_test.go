package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/utils"
)

func silverRecord(id, ward string, current, potential int) *models.NormalizedRecord {
	return &models.NormalizedRecord{
		CertificateID:       "LMK-" + id,
		PropertyID:          id,
		Ward:                ward,
		PropertyType:        "House",
		BuiltForm:           "Mid-Terrace",
		ConstructionEra:     "England and Wales: before 1900",
		EnergyRating:        "E",
		PotentialRating:     "C",
		FloorArea:           floatp(90),
		CurrentEfficiency:   intp(current),
		PotentialEfficiency: intp(potential),
		DataQualityScore:    75,
		ValidationStatus:    models.StatusValid,
	}
}

func newTestAggregator(keys ...string) *Aggregator {
	cfg := testConfig()
	if len(keys) > 0 {
		cfg.PartitionKeys = keys
	}
	a := NewAggregator(cfg, utils.NewNopLogger())
	a.now = func() time.Time { return fixedTime }
	return a
}

func TestAggregateUnscoredStillCounted(t *testing.T) {
	var records []*models.NormalizedRecord
	var scores []*models.Score
	for i := 0; i < 10; i++ {
		id := fmt.Sprint(i)
		records = append(records, silverRecord(id, "Headingley", 40, 70))
		if i >= 3 {
			scores = append(scores, &models.Score{PropertyID: id, Score: float64(i * 2), Confidence: 0.8})
		}
	}

	res, err := newTestAggregator().Aggregate("run-1", records, scores)
	require.NoError(t, err)

	require.Len(t, res.Aggregates, 1)
	agg := res.Aggregates[0]
	assert.Equal(t, 10, agg.PropertyCount)
	assert.Equal(t, 7, agg.ScoredCount)
	// (6+8+10+12+14+16+18)/7
	assert.Equal(t, 12.0, *agg.MeanRetrofitScore)
	assert.Equal(t, 40.0, *agg.MeanCurrentEfficiency)
	assert.Equal(t, 90.0, *agg.MedianFloorArea)
	assert.Equal(t, map[string]string{
		"property_type":    "House",
		"construction_era": "England and Wales: before 1900",
		"ward":             "Headingley",
	}, agg.GroupKey)

	assert.Equal(t, 3, res.Report.Reasons["retrofit_score:missing"])
	assert.Len(t, res.Features, 10)
}

func TestAggregateCountsMatchValidRecords(t *testing.T) {
	records := []*models.NormalizedRecord{
		silverRecord("1", "Headingley", 50, 80),
		silverRecord("2", "Hyde Park", 50, 80),
		silverRecord("3", "Hyde Park", 60, 70),
		silverRecord("4", "Armley", 30, 90),
	}
	bad := silverRecord("5", "Armley", 30, 90)
	bad.ValidationStatus = models.StatusQuarantined
	records = append(records, bad)

	res, err := newTestAggregator().Aggregate("run-1", records, nil)
	require.NoError(t, err)

	total := 0
	for _, a := range res.Aggregates {
		total += a.PropertyCount
		assert.Nil(t, a.MeanRetrofitScore, "no scored rows in %v", a.GroupKey)
		assert.Zero(t, a.ScoredCount)
	}
	assert.Equal(t, 4, total)
	assert.Len(t, res.Aggregates, 3)
	assert.Equal(t, "Armley", res.Aggregates[0].GroupKey["ward"], "groups are ordered by key")

	assert.Equal(t, 5, res.Report.RowsIn)
	assert.Equal(t, 4, res.Report.RowsOut)
	assert.Equal(t, 1, res.Report.RejectedCount)
	assert.Equal(t, 1, res.Report.Reasons["validation_status:quarantined"])
	for _, f := range res.Features {
		assert.NotEqual(t, "5", f.PropertyID)
		assert.Equal(t, models.PriorityUnscored, f.RetrofitPriority)
	}
}

func TestAggregateUnknownKeys(t *testing.T) {
	_, err := newTestAggregator("property_type", "colour", "roof_shape").
		Aggregate("run-1", []*models.NormalizedRecord{silverRecord("1", "A", 50, 60)}, nil)

	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, []string{"colour", "roof_shape"}, aggErr.Keys)
}

func TestAggregateByPriority(t *testing.T) {
	records := []*models.NormalizedRecord{
		silverRecord("1", "A", 40, 70),
		silverRecord("2", "A", 60, 72),
		silverRecord("3", "A", 65, 68),
	}
	scores := []*models.Score{
		{PropertyID: "1", Score: 30},
		{PropertyID: "2", Score: 12},
		{PropertyID: "3", Score: 3},
	}

	res, err := newTestAggregator("retrofit_priority").Aggregate("run-1", records, scores)
	require.NoError(t, err)

	got := map[string]int{}
	for _, a := range res.Aggregates {
		got[a.GroupKey["retrofit_priority"]] = a.PropertyCount
	}
	assert.Equal(t, map[string]int{"High": 1, "Medium": 1, "Low": 1}, got)
}

func TestBuildFeature(t *testing.T) {
	rec := silverRecord("100023", "Headingley", 45, 80)
	rec.WallsDescription = "Solid brick, as built, no insulation"
	rec.MainFuel = "Mains gas"
	rec.RoofDescription = "Pitched, 100 mm loft insulation"
	rec.HeatingCostCurrent = floatp(900)
	rec.HeatingCostPotential = floatp(600)
	rec.HotWaterCostCurrent = floatp(120.4)
	rec.HotWaterCostPotential = floatp(100.2)
	rec.LightingCostPotential = floatp(50)
	rec.CO2Current = floatp(4.123)
	rec.CO2Potential = floatp(1.5)

	f := buildFeature("run-1", rec, &models.Score{PropertyID: "100023", Score: 35, Confidence: 0.85})

	assert.Equal(t, 1020.4, f.TotalCostCurrent)
	assert.Equal(t, 750.2, f.TotalCostPotential)
	assert.Equal(t, 270.2, f.AnnualSavings)
	assert.Equal(t, 2.62, *f.CO2SavingTonnes)
	assert.Equal(t, 35.0, *f.RetrofitScore)
	assert.Equal(t, models.PriorityHigh, f.RetrofitPriority)
	assert.Equal(t,
		"This is a house (mid-terrace) built england and wales: before 1900. "+
			"It has an energy rating of E (efficiency score 45/100) and could reach C (80/100) with improvements. "+
			"Walls: solid brick, as built, no insulation. Roof: pitched, 100 mm loft insulation. Windows: unknown. Heating: unknown. Main fuel: mains gas.",
		f.TextSummary)
}

func TestTextSummaryDefaults(t *testing.T) {
	got := textSummary(&models.NormalizedRecord{})
	assert.Equal(t,
		"This is a residential property (unknown form) built in an unknown period. "+
			"It has an energy rating of ? (efficiency score ?/100) and could reach ? (?/100) with improvements. "+
			"Walls: unknown. Roof: unknown. Windows: unknown. Heating: unknown. Main fuel: unknown.",
		got)
}

func TestMeanAndMedian(t *testing.T) {
	assert.Nil(t, mean(nil))
	assert.Nil(t, median(nil))
	assert.Equal(t, 2.5, *median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 3.0, *median([]float64{5, 3, 1}))
	assert.Equal(t, 3.33, *mean([]float64{1, 4, 5}))
}

type stubScorer struct {
	err      error
	declined map[string]bool
}

func (s *stubScorer) Name() string { return "stub" }

func (s *stubScorer) Score(_ context.Context, f scoring.Features) (scoring.Result, bool, error) {
	if s.err != nil {
		return scoring.Result{}, false, s.err
	}
	if s.declined[f.PropertyID] {
		return scoring.Result{}, false, nil
	}
	return scoring.Result{Score: 15, Confidence: 0.5, Model: "stub"}, true, nil
}

func TestScoreStage(t *testing.T) {
	records := []*models.NormalizedRecord{
		silverRecord("1", "A", 40, 70),
		silverRecord("2", "A", 40, 70),
		silverRecord("3", "A", 40, 70),
	}
	records[2].ValidationStatus = models.StatusQuarantined

	stage := NewScoreStage(&stubScorer{declined: map[string]bool{"2": true}}, utils.NewNopLogger())
	res, err := stage.Run(context.Background(), "run-1", records)
	require.NoError(t, err)

	require.Len(t, res.Scores, 1)
	assert.Equal(t, "1", res.Scores[0].PropertyID)
	assert.Equal(t, "run-1", res.Scores[0].RunID)
	assert.Equal(t, 1, res.Declined)
	assert.Equal(t, 2, res.Report.RowsIn)
	assert.Equal(t, 1, res.Report.Reasons["score:declined"])

	_, err = NewScoreStage(&stubScorer{err: errors.New("model offline")}, utils.NewNopLogger()).
		Run(context.Background(), "run-1", records)
	assert.ErrorContains(t, err, "model offline")
}
