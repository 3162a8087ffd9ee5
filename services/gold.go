package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"housing-retrofit/config"
	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/utils"
)

// priorityKey is the one gold-derived field that may be used as a partition key.
const priorityKey = "retrofit_priority"

// GoldResult is the consumer-facing output of one gold run.
type GoldResult struct {
	RunID      string
	Features   []*models.PropertyFeature
	Aggregates []*models.AggregateRecord
	Report     *models.QualityReport
}

// Aggregator builds per-property features and portfolio aggregates.
type Aggregator struct {
	keys   []string
	logger *utils.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator grouping by cfg.PartitionKeys.
func NewAggregator(cfg *config.Config, logger *utils.Logger) *Aggregator {
	return &Aggregator{keys: cfg.PartitionKeys, logger: logger, now: time.Now}
}

// CheckKeys returns an *AggregationError naming every key that is not a
// groupable field.
func CheckKeys(keys []string) error {
	var unknown []string
	for _, k := range keys {
		if _, ok := groupFields[k]; !ok && k != priorityKey {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return &AggregationError{Keys: unknown}
	}
	return nil
}

// Aggregate joins valid records with their scores and groups them by the
// configured partition keys. Quarantined records are excluded; records with
// no score still count towards PropertyCount.
func (a *Aggregator) Aggregate(runID string, records []*models.NormalizedRecord, scores []*models.Score) (*GoldResult, error) {
	if err := CheckKeys(a.keys); err != nil {
		return nil, err
	}
	started := a.now().UTC()

	byProperty := make(map[string]*models.Score, len(scores))
	for _, s := range scores {
		byProperty[s.PropertyID] = s
	}

	report := &models.QualityReport{
		RunID:     runID,
		Stage:     StageGold,
		RowsIn:    len(records),
		Reasons:   map[string]int{},
		StartedAt: started,
	}

	features := make([]*models.PropertyFeature, 0, len(records))
	for _, rec := range records {
		if !rec.Valid() {
			report.RejectedCount++
			report.Reasons["validation_status:quarantined"]++
			continue
		}
		f := buildFeature(runID, rec, byProperty[rec.PropertyID])
		if f.RetrofitScore == nil {
			report.Reasons["retrofit_score:missing"]++
		}
		features = append(features, f)
	}

	aggregates := a.group(runID, features)

	report.RowsOut = len(features)
	report.CompletedAt = a.now().UTC()

	a.logger.Info("[gold] %d features, %d portfolio groups by %s",
		len(features), len(aggregates), strings.Join(a.keys, ","))

	return &GoldResult{RunID: runID, Features: features, Aggregates: aggregates, Report: report}, nil
}

func buildFeature(runID string, rec *models.NormalizedRecord, score *models.Score) *models.PropertyFeature {
	f := &models.PropertyFeature{
		RunID:               runID,
		CertificateID:       rec.CertificateID,
		PropertyID:          rec.PropertyID,
		Postcode:            rec.Postcode,
		PostTown:            rec.PostTown,
		LocalAuthority:      rec.LocalAuthority,
		Ward:                rec.Ward,
		PropertyType:        rec.PropertyType,
		BuiltForm:           rec.BuiltForm,
		ConstructionEra:     rec.ConstructionEra,
		Tenure:              rec.Tenure,
		MainFuel:            rec.MainFuel,
		EnergyRating:        rec.EnergyRating,
		PotentialRating:     rec.PotentialRating,
		CurrentEfficiency:   rec.CurrentEfficiency,
		PotentialEfficiency: rec.PotentialEfficiency,
		DataQualityScore:    rec.DataQualityScore,
		ImageRef:            rec.ImageRef,
	}
	if rec.FloorArea != nil {
		f.FloorArea = *rec.FloorArea
	}

	if score != nil {
		s, c := score.Score, score.Confidence
		f.RetrofitScore = &s
		f.ScoreConfidence = &c
	}
	f.RetrofitPriority = scoring.PriorityFor(f.RetrofitScore)

	f.TotalCostCurrent = round(orZero(rec.HeatingCostCurrent)+orZero(rec.HotWaterCostCurrent)+orZero(rec.LightingCostCurrent), 2)
	f.TotalCostPotential = round(orZero(rec.HeatingCostPotential)+orZero(rec.HotWaterCostPotential)+orZero(rec.LightingCostPotential), 2)
	f.AnnualSavings = round(f.TotalCostCurrent-f.TotalCostPotential, 2)

	if rec.CO2Current != nil && rec.CO2Potential != nil {
		saving := round(*rec.CO2Current-*rec.CO2Potential, 2)
		f.CO2SavingTonnes = &saving
	}

	f.TextSummary = textSummary(rec)
	return f
}

// textSummary renders the property as one sentence for the text encoder.
func textSummary(r *models.NormalizedRecord) string {
	era := "in an unknown period"
	if r.ConstructionEra != "" {
		era = strings.ToLower(r.ConstructionEra)
	}
	current, potential := "?", "?"
	if r.CurrentEfficiency != nil {
		current = fmt.Sprint(*r.CurrentEfficiency)
	}
	if r.PotentialEfficiency != nil {
		potential = fmt.Sprint(*r.PotentialEfficiency)
	}

	return fmt.Sprintf(
		"This is a %s (%s) built %s. It has an energy rating of %s (efficiency score %s/100) "+
			"and could reach %s (%s/100) with improvements. Walls: %s. Roof: %s. Windows: %s. "+
			"Heating: %s. Main fuel: %s.",
		strings.ToLower(orDefault(r.PropertyType, "residential property")),
		strings.ToLower(orDefault(r.BuiltForm, "unknown form")),
		era,
		orDefault(r.EnergyRating, "?"), current,
		orDefault(r.PotentialRating, "?"), potential,
		strings.ToLower(orDefault(r.WallsDescription, "unknown")),
		strings.ToLower(orDefault(r.RoofDescription, "unknown")),
		strings.ToLower(orDefault(r.WindowsDescription, "unknown")),
		strings.ToLower(orDefault(r.HeatingDescription, "unknown")),
		strings.ToLower(orDefault(r.MainFuel, "unknown")),
	)
}

type groupAcc struct {
	key        map[string]string
	efficiency []float64
	floorArea  []float64
	scores     []float64
	savings    []float64
	co2        float64
	count      int
	high       int
}

func (a *Aggregator) group(runID string, features []*models.PropertyFeature) []*models.AggregateRecord {
	groups := map[string]*groupAcc{}
	for _, f := range features {
		key := make(map[string]string, len(a.keys))
		parts := make([]string, len(a.keys))
		for i, k := range a.keys {
			key[k] = featureField(f, k)
			parts[i] = key[k]
		}
		id := strings.Join(parts, "\x1f")

		g, ok := groups[id]
		if !ok {
			g = &groupAcc{key: key}
			groups[id] = g
		}
		g.count++
		if f.CurrentEfficiency != nil {
			g.efficiency = append(g.efficiency, float64(*f.CurrentEfficiency))
		}
		if f.FloorArea > 0 {
			g.floorArea = append(g.floorArea, f.FloorArea)
		}
		if f.RetrofitScore != nil {
			g.scores = append(g.scores, *f.RetrofitScore)
		}
		g.savings = append(g.savings, f.AnnualSavings)
		if f.CO2SavingTonnes != nil {
			g.co2 += *f.CO2SavingTonnes
		}
		if f.RetrofitPriority == models.PriorityHigh {
			g.high++
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.AggregateRecord, 0, len(ids))
	for _, id := range ids {
		g := groups[id]
		out = append(out, &models.AggregateRecord{
			RunID:                   runID,
			GroupKey:                g.key,
			PropertyCount:           g.count,
			ScoredCount:             len(g.scores),
			HighPriorityCount:       g.high,
			MeanCurrentEfficiency:   mean(g.efficiency),
			MedianCurrentEfficiency: median(g.efficiency),
			MeanFloorArea:           mean(g.floorArea),
			MedianFloorArea:         median(g.floorArea),
			MeanRetrofitScore:       mean(g.scores),
			MeanAnnualSavings:       mean(g.savings),
			TotalCO2Saving:          round(g.co2, 2),
		})
	}
	return out
}

func featureField(f *models.PropertyFeature, key string) string {
	switch key {
	case "property_type":
		return f.PropertyType
	case "construction_era":
		return f.ConstructionEra
	case "ward":
		return f.Ward
	case "local_authority":
		return f.LocalAuthority
	case "built_form":
		return f.BuiltForm
	case "tenure":
		return f.Tenure
	case "main_fuel":
		return f.MainFuel
	case "energy_rating":
		return f.EnergyRating
	case "postcode":
		return f.Postcode
	case "post_town":
		return f.PostTown
	case priorityKey:
		return f.RetrofitPriority
	}
	return ""
}

// mean and median return nil for an empty sample.
func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	m := round(total/float64(len(xs)), 2)
	return &m
}

func median(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	m := s[mid]
	if len(s)%2 == 0 {
		m = (s[mid-1] + s[mid]) / 2
	}
	m = round(m, 2)
	return &m
}

func orZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
