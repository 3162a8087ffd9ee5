// Package scoring holds the retrofit scoring model interface and the
// heuristic model used until a trained one is plugged in.
package scoring

import (
	"context"
	"fmt"
	"math"

	"housing-retrofit/models"
)

// Priority thresholds on the 0..100 retrofit score.
const (
	HighThreshold   = 20.0
	MediumThreshold = 10.0
)

// Features is the structured input a scorer sees for one property.
type Features struct {
	PropertyID          string   `json:"property_id,omitempty"`
	PropertyType        string   `json:"property_type"`
	BuiltForm           string   `json:"built_form"`
	ConstructionEra     string   `json:"construction_era"`
	EnergyRating        string   `json:"energy_rating"`
	FloorArea           *float64 `json:"floor_area"`
	CurrentEfficiency   *int     `json:"current_efficiency"`
	PotentialEfficiency *int     `json:"potential_efficiency"`
	MainFuel            string   `json:"main_fuel"`
	WallsDescription    string   `json:"walls_description"`
	RoofDescription     string   `json:"roof_description"`
	WindowsDescription  string   `json:"windows_description"`
	HeatingDescription  string   `json:"heating_description"`
	DataQualityScore    float64  `json:"data_quality_score"`
	ImageRef            string   `json:"image_ref,omitempty"`
}

// Validate rejects inputs no scorer should be asked about.
func (f Features) Validate() error {
	for name, v := range map[string]*int{
		"current_efficiency":   f.CurrentEfficiency,
		"potential_efficiency": f.PotentialEfficiency,
	} {
		if v != nil && (*v < 1 || *v > 100) {
			return fmt.Errorf("%s must be between 1 and 100, got %d", name, *v)
		}
	}
	if f.FloorArea != nil && *f.FloorArea <= 0 {
		return fmt.Errorf("floor_area must be positive, got %g", *f.FloorArea)
	}
	if f.DataQualityScore < 0 || f.DataQualityScore > 100 {
		return fmt.Errorf("data_quality_score must be between 0 and 100, got %g", f.DataQualityScore)
	}
	return nil
}

// Result is a scorer's answer for one property.
type Result struct {
	Score      float64 `json:"retrofit_score"`
	Confidence float64 `json:"confidence"`
	Priority   string  `json:"priority"`
	Model      string  `json:"model"`
}

// Scorer produces a retrofit score. ok is false when the scorer declines to
// score the input; declining is not an error.
type Scorer interface {
	Score(ctx context.Context, f Features) (res Result, ok bool, err error)
	Name() string
}

// HeuristicScorer scores a property by its efficiency gap.
type HeuristicScorer struct{}

// NewHeuristicScorer returns the default scorer.
func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

func (h *HeuristicScorer) Name() string { return "heuristic-v1" }

// Score is potential minus current efficiency clamped to 0..100. Confidence
// follows the record's completeness, with a small bonus when imagery exists.
func (h *HeuristicScorer) Score(ctx context.Context, f Features) (Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, false, err
	}
	if f.CurrentEfficiency == nil || f.PotentialEfficiency == nil {
		return Result{}, false, nil
	}

	score := clamp(float64(*f.PotentialEfficiency-*f.CurrentEfficiency), 0, 100)
	confidence := f.DataQualityScore / 100
	if f.ImageRef != "" {
		confidence += 0.1
	}
	confidence = math.Round(clamp(confidence, 0, 1)*100) / 100

	return Result{
		Score:      score,
		Confidence: confidence,
		Priority:   PriorityFor(&score),
		Model:      h.Name(),
	}, true, nil
}

// PriorityFor maps a score onto its band. A nil score is Unscored.
func PriorityFor(score *float64) string {
	switch {
	case score == nil:
		return models.PriorityUnscored
	case *score >= HighThreshold:
		return models.PriorityHigh
	case *score >= MediumThreshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// FeaturesFromRecord builds scorer input from a silver record.
func FeaturesFromRecord(r *models.NormalizedRecord) Features {
	return Features{
		PropertyID:          r.PropertyID,
		PropertyType:        r.PropertyType,
		BuiltForm:           r.BuiltForm,
		ConstructionEra:     r.ConstructionEra,
		EnergyRating:        r.EnergyRating,
		FloorArea:           r.FloorArea,
		CurrentEfficiency:   r.CurrentEfficiency,
		PotentialEfficiency: r.PotentialEfficiency,
		MainFuel:            r.MainFuel,
		WallsDescription:    r.WallsDescription,
		RoofDescription:     r.RoofDescription,
		WindowsDescription:  r.WindowsDescription,
		HeatingDescription:  r.HeatingDescription,
		DataQualityScore:    r.DataQualityScore,
		ImageRef:            r.ImageRef,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
