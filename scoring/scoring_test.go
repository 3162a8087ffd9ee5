package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"housing-retrofit/models"
)

func intp(v int) *int { return &v }

func TestHeuristicScorer(t *testing.T) {
	s := NewHeuristicScorer()

	tests := []struct {
		name       string
		in         Features
		wantOK     bool
		score      float64
		confidence float64
		priority   string
	}{
		{
			name:       "large gap is high priority",
			in:         Features{CurrentEfficiency: intp(45), PotentialEfficiency: intp(80), DataQualityScore: 75},
			wantOK:     true,
			score:      35,
			confidence: 0.75,
			priority:   models.PriorityHigh,
		},
		{
			name:       "image raises confidence",
			in:         Features{CurrentEfficiency: intp(60), PotentialEfficiency: intp(72), DataQualityScore: 50, ImageRef: "img/1.png"},
			wantOK:     true,
			score:      12,
			confidence: 0.6,
			priority:   models.PriorityMedium,
		},
		{
			name:       "confidence capped at one",
			in:         Features{CurrentEfficiency: intp(70), PotentialEfficiency: intp(75), DataQualityScore: 100, ImageRef: "x"},
			wantOK:     true,
			score:      5,
			confidence: 1,
			priority:   models.PriorityLow,
		},
		{
			name:       "negative gap clamps to zero",
			in:         Features{CurrentEfficiency: intp(80), PotentialEfficiency: intp(70)},
			wantOK:     true,
			score:      0,
			confidence: 0,
			priority:   models.PriorityLow,
		},
		{
			name:   "missing efficiency declines",
			in:     Features{CurrentEfficiency: intp(50)},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok, err := s.Score(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.score, res.Score)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
			assert.Equal(t, tt.priority, res.Priority)
			assert.Equal(t, "heuristic-v1", res.Model)
		})
	}
}

func TestHeuristicScorerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewHeuristicScorer().Score(ctx, Features{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPriorityFor(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	assert.Equal(t, models.PriorityUnscored, PriorityFor(nil))
	assert.Equal(t, models.PriorityHigh, PriorityFor(f(20)))
	assert.Equal(t, models.PriorityMedium, PriorityFor(f(19.9)))
	assert.Equal(t, models.PriorityMedium, PriorityFor(f(10)))
	assert.Equal(t, models.PriorityLow, PriorityFor(f(9.99)))
}

func TestFeaturesValidate(t *testing.T) {
	area := 0.0

	assert.NoError(t, Features{CurrentEfficiency: intp(1), PotentialEfficiency: intp(100)}.Validate())
	assert.ErrorContains(t, Features{CurrentEfficiency: intp(0)}.Validate(), "current_efficiency")
	assert.ErrorContains(t, Features{PotentialEfficiency: intp(101)}.Validate(), "potential_efficiency")
	assert.ErrorContains(t, Features{FloorArea: &area}.Validate(), "floor_area")
	assert.ErrorContains(t, Features{DataQualityScore: 120}.Validate(), "data_quality_score")
}

func TestFeaturesFromRecord(t *testing.T) {
	rec := &models.NormalizedRecord{
		PropertyID:          "100023",
		PropertyType:        "House",
		CurrentEfficiency:   intp(55),
		PotentialEfficiency: intp(81),
		DataQualityScore:    88,
		ImageRef:            "images/100023.png",
	}

	f := FeaturesFromRecord(rec)
	assert.Equal(t, "100023", f.PropertyID)
	assert.Equal(t, 55, *f.CurrentEfficiency)
	assert.Equal(t, "images/100023.png", f.ImageRef)
}
