package services

import (
	"context"
	"fmt"
	"time"

	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/utils"
)

// ScoreResult holds the scores produced for one run.
type ScoreResult struct {
	RunID    string
	Scores   []*models.Score
	Declined int
	Report   *models.QualityReport
}

// ScoreStage runs the scoring model over valid silver records.
type ScoreStage struct {
	scorer scoring.Scorer
	logger *utils.Logger
	now    func() time.Time
}

// NewScoreStage creates a ScoreStage backed by scorer.
func NewScoreStage(scorer scoring.Scorer, logger *utils.Logger) *ScoreStage {
	return &ScoreStage{scorer: scorer, logger: logger, now: time.Now}
}

// Run scores every valid record. Quarantined records are never shown to the
// model. A scorer error aborts the stage.
func (s *ScoreStage) Run(ctx context.Context, runID string, records []*models.NormalizedRecord) (*ScoreResult, error) {
	started := s.now().UTC()
	res := &ScoreResult{RunID: runID}

	valid := 0
	for _, rec := range records {
		if !rec.Valid() {
			continue
		}
		valid++

		out, ok, err := s.scorer.Score(ctx, scoring.FeaturesFromRecord(rec))
		if err != nil {
			return nil, fmt.Errorf("scoring: %s: %w", rec.PropertyID, err)
		}
		if !ok {
			res.Declined++
			continue
		}
		res.Scores = append(res.Scores, &models.Score{
			RunID:      runID,
			PropertyID: rec.PropertyID,
			Score:      out.Score,
			Confidence: out.Confidence,
			Model:      out.Model,
		})
	}

	res.Report = &models.QualityReport{
		RunID:         runID,
		Stage:         StageScoring,
		RowsIn:        valid,
		RowsOut:       len(res.Scores),
		RejectedCount: res.Declined,
		Reasons:       map[string]int{},
		StartedAt:     started,
		CompletedAt:   s.now().UTC(),
	}
	if res.Declined > 0 {
		res.Report.Reasons["score:declined"] = res.Declined
	}

	s.logger.Info("[scoring] %s scored %d of %d valid records (%d declined)",
		s.scorer.Name(), len(res.Scores), valid, res.Declined)
	return res, nil
}
