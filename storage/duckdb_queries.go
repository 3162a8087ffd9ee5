package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"housing-retrofit/models"
)

// FeatureQuery pages through gold.epc_features.
type FeatureQuery struct {
	Priority string
	Limit    int
	Offset   int
}

// LatestRun returns the most recent succeeded run that produced gold.
func (s *DuckStore) LatestRun(ctx context.Context) (*models.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, parent_run_id, scope, status, error, started_at, completed_at
		FROM quality.runs
		WHERE status = 'succeeded' AND scope IN ('full', 'gold')
		ORDER BY completed_at DESC
		LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("duckdb: latest run: %w", err)
	}
	return run, nil
}

// Runs returns the run log, newest first.
func (s *DuckStore) Runs(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, parent_run_id, scope, status, error, started_at, completed_at
		FROM quality.runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: runs: %w", err)
	}
	defer rows.Close()

	var out []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("duckdb: scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.PipelineRun, error) {
	run := &models.PipelineRun{}
	var parent, runErr sql.NullString
	if err := sc.Scan(&run.RunID, &parent, &run.Scope, &run.Status, &runErr, &run.StartedAt, &run.CompletedAt); err != nil {
		return nil, err
	}
	run.ParentRunID, run.Error = parent.String, runErr.String
	run.StartedAt, run.CompletedAt = run.StartedAt.UTC(), run.CompletedAt.UTC()
	return run, nil
}

// Feature returns the gold row for a property id or certificate id.
func (s *DuckStore) Feature(ctx context.Context, runID, id string) (*models.PropertyFeature, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM gold.epc_features
		WHERE run_id = ? AND (property_id = ? OR certificate_id = ?)
		ORDER BY property_id
		LIMIT 1
	`, strings.Join(featureColumns, ", ")), runID, id, id)
	if err != nil {
		return nil, fmt.Errorf("duckdb: feature %s: %w", id, err)
	}
	defer rows.Close()

	features, err := scanFeatures(rows)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, ErrNotFound
	}
	return features[0], nil
}

// Features returns one page of features ordered by retrofit score, highest
// first, and the total number of matching rows.
func (s *DuckStore) Features(ctx context.Context, runID string, q FeatureQuery) ([]*models.PropertyFeature, int, error) {
	where := "WHERE run_id = ?"
	args := []any{runID}
	if q.Priority != "" {
		where += " AND retrofit_priority = ?"
		args = append(args, q.Priority)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM gold.epc_features "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("duckdb: count features: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM gold.epc_features
		%s
		ORDER BY retrofit_score DESC NULLS LAST, property_id
		LIMIT ? OFFSET ?
	`, strings.Join(featureColumns, ", "), where), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("duckdb: features: %w", err)
	}
	defer rows.Close()

	features, err := scanFeatures(rows)
	return features, total, err
}

// ReadFeatures returns every feature row of a run.
func (s *DuckStore) ReadFeatures(ctx context.Context, runID string) ([]*models.PropertyFeature, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM gold.epc_features
		WHERE run_id = ?
		ORDER BY property_id
	`, strings.Join(featureColumns, ", ")), runID)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read features: %w", err)
	}
	defer rows.Close()
	return scanFeatures(rows)
}

func scanFeatures(rows *sql.Rows) ([]*models.PropertyFeature, error) {
	var out []*models.PropertyFeature
	for rows.Next() {
		f := &models.PropertyFeature{}
		var (
			cur, pot          sql.NullInt64
			score, confidence sql.NullFloat64
			co2               sql.NullFloat64
		)
		if err := rows.Scan(
			&f.RunID, &f.CertificateID, &f.PropertyID, &f.Postcode, &f.PostTown, &f.LocalAuthority, &f.Ward,
			&f.PropertyType, &f.BuiltForm, &f.ConstructionEra, &f.Tenure, &f.MainFuel,
			&f.EnergyRating, &f.PotentialRating, &f.FloorArea,
			&cur, &pot,
			&score, &confidence, &f.RetrofitPriority,
			&f.TotalCostCurrent, &f.TotalCostPotential, &f.AnnualSavings,
			&co2, &f.DataQualityScore, &f.ImageRef, &f.TextSummary,
		); err != nil {
			return nil, fmt.Errorf("duckdb: scan feature: %w", err)
		}
		f.CurrentEfficiency, f.PotentialEfficiency = intPtr(cur), intPtr(pot)
		f.RetrofitScore, f.ScoreConfidence = floatPtr(score), floatPtr(confidence)
		f.CO2SavingTonnes = floatPtr(co2)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Aggregates returns the portfolio rows of a run whose group key matches
// every entry of filter.
func (s *DuckStore) Aggregates(ctx context.Context, runID string, filter map[string]string) ([]*models.AggregateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, group_key, property_count, scored_count, high_priority_count,
		       mean_current_efficiency, median_current_efficiency,
		       mean_floor_area, median_floor_area,
		       mean_retrofit_score, mean_annual_savings, total_co2_saving_tonnes
		FROM gold.portfolio_agg
		WHERE run_id = ?
		ORDER BY group_key
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("duckdb: aggregates: %w", err)
	}
	defer rows.Close()

	var out []*models.AggregateRecord
	for rows.Next() {
		a := &models.AggregateRecord{}
		var (
			key                    string
			meanEff, medianEff     sql.NullFloat64
			meanArea, medianArea   sql.NullFloat64
			meanScore, meanSavings sql.NullFloat64
		)
		if err := rows.Scan(&a.RunID, &key, &a.PropertyCount, &a.ScoredCount, &a.HighPriorityCount,
			&meanEff, &medianEff, &meanArea, &medianArea, &meanScore, &meanSavings, &a.TotalCO2Saving); err != nil {
			return nil, fmt.Errorf("duckdb: scan aggregate: %w", err)
		}
		if err := json.Unmarshal([]byte(key), &a.GroupKey); err != nil {
			return nil, fmt.Errorf("duckdb: decode group key: %w", err)
		}
		if !matches(a.GroupKey, filter) {
			continue
		}
		a.MeanCurrentEfficiency, a.MedianCurrentEfficiency = floatPtr(meanEff), floatPtr(medianEff)
		a.MeanFloorArea, a.MedianFloorArea = floatPtr(meanArea), floatPtr(medianArea)
		a.MeanRetrofitScore, a.MeanAnnualSavings = floatPtr(meanScore), floatPtr(meanSavings)
		out = append(out, a)
	}
	return out, rows.Err()
}

func matches(key, filter map[string]string) bool {
	for k, v := range filter {
		if !strings.EqualFold(key[k], v) {
			return false
		}
	}
	return true
}

// Summary computes headline figures over the features of a run.
func (s *DuckStore) Summary(ctx context.Context, runID string) (*models.PortfolioSummary, error) {
	sum := &models.PortfolioSummary{RunID: runID}
	var avgEff, avgScore sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(retrofit_score),
		       avg(current_efficiency),
		       avg(retrofit_score),
		       count(*) FILTER (WHERE retrofit_priority = 'High'),
		       count(*) FILTER (WHERE retrofit_priority = 'Medium'),
		       count(*) FILTER (WHERE retrofit_priority = 'Low'),
		       coalesce(sum(annual_savings_potential), 0),
		       coalesce(sum(co2_saving_tonnes), 0)
		FROM gold.epc_features
		WHERE run_id = ?
	`, runID).Scan(&sum.TotalProperties, &sum.ScoredProperties, &avgEff, &avgScore,
		&sum.HighPriorityCount, &sum.MediumPriorityCount, &sum.LowPriorityCount,
		&sum.TotalSavingsPotential, &sum.TotalCO2Saving)
	if err != nil {
		return nil, fmt.Errorf("duckdb: summary: %w", err)
	}

	sum.AvgCurrentEfficiency = round1(floatPtr(avgEff))
	sum.AvgRetrofitScore = round1(floatPtr(avgScore))
	sum.TotalSavingsPotential = math.Round(sum.TotalSavingsPotential*100) / 100
	sum.TotalCO2Saving = math.Round(sum.TotalCO2Saving*100) / 100
	return sum, nil
}

func round1(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := math.Round(*p*10) / 10
	return &v
}

// Reports returns the quality reports of a run in stage order.
func (s *DuckStore) Reports(ctx context.Context, runID string) ([]*models.QualityReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage, rows_in, rows_out, rejected_count, duplicates_removed,
		       reasons, null_rates, started_at, completed_at
		FROM quality.reports
		WHERE run_id = ?
		ORDER BY started_at, stage
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("duckdb: reports: %w", err)
	}
	defer rows.Close()

	var out []*models.QualityReport
	for rows.Next() {
		r := &models.QualityReport{}
		var reasons, nullRates string
		if err := rows.Scan(&r.RunID, &r.Stage, &r.RowsIn, &r.RowsOut, &r.RejectedCount, &r.DuplicatesRemoved,
			&reasons, &nullRates, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &r.Reasons); err != nil {
			return nil, fmt.Errorf("duckdb: decode reasons: %w", err)
		}
		if err := json.Unmarshal([]byte(nullRates), &r.NullRates); err != nil {
			return nil, fmt.Errorf("duckdb: decode null rates: %w", err)
		}
		r.StartedAt, r.CompletedAt = r.StartedAt.UTC(), r.CompletedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
