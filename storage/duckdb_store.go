package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"housing-retrofit/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS bronze`,
	`CREATE SCHEMA IF NOT EXISTS silver`,
	`CREATE SCHEMA IF NOT EXISTS scores`,
	`CREATE SCHEMA IF NOT EXISTS gold`,
	`CREATE SCHEMA IF NOT EXISTS quality`,

	`CREATE TABLE IF NOT EXISTS bronze.ingestions (
		ingestion_id VARCHAR NOT NULL,
		run_id       VARCHAR NOT NULL,
		source_file  VARCHAR NOT NULL,
		source_kind  VARCHAR NOT NULL,
		encoding     VARCHAR NOT NULL,
		header       VARCHAR NOT NULL,
		row_count    BIGINT  NOT NULL,
		ingested_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bronze.epc_raw (
		ingestion_id VARCHAR NOT NULL,
		run_id       VARCHAR NOT NULL,
		source_file  VARCHAR NOT NULL,
		source_row   BIGINT  NOT NULL,
		ingested_at  TIMESTAMP NOT NULL,
		fields       VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bronze.image_raw (
		ingestion_id VARCHAR NOT NULL,
		run_id       VARCHAR NOT NULL,
		source_file  VARCHAR NOT NULL,
		source_row   BIGINT  NOT NULL,
		ingested_at  TIMESTAMP NOT NULL,
		fields       VARCHAR NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS silver.epc_clean (
		run_id                   VARCHAR NOT NULL,
		certificate_id           VARCHAR,
		property_id              VARCHAR,
		address1                 VARCHAR,
		address2                 VARCHAR,
		postcode                 VARCHAR,
		post_town                VARCHAR,
		local_authority          VARCHAR,
		ward                     VARCHAR,
		property_type            VARCHAR,
		built_form               VARCHAR,
		construction_era         VARCHAR,
		tenure                   VARCHAR,
		main_fuel                VARCHAR,
		energy_rating            VARCHAR,
		potential_rating         VARCHAR,
		floor_area               DOUBLE,
		current_efficiency       BIGINT,
		potential_efficiency     BIGINT,
		co2_current              DOUBLE,
		co2_potential            DOUBLE,
		heating_cost_current     DOUBLE,
		heating_cost_potential   DOUBLE,
		hot_water_cost_current   DOUBLE,
		hot_water_cost_potential DOUBLE,
		lighting_cost_current    DOUBLE,
		lighting_cost_potential  DOUBLE,
		walls_description        VARCHAR,
		roof_description         VARCHAR,
		windows_description      VARCHAR,
		heating_description      VARCHAR,
		walls_eff_score          BIGINT,
		roof_eff_score           BIGINT,
		windows_eff_score        BIGINT,
		heating_eff_score        BIGINT,
		hot_water_eff_score      BIGINT,
		lighting_eff_score       BIGINT,
		inspection_date          TIMESTAMP,
		lodgement_date           TIMESTAMP,
		image_ref                VARCHAR,
		data_quality_score       DOUBLE,
		source_file              VARCHAR,
		source_row               BIGINT,
		ingested_at              TIMESTAMP,
		quality_flags            VARCHAR,
		validation_status        VARCHAR NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS scores.retrofit_scores (
		run_id      VARCHAR NOT NULL,
		property_id VARCHAR NOT NULL,
		score       DOUBLE  NOT NULL,
		confidence  DOUBLE  NOT NULL,
		model       VARCHAR NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS gold.epc_features (
		run_id                   VARCHAR NOT NULL,
		certificate_id           VARCHAR,
		property_id              VARCHAR NOT NULL,
		postcode                 VARCHAR,
		post_town                VARCHAR,
		local_authority          VARCHAR,
		ward                     VARCHAR,
		property_type            VARCHAR,
		built_form               VARCHAR,
		construction_era         VARCHAR,
		tenure                   VARCHAR,
		main_fuel                VARCHAR,
		energy_rating            VARCHAR,
		potential_rating         VARCHAR,
		floor_area               DOUBLE,
		current_efficiency       BIGINT,
		potential_efficiency     BIGINT,
		retrofit_score           DOUBLE,
		score_confidence         DOUBLE,
		retrofit_priority        VARCHAR,
		total_cost_current       DOUBLE,
		total_cost_potential     DOUBLE,
		annual_savings_potential DOUBLE,
		co2_saving_tonnes        DOUBLE,
		data_quality_score       DOUBLE,
		image_ref                VARCHAR,
		text_summary             VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS gold.portfolio_agg (
		run_id                    VARCHAR NOT NULL,
		group_key                 VARCHAR NOT NULL,
		property_type             VARCHAR,
		construction_era          VARCHAR,
		ward                      VARCHAR,
		property_count            BIGINT NOT NULL,
		scored_count              BIGINT NOT NULL,
		high_priority_count       BIGINT NOT NULL,
		mean_current_efficiency   DOUBLE,
		median_current_efficiency DOUBLE,
		mean_floor_area           DOUBLE,
		median_floor_area         DOUBLE,
		mean_retrofit_score       DOUBLE,
		mean_annual_savings       DOUBLE,
		total_co2_saving_tonnes   DOUBLE NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS quality.reports (
		run_id             VARCHAR NOT NULL,
		stage              VARCHAR NOT NULL,
		rows_in            BIGINT  NOT NULL,
		rows_out           BIGINT  NOT NULL,
		rejected_count     BIGINT  NOT NULL,
		duplicates_removed BIGINT  NOT NULL,
		reasons            VARCHAR NOT NULL,
		null_rates         VARCHAR NOT NULL,
		started_at         TIMESTAMP NOT NULL,
		completed_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quality.runs (
		run_id        VARCHAR NOT NULL,
		parent_run_id VARCHAR,
		scope         VARCHAR NOT NULL,
		status        VARCHAR NOT NULL,
		error         VARCHAR,
		started_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP NOT NULL
	)`,
}

// DuckStore keeps every pipeline stage in one DuckDB file, one schema per
// layer. Each stage write is a single transaction that also appends the
// stage's quality report.
type DuckStore struct {
	db *sql.DB
}

// NewDuckStore opens (or creates) the DuckDB file at path and migrates it.
func NewDuckStore(path string) (*DuckStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("duckdb: create data dir: %w", err)
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("duckdb: ping %s: %w", path, err)
	}

	s := &DuckStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("duckdb: migrate: %w", err)
	}
	return s, nil
}

func (s *DuckStore) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *DuckStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *DuckStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction and appends report to quality.reports
// before committing.
func (s *DuckStore) inTx(ctx context.Context, report *models.QualityReport, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if report != nil {
		if err := insertReport(ctx, tx, report); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: commit: %w", err)
	}
	return nil
}

// insertRows prepares query once and executes it for every args slice.
func insertRows(ctx context.Context, tx *sql.Tx, table, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("duckdb: prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for _, args := range rows {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("duckdb: insert into %s: %w", table, err)
		}
	}
	return nil
}

func insertQuery(table string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), marks)
}

// ── bronze ────────────────────────────────────────────────────────────────

var rawColumns = []string{"ingestion_id", "run_id", "source_file", "source_row", "ingested_at", "fields"}

// WriteBronze lands all partitions of a run atomically.
func (s *DuckStore) WriteBronze(ctx context.Context, runID string, batches []*models.RawBatch, report *models.QualityReport) error {
	return s.inTx(ctx, report, func(tx *sql.Tx) error {
		var ingestions [][]any
		raw := map[string][][]any{}
		for _, b := range batches {
			header, err := json.Marshal(b.Ingestion.Columns)
			if err != nil {
				return fmt.Errorf("duckdb: encode header: %w", err)
			}
			ing := b.Ingestion
			ingestions = append(ingestions, []any{
				ing.IngestionID, runID, ing.SourceFile, ing.SourceKind, ing.Encoding,
				string(header), ing.RowCount, ing.IngestedAt,
			})

			table := rawTable(ing.SourceKind)
			for _, r := range b.Records {
				fields, err := json.Marshal(r.Fields)
				if err != nil {
					return fmt.Errorf("duckdb: encode row %d of %s: %w", r.RowNumber, r.SourceFile, err)
				}
				raw[table] = append(raw[table], []any{
					r.IngestionID, runID, r.SourceFile, r.RowNumber, r.IngestedAt, string(fields),
				})
			}
		}

		if err := insertRows(ctx, tx, "bronze.ingestions", insertQuery("bronze.ingestions", []string{
			"ingestion_id", "run_id", "source_file", "source_kind", "encoding", "header", "row_count", "ingested_at",
		}), ingestions); err != nil {
			return err
		}
		for table, rows := range raw {
			if err := insertRows(ctx, tx, table, insertQuery(table, rawColumns), rows); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadBronze rebuilds the committed partitions of a run, split by kind.
func (s *DuckStore) ReadBronze(ctx context.Context, runID string) (epc, images []*models.RawBatch, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ingestion_id, source_file, source_kind, encoding, header, row_count, ingested_at
		FROM bronze.ingestions
		WHERE run_id = ?
		ORDER BY source_file, ingestion_id
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("duckdb: read ingestions: %w", err)
	}

	var batches []*models.RawBatch
	for rows.Next() {
		b := &models.RawBatch{Ingestion: models.Ingestion{RunID: runID}}
		var header string
		ing := &b.Ingestion
		if err := rows.Scan(&ing.IngestionID, &ing.SourceFile, &ing.SourceKind, &ing.Encoding,
			&header, &ing.RowCount, &ing.IngestedAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("duckdb: scan ingestion: %w", err)
		}
		if err := json.Unmarshal([]byte(header), &ing.Columns); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("duckdb: decode header of %s: %w", ing.SourceFile, err)
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, b := range batches {
		if err := s.readRaw(ctx, b); err != nil {
			return nil, nil, err
		}
		if b.Ingestion.SourceKind == models.SourceKindImage {
			images = append(images, b)
		} else {
			epc = append(epc, b)
		}
	}
	return epc, images, nil
}

func (s *DuckStore) readRaw(ctx context.Context, b *models.RawBatch) error {
	ing := b.Ingestion
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_row, ingested_at, fields
		FROM %s
		WHERE ingestion_id = ?
		ORDER BY source_row
	`, rawTable(ing.SourceKind)), ing.IngestionID)
	if err != nil {
		return fmt.Errorf("duckdb: read raw rows of %s: %w", ing.SourceFile, err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &models.RawRecord{
			IngestionID: ing.IngestionID,
			RunID:       ing.RunID,
			SourceFile:  ing.SourceFile,
			SourceKind:  ing.SourceKind,
		}
		var fields string
		if err := rows.Scan(&r.RowNumber, &r.IngestedAt, &fields); err != nil {
			return fmt.Errorf("duckdb: scan raw row: %w", err)
		}
		r.IngestedAt = r.IngestedAt.UTC()
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return fmt.Errorf("duckdb: decode row %d of %s: %w", r.RowNumber, ing.SourceFile, err)
		}
		b.Records = append(b.Records, r)
	}
	return rows.Err()
}

func rawTable(kind string) string {
	if kind == models.SourceKindImage {
		return "bronze.image_raw"
	}
	return "bronze.epc_raw"
}

// ── silver ────────────────────────────────────────────────────────────────

var silverColumns = []string{
	"run_id", "certificate_id", "property_id",
	"address1", "address2", "postcode", "post_town", "local_authority", "ward",
	"property_type", "built_form", "construction_era", "tenure", "main_fuel",
	"energy_rating", "potential_rating", "floor_area",
	"current_efficiency", "potential_efficiency", "co2_current", "co2_potential",
	"heating_cost_current", "heating_cost_potential",
	"hot_water_cost_current", "hot_water_cost_potential",
	"lighting_cost_current", "lighting_cost_potential",
	"walls_description", "roof_description", "windows_description", "heating_description",
	"walls_eff_score", "roof_eff_score", "windows_eff_score",
	"heating_eff_score", "hot_water_eff_score", "lighting_eff_score",
	"inspection_date", "lodgement_date", "image_ref", "data_quality_score",
	"source_file", "source_row", "ingested_at", "quality_flags", "validation_status",
}

// WriteSilver stores the normalized records of a run, valid and quarantined.
func (s *DuckStore) WriteSilver(ctx context.Context, runID string, records []*models.NormalizedRecord, report *models.QualityReport) error {
	return s.inTx(ctx, report, func(tx *sql.Tx) error {
		rows := make([][]any, 0, len(records))
		for _, r := range records {
			flags, err := json.Marshal(r.QualityFlags)
			if err != nil {
				return fmt.Errorf("duckdb: encode flags: %w", err)
			}
			rows = append(rows, []any{
				runID, r.CertificateID, r.PropertyID,
				r.Address1, r.Address2, r.Postcode, r.PostTown, r.LocalAuthority, r.Ward,
				r.PropertyType, r.BuiltForm, r.ConstructionEra, r.Tenure, r.MainFuel,
				r.EnergyRating, r.PotentialRating, nullFloat(r.FloorArea),
				nullInt(r.CurrentEfficiency), nullInt(r.PotentialEfficiency),
				nullFloat(r.CO2Current), nullFloat(r.CO2Potential),
				nullFloat(r.HeatingCostCurrent), nullFloat(r.HeatingCostPotential),
				nullFloat(r.HotWaterCostCurrent), nullFloat(r.HotWaterCostPotential),
				nullFloat(r.LightingCostCurrent), nullFloat(r.LightingCostPotential),
				r.WallsDescription, r.RoofDescription, r.WindowsDescription, r.HeatingDescription,
				nullInt(r.WallsEffScore), nullInt(r.RoofEffScore), nullInt(r.WindowsEffScore),
				nullInt(r.HeatingEffScore), nullInt(r.HotWaterEffScore), nullInt(r.LightingEffScore),
				nullTime(r.InspectionDate), nullTime(r.LodgementDate), r.ImageRef, r.DataQualityScore,
				r.SourceFile, r.SourceRow, r.IngestedAt, string(flags), r.ValidationStatus,
			})
		}
		return insertRows(ctx, tx, "silver.epc_clean", insertQuery("silver.epc_clean", silverColumns), rows)
	})
}

// ReadSilver returns the normalized records of a run ordered by property.
func (s *DuckStore) ReadSilver(ctx context.Context, runID string) ([]*models.NormalizedRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM silver.epc_clean
		WHERE run_id = ?
		ORDER BY property_id, source_file, source_row
	`, strings.Join(silverColumns, ", ")), runID)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read silver: %w", err)
	}
	defer rows.Close()

	var out []*models.NormalizedRecord
	for rows.Next() {
		r := &models.NormalizedRecord{}
		var (
			floorArea, co2c, co2p, hcc, hcp, hwc, hwp, lcc, lcp sql.NullFloat64
			cur, pot, wallsE, roofE, winE, heatE, hotE, lightE  sql.NullInt64
			inspection, lodgement                               sql.NullTime
			flags                                               string
		)
		if err := rows.Scan(
			&r.RunID, &r.CertificateID, &r.PropertyID,
			&r.Address1, &r.Address2, &r.Postcode, &r.PostTown, &r.LocalAuthority, &r.Ward,
			&r.PropertyType, &r.BuiltForm, &r.ConstructionEra, &r.Tenure, &r.MainFuel,
			&r.EnergyRating, &r.PotentialRating, &floorArea,
			&cur, &pot, &co2c, &co2p,
			&hcc, &hcp, &hwc, &hwp, &lcc, &lcp,
			&r.WallsDescription, &r.RoofDescription, &r.WindowsDescription, &r.HeatingDescription,
			&wallsE, &roofE, &winE, &heatE, &hotE, &lightE,
			&inspection, &lodgement, &r.ImageRef, &r.DataQualityScore,
			&r.SourceFile, &r.SourceRow, &r.IngestedAt, &flags, &r.ValidationStatus,
		); err != nil {
			return nil, fmt.Errorf("duckdb: scan silver row: %w", err)
		}

		r.FloorArea = floatPtr(floorArea)
		r.CurrentEfficiency, r.PotentialEfficiency = intPtr(cur), intPtr(pot)
		r.CO2Current, r.CO2Potential = floatPtr(co2c), floatPtr(co2p)
		r.HeatingCostCurrent, r.HeatingCostPotential = floatPtr(hcc), floatPtr(hcp)
		r.HotWaterCostCurrent, r.HotWaterCostPotential = floatPtr(hwc), floatPtr(hwp)
		r.LightingCostCurrent, r.LightingCostPotential = floatPtr(lcc), floatPtr(lcp)
		r.WallsEffScore, r.RoofEffScore, r.WindowsEffScore = intPtr(wallsE), intPtr(roofE), intPtr(winE)
		r.HeatingEffScore, r.HotWaterEffScore, r.LightingEffScore = intPtr(heatE), intPtr(hotE), intPtr(lightE)
		r.InspectionDate, r.LodgementDate = timePtr(inspection), timePtr(lodgement)
		r.IngestedAt = r.IngestedAt.UTC()
		if err := json.Unmarshal([]byte(flags), &r.QualityFlags); err != nil {
			return nil, fmt.Errorf("duckdb: decode flags of %s: %w", r.PropertyID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── scores ────────────────────────────────────────────────────────────────

// WriteScores stores the scoring model output of a run.
func (s *DuckStore) WriteScores(ctx context.Context, runID string, scores []*models.Score, report *models.QualityReport) error {
	return s.inTx(ctx, report, func(tx *sql.Tx) error {
		rows := make([][]any, 0, len(scores))
		for _, sc := range scores {
			rows = append(rows, []any{runID, sc.PropertyID, sc.Score, sc.Confidence, sc.Model})
		}
		return insertRows(ctx, tx, "scores.retrofit_scores", insertQuery("scores.retrofit_scores",
			[]string{"run_id", "property_id", "score", "confidence", "model"}), rows)
	})
}

// ReadScores returns the scores of a run.
func (s *DuckStore) ReadScores(ctx context.Context, runID string) ([]*models.Score, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, property_id, score, confidence, model
		FROM scores.retrofit_scores
		WHERE run_id = ?
		ORDER BY property_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read scores: %w", err)
	}
	defer rows.Close()

	var out []*models.Score
	for rows.Next() {
		sc := &models.Score{}
		if err := rows.Scan(&sc.RunID, &sc.PropertyID, &sc.Score, &sc.Confidence, &sc.Model); err != nil {
			return nil, fmt.Errorf("duckdb: scan score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ── gold ──────────────────────────────────────────────────────────────────

var featureColumns = []string{
	"run_id", "certificate_id", "property_id", "postcode", "post_town", "local_authority", "ward",
	"property_type", "built_form", "construction_era", "tenure", "main_fuel",
	"energy_rating", "potential_rating", "floor_area",
	"current_efficiency", "potential_efficiency",
	"retrofit_score", "score_confidence", "retrofit_priority",
	"total_cost_current", "total_cost_potential", "annual_savings_potential",
	"co2_saving_tonnes", "data_quality_score", "image_ref", "text_summary",
}

var aggregateColumns = []string{
	"run_id", "group_key", "property_type", "construction_era", "ward",
	"property_count", "scored_count", "high_priority_count",
	"mean_current_efficiency", "median_current_efficiency",
	"mean_floor_area", "median_floor_area",
	"mean_retrofit_score", "mean_annual_savings", "total_co2_saving_tonnes",
}

// WriteGold stores the feature table and portfolio aggregates of a run.
func (s *DuckStore) WriteGold(ctx context.Context, runID string, features []*models.PropertyFeature, aggregates []*models.AggregateRecord, report *models.QualityReport) error {
	return s.inTx(ctx, report, func(tx *sql.Tx) error {
		rows := make([][]any, 0, len(features))
		for _, f := range features {
			rows = append(rows, []any{
				runID, f.CertificateID, f.PropertyID, f.Postcode, f.PostTown, f.LocalAuthority, f.Ward,
				f.PropertyType, f.BuiltForm, f.ConstructionEra, f.Tenure, f.MainFuel,
				f.EnergyRating, f.PotentialRating, f.FloorArea,
				nullInt(f.CurrentEfficiency), nullInt(f.PotentialEfficiency),
				nullFloat(f.RetrofitScore), nullFloat(f.ScoreConfidence), f.RetrofitPriority,
				f.TotalCostCurrent, f.TotalCostPotential, f.AnnualSavings,
				nullFloat(f.CO2SavingTonnes), f.DataQualityScore, f.ImageRef, f.TextSummary,
			})
		}
		if err := insertRows(ctx, tx, "gold.epc_features", insertQuery("gold.epc_features", featureColumns), rows); err != nil {
			return err
		}

		rows = rows[:0]
		for _, a := range aggregates {
			key, err := json.Marshal(a.GroupKey)
			if err != nil {
				return fmt.Errorf("duckdb: encode group key: %w", err)
			}
			rows = append(rows, []any{
				runID, string(key),
				keyColumn(a.GroupKey, "property_type"), keyColumn(a.GroupKey, "construction_era"), keyColumn(a.GroupKey, "ward"),
				a.PropertyCount, a.ScoredCount, a.HighPriorityCount,
				nullFloat(a.MeanCurrentEfficiency), nullFloat(a.MedianCurrentEfficiency),
				nullFloat(a.MeanFloorArea), nullFloat(a.MedianFloorArea),
				nullFloat(a.MeanRetrofitScore), nullFloat(a.MeanAnnualSavings), a.TotalCO2Saving,
			})
		}
		return insertRows(ctx, tx, "gold.portfolio_agg", insertQuery("gold.portfolio_agg", aggregateColumns), rows)
	})
}

// keyColumn fills the fixed partition columns only when that key was used.
func keyColumn(key map[string]string, name string) any {
	if v, ok := key[name]; ok {
		return v
	}
	return nil
}

// ── quality ───────────────────────────────────────────────────────────────

func insertReport(ctx context.Context, tx *sql.Tx, r *models.QualityReport) error {
	reasons, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("duckdb: encode reasons: %w", err)
	}
	nullRates, err := json.Marshal(r.NullRates)
	if err != nil {
		return fmt.Errorf("duckdb: encode null rates: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertQuery("quality.reports", []string{
		"run_id", "stage", "rows_in", "rows_out", "rejected_count", "duplicates_removed",
		"reasons", "null_rates", "started_at", "completed_at",
	}), r.RunID, r.Stage, r.RowsIn, r.RowsOut, r.RejectedCount, r.DuplicatesRemoved,
		string(reasons), string(nullRates), r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("duckdb: insert %s quality report: %w", r.Stage, err)
	}
	return nil
}

// RecordRun appends a run to the run log.
func (s *DuckStore) RecordRun(ctx context.Context, run *models.PipelineRun) error {
	_, err := s.db.ExecContext(ctx, insertQuery("quality.runs", []string{
		"run_id", "parent_run_id", "scope", "status", "error", "started_at", "completed_at",
	}), run.RunID, nullString(run.ParentRunID), run.Scope, run.Status, nullString(run.Error),
		run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("duckdb: record run %s: %w", run.RunID, err)
	}
	return nil
}

// ── null helpers ──────────────────────────────────────────────────────────

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}
