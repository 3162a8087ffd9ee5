package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"housing-retrofit/models"
	"housing-retrofit/utils"
)

// PostgresWriter publishes the latest gold tables to a PostgreSQL serving
// database.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresWriter.
func NewPostgresWriter(ctx context.Context, dsn string, logger *utils.Logger) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retry := &utils.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Logger:      logger,
	}
	if err := retry.Do(ctx, "postgres ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	pw := &PostgresWriter{db: db}
	if err := pw.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return pw, nil
}

func (pw *PostgresWriter) migrate(ctx context.Context) error {
	_, err := pw.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retrofit_features (
			property_id              TEXT PRIMARY KEY,
			run_id                   TEXT         NOT NULL,
			certificate_id           TEXT         NOT NULL DEFAULT '',
			postcode                 TEXT         NOT NULL DEFAULT '',
			local_authority          TEXT         NOT NULL DEFAULT '',
			ward                     TEXT         NOT NULL DEFAULT '',
			property_type            TEXT         NOT NULL DEFAULT '',
			construction_era         TEXT         NOT NULL DEFAULT '',
			energy_rating            TEXT         NOT NULL DEFAULT '',
			current_efficiency       INTEGER,
			potential_efficiency     INTEGER,
			retrofit_score           NUMERIC(6,2),
			retrofit_priority        VARCHAR(16)  NOT NULL,
			annual_savings_potential NUMERIC(10,2) NOT NULL DEFAULT 0,
			co2_saving_tonnes        NUMERIC(8,2),
			text_summary             TEXT         NOT NULL DEFAULT '',
			published_at             TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_retrofit_features_priority ON retrofit_features(retrofit_priority);
		CREATE INDEX IF NOT EXISTS idx_retrofit_features_ward     ON retrofit_features(ward);
		CREATE INDEX IF NOT EXISTS idx_retrofit_features_score    ON retrofit_features(retrofit_score);

		CREATE TABLE IF NOT EXISTS retrofit_portfolio (
			id                  SERIAL PRIMARY KEY,
			run_id              TEXT    NOT NULL,
			group_key           JSONB   NOT NULL,
			property_count      INTEGER NOT NULL,
			scored_count        INTEGER NOT NULL,
			high_priority_count INTEGER NOT NULL,
			mean_retrofit_score NUMERIC(6,2),
			mean_annual_savings NUMERIC(10,2),
			total_co2_saving    NUMERIC(10,2) NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Publish replaces the serving tables with features and aggregates in one
// transaction.
func (pw *PostgresWriter) Publish(ctx context.Context, features []*models.PropertyFeature, aggregates []*models.AggregateRecord) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM retrofit_features"); err != nil {
		return fmt.Errorf("postgres: clear features: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM retrofit_portfolio"); err != nil {
		return fmt.Errorf("postgres: clear portfolio: %w", err)
	}

	const batchSize = 50
	for i := 0; i < len(features); i += batchSize {
		end := min(i+batchSize, len(features))
		if err := insertFeatureBatch(ctx, tx, features[i:end]); err != nil {
			return err
		}
	}
	for i := 0; i < len(aggregates); i += batchSize {
		end := min(i+batchSize, len(aggregates))
		if err := insertAggregateBatch(ctx, tx, aggregates[i:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// featureInsertColumns are written by insertFeatureBatch, in featureArgs order.
var featureInsertColumns = []string{
	"property_id", "run_id", "certificate_id", "postcode", "local_authority", "ward",
	"property_type", "construction_era", "energy_rating",
	"current_efficiency", "potential_efficiency",
	"retrofit_score", "retrofit_priority", "annual_savings_potential", "co2_saving_tonnes",
	"text_summary",
}

func featureArgs(f *models.PropertyFeature) []interface{} {
	return []interface{}{
		f.PropertyID, f.RunID, f.CertificateID, f.Postcode, f.LocalAuthority, f.Ward,
		f.PropertyType, f.ConstructionEra, f.EnergyRating,
		nullInt(f.CurrentEfficiency), nullInt(f.PotentialEfficiency),
		nullFloat(f.RetrofitScore), f.RetrofitPriority, f.AnnualSavings, nullFloat(f.CO2SavingTonnes),
		f.TextSummary,
	}
}

func insertFeatureBatch(ctx context.Context, tx *sql.Tx, batch []*models.PropertyFeature) error {
	cols := len(featureInsertColumns)
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*cols)

	for idx, f := range batch {
		valueStrings = append(valueStrings, placeholders(idx*cols, cols))
		valueArgs = append(valueArgs, featureArgs(f)...)
	}

	query := fmt.Sprintf(`
		INSERT INTO retrofit_features (%s)
		VALUES %s
		ON CONFLICT (property_id) DO NOTHING
	`, strings.Join(featureInsertColumns, ", "), strings.Join(valueStrings, ","))

	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("postgres: insert features: %w", err)
	}
	return nil
}

func insertAggregateBatch(ctx context.Context, tx *sql.Tx, batch []*models.AggregateRecord) error {
	const cols = 8
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*cols)

	for idx, a := range batch {
		key, err := json.Marshal(a.GroupKey)
		if err != nil {
			return fmt.Errorf("postgres: encode group key: %w", err)
		}
		valueStrings = append(valueStrings, placeholders(idx*cols, cols))
		valueArgs = append(valueArgs,
			a.RunID, string(key), a.PropertyCount, a.ScoredCount, a.HighPriorityCount,
			nullFloat(a.MeanRetrofitScore), nullFloat(a.MeanAnnualSavings), a.TotalCO2Saving)
	}

	query := fmt.Sprintf(`
		INSERT INTO retrofit_portfolio (
			run_id, group_key, property_count, scored_count, high_priority_count,
			mean_retrofit_score, mean_annual_savings, total_co2_saving
		)
		VALUES %s
	`, strings.Join(valueStrings, ","))

	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("postgres: insert portfolio: %w", err)
	}
	return nil
}

// placeholders renders "($base+1,...,$base+n)".
func placeholders(base, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(marks, ",") + ")"
}

func (pw *PostgresWriter) Close() error {
	return pw.db.Close()
}
