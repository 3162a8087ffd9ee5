package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data/processed/housing.duckdb", cfg.DuckDBPath)
	assert.Equal(t, []string{"property_type", "construction_era", "ward"}, cfg.PartitionKeys)
	assert.Equal(t, TieBreakIngestion, cfg.DedupTieBreak)
	assert.Equal(t, ',', cfg.CSVDelimiter)
	assert.Equal(t, "LMK_KEY", cfg.Column("certificate_id"))
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SOURCE_FILES", " a.csv, b.csv ,,")
	t.Setenv("PARTITION_KEYS", "property_type,ward")
	t.Setenv("DEDUP_TIE_BREAK", "lodgement")
	t.Setenv("CSV_DELIMITER", `\t`)
	t.Setenv("PUBLISH_POSTGRES", "true")
	t.Setenv("PARSE_WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"a.csv", "b.csv"}, cfg.SourceFiles)
	assert.Equal(t, []string{"property_type", "ward"}, cfg.PartitionKeys)
	assert.Equal(t, TieBreakLodgement, cfg.DedupTieBreak)
	assert.Equal(t, '\t', cfg.CSVDelimiter)
	assert.True(t, cfg.PublishPostgres)
	assert.Equal(t, 4, cfg.ParseWorkers)
}

func TestLoadPipelineFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
partition_keys: [local_authority, property_type]
allowed_ratings: [A, B, C]
columns:
  ward: WARD_NAME
`), 0o644))
	t.Setenv("PIPELINE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"local_authority", "property_type"}, cfg.PartitionKeys)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.AllowedRatings)
	assert.Equal(t, "WARD_NAME", cfg.Column("ward"))
	assert.Equal(t, "LMK_KEY", cfg.Column("certificate_id"), "unlisted columns keep their defaults")
}

func TestLoadRejectsUnknownTieBreak(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DEDUP_TIE_BREAK", "coin-flip")

	_, err := Load()
	assert.ErrorContains(t, err, "unknown dedup tie-break")
}

func TestDSN(t *testing.T) {
	cfg := Default()
	cfg.PostgresPassword = "secret"
	assert.Equal(t,
		"host=localhost port=5432 user=retrofit password=secret dbname=retrofit sslmode=disable",
		cfg.DSN())
}

// chdir moves into dir so Load does not pick up a developer's .env file.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
