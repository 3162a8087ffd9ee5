package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"housing-retrofit/config"
	"housing-retrofit/models"
)

var epcColumns = []string{
	"LMK_KEY", "UPRN", "WARD", "PROPERTY_TYPE", "BUILT_FORM", "CONSTRUCTION_AGE_BAND",
	"CURRENT_ENERGY_RATING", "POTENTIAL_ENERGY_RATING", "TOTAL_FLOOR_AREA",
	"CURRENT_ENERGY_EFFICIENCY", "POTENTIAL_ENERGY_EFFICIENCY",
	"INSPECTION_DATE", "LODGEMENT_DATE", "WALLS_DESCRIPTION", "MAIN_FUEL",
	"HEATING_COST_CURRENT", "HEATING_COST_POTENTIAL",
}

var fixedTime = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ParseWorkers = 2
	return cfg
}

// epcRow returns a valid EPC row; overrides replace individual columns.
func epcRow(i int, overrides map[string]string) map[string]string {
	row := map[string]string{
		"LMK_KEY":                     fmt.Sprintf("LMK-%03d", i),
		"UPRN":                        "",
		"WARD":                        "Headingley",
		"PROPERTY_TYPE":               "House",
		"BUILT_FORM":                  "Semi-Detached",
		"CONSTRUCTION_AGE_BAND":       "England and Wales: 1930-1949",
		"CURRENT_ENERGY_RATING":       "D",
		"POTENTIAL_ENERGY_RATING":     "B",
		"TOTAL_FLOOR_AREA":            "85.5",
		"CURRENT_ENERGY_EFFICIENCY":   "58",
		"POTENTIAL_ENERGY_EFFICIENCY": "81",
		"INSPECTION_DATE":             "2021-03-01",
		"LODGEMENT_DATE":              "2021-03-05",
		"WALLS_DESCRIPTION":           "Cavity wall, filled cavity",
		"MAIN_FUEL":                   "mains gas (not community)",
		"HEATING_COST_CURRENT":        "640",
		"HEATING_COST_POTENTIAL":      "410",
	}
	for k, v := range overrides {
		row[k] = v
	}
	return row
}

// epcBatch builds a bronze partition from rows without touching disk.
func epcBatch(file string, rows ...map[string]string) *models.RawBatch {
	return rawBatch(file, models.SourceKindEPC, epcColumns, fixedTime, rows...)
}

func rawBatch(file, kind string, columns []string, at time.Time, rows ...map[string]string) *models.RawBatch {
	b := &models.RawBatch{Ingestion: models.Ingestion{
		IngestionID: "ing-" + file,
		SourceFile:  file,
		SourceKind:  kind,
		Columns:     columns,
		RowCount:    len(rows),
		IngestedAt:  at,
	}}
	for i, fields := range rows {
		b.Records = append(b.Records, &models.RawRecord{
			IngestionID: b.Ingestion.IngestionID,
			SourceFile:  file,
			SourceKind:  kind,
			RowNumber:   i + 1,
			IngestedAt:  at,
			Fields:      fields,
		})
	}
	return b
}

// writeCSV renders rows in epcColumns order into a file under t.TempDir().
func writeCSV(t *testing.T, name string, rows ...map[string]string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(strings.Join(epcColumns, ",") + "\n")
	for _, row := range rows {
		vals := make([]string, len(epcColumns))
		for i, c := range epcColumns {
			vals[i] = `"` + strings.ReplaceAll(row[c], `"`, `""`) + `"`
		}
		sb.WriteString(strings.Join(vals, ",") + "\n")
	}
	return writeFile(t, name, sb.String())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

// memStore is an in-memory Store keyed by run id.
type memStore struct {
	mu      sync.Mutex
	bronze  map[string][]*models.RawBatch
	silver  map[string][]*models.NormalizedRecord
	scores  map[string][]*models.Score
	gold    map[string][]*models.PropertyFeature
	aggs    map[string][]*models.AggregateRecord
	reports []*models.QualityReport
	runs    []*models.PipelineRun

	bronzeErr error
}

func newMemStore() *memStore {
	return &memStore{
		bronze: map[string][]*models.RawBatch{},
		silver: map[string][]*models.NormalizedRecord{},
		scores: map[string][]*models.Score{},
		gold:   map[string][]*models.PropertyFeature{},
		aggs:   map[string][]*models.AggregateRecord{},
	}
}

func (m *memStore) WriteBronze(_ context.Context, runID string, batches []*models.RawBatch, report *models.QualityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bronzeErr != nil {
		return m.bronzeErr
	}
	m.bronze[runID] = batches
	m.reports = append(m.reports, report)
	return nil
}

func (m *memStore) ReadBronze(_ context.Context, runID string) (epc, images []*models.RawBatch, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bronze[runID] {
		if b.Ingestion.SourceKind == models.SourceKindImage {
			images = append(images, b)
		} else {
			epc = append(epc, b)
		}
	}
	return epc, images, nil
}

func (m *memStore) WriteSilver(_ context.Context, runID string, records []*models.NormalizedRecord, report *models.QualityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silver[runID] = records
	m.reports = append(m.reports, report)
	return nil
}

func (m *memStore) ReadSilver(_ context.Context, runID string) ([]*models.NormalizedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.silver[runID], nil
}

func (m *memStore) WriteScores(_ context.Context, runID string, scores []*models.Score, report *models.QualityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[runID] = scores
	m.reports = append(m.reports, report)
	return nil
}

func (m *memStore) ReadScores(_ context.Context, runID string) ([]*models.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[runID], nil
}

func (m *memStore) WriteGold(_ context.Context, runID string, features []*models.PropertyFeature, aggregates []*models.AggregateRecord, report *models.QualityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gold[runID] = features
	m.aggs[runID] = aggregates
	m.reports = append(m.reports, report)
	return nil
}

func (m *memStore) RecordRun(_ context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}
