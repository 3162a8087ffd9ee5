package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"housing-retrofit/config"
	"housing-retrofit/models"
	"housing-retrofit/utils"
)

// StageBronze, StageSilver, StageScoring and StageGold name pipeline stages in
// quality reports and metrics.
const (
	StageBronze  = "bronze"
	StageSilver  = "silver"
	StageScoring = "scoring"
	StageGold    = "gold"
)

// Source is one raw extract to ingest.
type Source struct {
	Path string
	Kind string
}

// BronzeWriter commits parsed bronze partitions atomically.
type BronzeWriter interface {
	WriteBronze(ctx context.Context, runID string, batches []*models.RawBatch, report *models.QualityReport) error
}

// BronzeResult describes a committed bronze ingestion.
type BronzeResult struct {
	RunID   string
	Batches []*models.RawBatch
	Rows    int
	Report  *models.QualityReport
}

// BronzeIngestor reads raw delimited extracts and lands them unmodified.
type BronzeIngestor struct {
	cfg    *config.Config
	logger *utils.Logger
	writer BronzeWriter
	now    func() time.Time
}

// NewBronzeIngestor creates a BronzeIngestor committing through writer.
func NewBronzeIngestor(cfg *config.Config, logger *utils.Logger, writer BronzeWriter) *BronzeIngestor {
	return &BronzeIngestor{
		cfg:    cfg,
		logger: logger,
		writer: writer,
		now:    time.Now,
	}
}

// Ingest parses every source and commits them in one transaction. Any
// unreadable or malformed source aborts the whole ingestion with an
// *IngestionError before anything is written.
func (b *BronzeIngestor) Ingest(ctx context.Context, runID string, sources []Source) (*BronzeResult, error) {
	started := b.now().UTC()
	b.logger.Info("[bronze] Starting ingestion of %d source(s)", len(sources))

	batches := make([]*models.RawBatch, len(sources))
	errs := make([]error, len(sources))

	pool := utils.NewWorkerPool(b.cfg.ParseWorkers, 0)
	defer pool.Close()
	for i, src := range sources {
		pool.Submit(func() {
			batches[i], errs[i] = b.parseSource(runID, src)
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, fmt.Errorf("bronze: parse pool: %w", err)
	}

	// first failure in input order, so the reported error is deterministic
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bronze: %w", err)
	}

	total := 0
	for _, batch := range batches {
		total += len(batch.Records)
	}

	report := &models.QualityReport{
		RunID:       runID,
		Stage:       StageBronze,
		RowsIn:      total,
		RowsOut:     total,
		Reasons:     map[string]int{},
		StartedAt:   started,
		CompletedAt: b.now().UTC(),
	}

	if err := b.writer.WriteBronze(ctx, runID, batches, report); err != nil {
		return nil, fmt.Errorf("bronze: commit: %w", err)
	}

	for _, batch := range batches {
		b.logger.Info("[bronze] %s: %d rows, %d columns (%s)",
			batch.Ingestion.SourceFile, batch.Ingestion.RowCount,
			len(batch.Ingestion.Columns), batch.Ingestion.SourceKind)
	}
	b.logger.Info("[bronze] Done: %d rows committed", total)

	return &BronzeResult{RunID: runID, Batches: batches, Rows: total, Report: report}, nil
}

// parseSource reads one file completely. Partial parses are never returned.
func (b *BronzeIngestor) parseSource(runID string, src Source) (*models.RawBatch, error) {
	kind := src.Kind
	if kind == "" {
		kind = models.SourceKindEPC
	}
	if kind != models.SourceKindEPC && kind != models.SourceKindImage {
		return nil, &IngestionError{Source: src.Path, Err: fmt.Errorf("unknown source kind %q", kind)}
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, &IngestionError{Source: src.Path, Err: err}
	}
	defer f.Close()

	r, strictUTF8, err := b.decoder(f)
	if err != nil {
		return nil, &IngestionError{Source: src.Path, Err: err}
	}

	cr := csv.NewReader(r)
	cr.Comma = b.cfg.CSVDelimiter
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &IngestionError{Source: src.Path, Err: errors.New("empty source: no header row")}
	}
	if err != nil {
		return nil, &IngestionError{Source: src.Path, Err: fmt.Errorf("read header: %w", err)}
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	if err := validateHeader(header, strictUTF8); err != nil {
		return nil, &IngestionError{Source: src.Path, Err: err}
	}

	ingestedAt := b.now().UTC().Truncate(time.Microsecond)
	ing := models.Ingestion{
		IngestionID: uuid.NewString(),
		RunID:       runID,
		SourceFile:  filepath.Clean(src.Path),
		SourceKind:  kind,
		Encoding:    b.cfg.SourceEncoding,
		Columns:     header,
		IngestedAt:  ingestedAt,
	}

	var records []*models.RawRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &IngestionError{Source: src.Path, Err: err}
		}

		if strictUTF8 {
			for _, v := range row {
				if !utf8.ValidString(v) {
					line, _ := cr.FieldPos(0)
					return nil, &IngestionError{
						Source: src.Path,
						Err:    fmt.Errorf("line %d: invalid UTF-8 (set SOURCE_ENCODING for legacy extracts)", line),
					}
				}
			}
		}

		fields := make(map[string]string, len(header))
		for i, col := range header {
			fields[col] = row[i]
		}
		records = append(records, &models.RawRecord{
			IngestionID: ing.IngestionID,
			RunID:       runID,
			SourceFile:  ing.SourceFile,
			SourceKind:  kind,
			RowNumber:   len(records) + 1,
			IngestedAt:  ingestedAt,
			Fields:      fields,
		})
	}

	ing.RowCount = len(records)
	return &models.RawBatch{Ingestion: ing, Records: records}, nil
}

// decoder wraps r with the configured charset decoder. UTF-8 sources are
// read as-is and validated strictly instead of being repaired.
func (b *BronzeIngestor) decoder(r io.Reader) (io.Reader, bool, error) {
	name := strings.ToLower(strings.TrimSpace(b.cfg.SourceEncoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, true, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, false, fmt.Errorf("unsupported source encoding %q: %w", name, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), false, nil
}

func validateHeader(header []string, strictUTF8 bool) error {
	seen := make(map[string]struct{}, len(header))
	for i, col := range header {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("header column %d is blank", i+1)
		}
		if strictUTF8 && !utf8.ValidString(col) {
			return fmt.Errorf("header column %d: invalid UTF-8", i+1)
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("duplicate header column %q", col)
		}
		seen[col] = struct{}{}
	}
	return nil
}
