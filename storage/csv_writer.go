package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"housing-retrofit/models"
)

// CSVWriter writes rows to a temporary file and moves it into place on Close,
// so readers never see a half-written file. It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates the file at path and writes the header row.
// Intermediate directories are created automatically.
func NewCSVWriter(path string, header []string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("csv: write header: %w", err)
	}

	return &CSVWriter{path: path, file: f, writer: w}, nil
}

// Write appends one row.
func (c *CSVWriter) Write(row []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write row: %w", err)
	}
	return nil
}

// Close flushes the file and renames it to its final path.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.file.Name())
		return fmt.Errorf("csv: flush: %w", err)
	}
	if err := c.file.Close(); err != nil {
		_ = os.Remove(c.file.Name())
		return fmt.Errorf("csv: close: %w", err)
	}
	if err := os.Rename(c.file.Name(), c.path); err != nil {
		return fmt.Errorf("csv: move into place: %w", err)
	}
	return nil
}

// QuarantineExporter writes quarantined silver rows for manual review.
type QuarantineExporter struct {
	dir string
}

// NewQuarantineExporter writes exports under dir.
func NewQuarantineExporter(dir string) *QuarantineExporter {
	return &QuarantineExporter{dir: dir}
}

var quarantineHeader = []string{
	"property_id", "certificate_id", "source_file", "source_row", "quality_flags",
	"ward", "property_type", "construction_era", "energy_rating", "floor_area", "inspection_date",
}

// ExportQuarantine writes one CSV per run and returns its path.
func (q *QuarantineExporter) ExportQuarantine(runID string, records []*models.NormalizedRecord) (string, error) {
	path := filepath.Join(q.dir, "quarantine_"+runID+".csv")
	w, err := NewCSVWriter(path, quarantineHeader)
	if err != nil {
		return "", err
	}

	for _, r := range records {
		floorArea, inspection := "", ""
		if r.FloorArea != nil {
			floorArea = strconv.FormatFloat(*r.FloorArea, 'f', -1, 64)
		}
		if r.InspectionDate != nil {
			inspection = r.InspectionDate.Format("2006-01-02")
		}
		if err := w.Write([]string{
			r.PropertyID, r.CertificateID, r.SourceFile, strconv.Itoa(r.SourceRow),
			strings.Join(r.QualityFlags, ";"),
			r.Ward, r.PropertyType, r.ConstructionEra, r.EnergyRating, floorArea, inspection,
		}); err != nil {
			_ = w.Close()
			return "", err
		}
	}

	if err := w.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// ImageManifestHeader is the column layout bronze ingests as an image source.
var ImageManifestHeader = []string{"PROPERTY_ID", "LMK_KEY", "IMAGE_REF", "CAPTURED_AT"}

// WriteImageManifest writes captured images as a manifest CSV.
func WriteImageManifest(path string, entries []models.ImageEntry) error {
	w, err := NewCSVWriter(path, ImageManifestHeader)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Write([]string{
			e.PropertyID, e.CertificateID, e.ImageRef, e.CapturedAt.UTC().Format("2006-01-02 15:04:05"),
		}); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
