package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"housing-retrofit/config"
	"housing-retrofit/metrics"
	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/utils"
)

// Run scopes recorded in the run log.
const (
	ScopeFull   = "full"
	ScopeBronze = "bronze"
	ScopeSilver = "silver"
	ScopeGold   = "gold"
)

// Store persists every stage. Each Write call is one transaction that
// includes the stage's quality report.
type Store interface {
	BronzeWriter
	ReadBronze(ctx context.Context, runID string) (epc, images []*models.RawBatch, err error)
	WriteSilver(ctx context.Context, runID string, records []*models.NormalizedRecord, report *models.QualityReport) error
	ReadSilver(ctx context.Context, runID string) ([]*models.NormalizedRecord, error)
	WriteScores(ctx context.Context, runID string, scores []*models.Score, report *models.QualityReport) error
	ReadScores(ctx context.Context, runID string) ([]*models.Score, error)
	WriteGold(ctx context.Context, runID string, features []*models.PropertyFeature, aggregates []*models.AggregateRecord, report *models.QualityReport) error
	RecordRun(ctx context.Context, run *models.PipelineRun) error
}

// Publisher copies gold output to a serving database.
type Publisher interface {
	Publish(ctx context.Context, features []*models.PropertyFeature, aggregates []*models.AggregateRecord) error
}

// QuarantineExporter writes quarantined silver rows for manual review.
type QuarantineExporter interface {
	ExportQuarantine(runID string, records []*models.NormalizedRecord) (string, error)
}

// RunSummary collects the outputs of one pipeline run.
type RunSummary struct {
	Run            *models.PipelineRun
	Bronze         *BronzeResult
	Silver         *SilverResult
	Scores         *ScoreResult
	Gold           *GoldResult
	QuarantineFile string
}

// Reports returns the quality reports of the stages that ran, in order.
func (s *RunSummary) Reports() []*models.QualityReport {
	var out []*models.QualityReport
	if s.Bronze != nil {
		out = append(out, s.Bronze.Report)
	}
	if s.Silver != nil {
		out = append(out, s.Silver.Report)
	}
	if s.Scores != nil {
		out = append(out, s.Scores.Report)
	}
	if s.Gold != nil {
		out = append(out, s.Gold.Report)
	}
	return out
}

// Pipeline runs bronze, silver, scoring and gold strictly in sequence.
type Pipeline struct {
	cfg        *config.Config
	logger     *utils.Logger
	store      Store
	bronze     *BronzeIngestor
	silver     *Normalizer
	scores     *ScoreStage
	gold       *Aggregator
	publisher  Publisher
	quarantine QuarantineExporter
	newID      func() string
	now        func() time.Time
}

// NewPipeline wires the stages around store.
func NewPipeline(cfg *config.Config, logger *utils.Logger, store Store, scorer scoring.Scorer) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bronze: NewBronzeIngestor(cfg, logger, store),
		silver: NewNormalizer(cfg, logger),
		scores: NewScoreStage(scorer, logger),
		gold:   NewAggregator(cfg, logger),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// WithPublisher enables publishing gold output after each successful run.
func (p *Pipeline) WithPublisher(pub Publisher) *Pipeline {
	p.publisher = pub
	return p
}

// WithQuarantineExport enables writing quarantined rows after silver.
func (p *Pipeline) WithQuarantineExport(e QuarantineExporter) *Pipeline {
	p.quarantine = e
	return p
}

// Sources returns the configured EPC extracts and image manifests.
func (p *Pipeline) Sources() []Source {
	var out []Source
	for _, path := range p.cfg.SourceFiles {
		out = append(out, Source{Path: path, Kind: models.SourceKindEPC})
	}
	for _, path := range p.cfg.ImageManifests {
		out = append(out, Source{Path: path, Kind: models.SourceKindImage})
	}
	return out
}

// Run executes a full run over sources. The run is recorded as failed when
// any stage returns an error; stages are never retried.
func (p *Pipeline) Run(ctx context.Context, sources []Source) (*RunSummary, error) {
	run := p.startRun(ScopeFull, "")
	summary := &RunSummary{Run: run}

	err := p.runFull(ctx, run.RunID, sources, summary)
	return summary, p.finishRun(ctx, run, err)
}

func (p *Pipeline) runFull(ctx context.Context, runID string, sources []Source, summary *RunSummary) error {
	if err := CheckKeys(p.cfg.PartitionKeys); err != nil {
		return err
	}
	if err := p.runBronze(ctx, runID, sources, summary); err != nil {
		return err
	}

	var epc, images []*models.RawBatch
	for _, b := range summary.Bronze.Batches {
		if b.Ingestion.SourceKind == models.SourceKindImage {
			images = append(images, b)
		} else {
			epc = append(epc, b)
		}
	}
	if len(epc) == 0 {
		return errors.New("pipeline: no EPC sources among the configured sources")
	}

	if err := p.runSilver(ctx, runID, epc, images, summary); err != nil {
		return err
	}
	return p.runGold(ctx, runID, summary.Silver.Records, summary.Scores.Scores, summary)
}

// RunBronze only lands sources. Later silver runs name it as their parent.
func (p *Pipeline) RunBronze(ctx context.Context, sources []Source) (*RunSummary, error) {
	run := p.startRun(ScopeBronze, "")
	summary := &RunSummary{Run: run}

	err := p.runBronze(ctx, run.RunID, sources, summary)
	return summary, p.finishRun(ctx, run, err)
}

func (p *Pipeline) runBronze(ctx context.Context, runID string, sources []Source, summary *RunSummary) error {
	if len(sources) == 0 {
		return errors.New("pipeline: no sources configured")
	}

	started := p.now()
	bronze, err := p.bronze.Ingest(ctx, runID, sources)
	if err != nil {
		return err
	}
	summary.Bronze = bronze
	metrics.ObserveStage(StageBronze, bronze.Report.RowsIn, bronze.Report.RowsOut, p.now().Sub(started))
	return nil
}

// RunSilver re-normalizes the committed bronze partitions of parentRunID
// under a new run, then rescores the result.
func (p *Pipeline) RunSilver(ctx context.Context, parentRunID string) (*RunSummary, error) {
	run := p.startRun(ScopeSilver, parentRunID)
	summary := &RunSummary{Run: run}

	err := func() error {
		epc, images, err := p.store.ReadBronze(ctx, parentRunID)
		if err != nil {
			return fmt.Errorf("pipeline: read bronze of %s: %w", parentRunID, err)
		}
		if len(epc) == 0 {
			return fmt.Errorf("pipeline: run %s has no bronze EPC partitions", parentRunID)
		}
		return p.runSilver(ctx, run.RunID, epc, images, summary)
	}()
	return summary, p.finishRun(ctx, run, err)
}

// RunGold rebuilds gold from the committed silver records and scores of
// parentRunID under a new run.
func (p *Pipeline) RunGold(ctx context.Context, parentRunID string) (*RunSummary, error) {
	run := p.startRun(ScopeGold, parentRunID)
	summary := &RunSummary{Run: run}

	err := func() error {
		if err := CheckKeys(p.cfg.PartitionKeys); err != nil {
			return err
		}
		records, err := p.store.ReadSilver(ctx, parentRunID)
		if err != nil {
			return fmt.Errorf("pipeline: read silver of %s: %w", parentRunID, err)
		}
		if len(records) == 0 {
			return fmt.Errorf("pipeline: run %s has no silver records", parentRunID)
		}
		scores, err := p.store.ReadScores(ctx, parentRunID)
		if err != nil {
			return fmt.Errorf("pipeline: read scores of %s: %w", parentRunID, err)
		}
		return p.runGold(ctx, run.RunID, records, scores, summary)
	}()
	return summary, p.finishRun(ctx, run, err)
}

func (p *Pipeline) runSilver(ctx context.Context, runID string, epc, images []*models.RawBatch, summary *RunSummary) error {
	started := p.now()
	silver, err := p.silver.Normalize(runID, epc, images)
	if err != nil {
		return err
	}
	if err := p.store.WriteSilver(ctx, runID, silver.Records, silver.Report); err != nil {
		return fmt.Errorf("silver: commit: %w", err)
	}
	summary.Silver = silver
	metrics.ObserveStage(StageSilver, silver.Report.RowsIn, silver.Report.RowsOut, p.now().Sub(started))
	metrics.ObserveQuarantine(silver.Report.Reasons)

	if p.quarantine != nil && silver.Report.RejectedCount > 0 {
		var rejected []*models.NormalizedRecord
		for _, r := range silver.Records {
			if !r.Valid() {
				rejected = append(rejected, r)
			}
		}
		path, err := p.quarantine.ExportQuarantine(runID, rejected)
		if err != nil {
			// the quarantine rows are already committed to silver
			p.logger.Warn("[pipeline] Quarantine export failed: %v", err)
		} else {
			summary.QuarantineFile = path
			p.logger.Info("[pipeline] %d quarantined rows written to %s", len(rejected), path)
		}
	}

	started = p.now()
	scores, err := p.scores.Run(ctx, runID, silver.Records)
	if err != nil {
		return err
	}
	if err := p.store.WriteScores(ctx, runID, scores.Scores, scores.Report); err != nil {
		return fmt.Errorf("scoring: commit: %w", err)
	}
	summary.Scores = scores
	metrics.ObserveStage(StageScoring, scores.Report.RowsIn, scores.Report.RowsOut, p.now().Sub(started))
	return nil
}

func (p *Pipeline) runGold(ctx context.Context, runID string, records []*models.NormalizedRecord, scores []*models.Score, summary *RunSummary) error {
	started := p.now()
	gold, err := p.gold.Aggregate(runID, records, scores)
	if err != nil {
		return err
	}
	if err := p.store.WriteGold(ctx, runID, gold.Features, gold.Aggregates, gold.Report); err != nil {
		return fmt.Errorf("gold: commit: %w", err)
	}
	summary.Gold = gold
	metrics.ObserveStage(StageGold, gold.Report.RowsIn, gold.Report.RowsOut, p.now().Sub(started))

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, gold.Features, gold.Aggregates); err != nil {
			return fmt.Errorf("gold: publish: %w", err)
		}
		p.logger.Info("[pipeline] Published %d features to the serving database", len(gold.Features))
	}
	return nil
}

func (p *Pipeline) startRun(scope, parent string) *models.PipelineRun {
	run := &models.PipelineRun{
		RunID:       p.newID(),
		ParentRunID: parent,
		Scope:       scope,
		StartedAt:   p.now().UTC(),
	}
	if parent != "" {
		p.logger.Info("[pipeline] Run %s (%s, parent %s) started", run.RunID, scope, parent)
	} else {
		p.logger.Info("[pipeline] Run %s (%s) started", run.RunID, scope)
	}
	return run
}

// finishRun appends the run to the run log and returns the stage error, or
// the logging error if the stages succeeded.
func (p *Pipeline) finishRun(ctx context.Context, run *models.PipelineRun, stageErr error) error {
	run.CompletedAt = p.now().UTC()
	run.Status = models.RunSucceeded
	if stageErr != nil {
		run.Status = models.RunFailed
		run.Error = stageErr.Error()
	}
	metrics.ObserveRun(run.Status)

	// the run log must be written even when ctx was cancelled mid-run
	logCtx := context.WithoutCancel(ctx)
	if err := p.store.RecordRun(logCtx, run); err != nil {
		p.logger.Error("[pipeline] Could not record run %s: %v", run.RunID, err)
		if stageErr == nil {
			return fmt.Errorf("pipeline: record run: %w", err)
		}
	}

	if stageErr != nil {
		p.logger.Error("[pipeline] Run %s failed: %v", run.RunID, stageErr)
		return stageErr
	}
	p.logger.Info("[pipeline] Run %s succeeded in %s", run.RunID, run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return nil
}
