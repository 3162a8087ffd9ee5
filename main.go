package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"housing-retrofit/config"
	"housing-retrofit/imagery"
	"housing-retrofit/scoring"
	"housing-retrofit/services"
	"housing-retrofit/storage"
	"housing-retrofit/utils"
)

// app holds the resources shared by every command.
type app struct {
	cfg    *config.Config
	logger *utils.Logger
	store  *storage.DuckStore
	pg     *storage.PostgresWriter
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger()

	store, err := storage.NewDuckStore(cfg.DuckDBPath)
	if err != nil {
		return nil, err
	}
	logger.Info("[main] Warehouse: %s", cfg.DuckDBPath)
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

// pipeline wires the stages, connecting to PostgreSQL when publishing is on.
func (a *app) pipeline(ctx context.Context) (*services.Pipeline, error) {
	p := services.NewPipeline(a.cfg, a.logger, a.store, scoring.NewHeuristicScorer()).
		WithQuarantineExport(storage.NewQuarantineExporter(a.cfg.QuarantineDir))

	if a.cfg.PublishPostgres && a.pg == nil {
		pg, err := storage.NewPostgresWriter(ctx, a.cfg.DSN(), a.logger)
		if err != nil {
			a.logger.Error("[main] Failed to connect to PostgreSQL: %v", err)
			return nil, err
		}
		a.pg = pg
	}
	if a.pg != nil {
		p.WithPublisher(a.pg)
	}
	return p, nil
}

func (a *app) close() {
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("[main] Closing warehouse: %v", err)
	}
	a.logger.Sync()
}

// withApp runs fn with a ready app and a context cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a)
	}
}

// report prints the run summary whether or not the run succeeded.
func report(summary *services.RunSummary, err error) error {
	if summary != nil && summary.Run != nil {
		services.PrintSummary(os.Stdout, summary)
	}
	return err
}

func main() {
	root := &cobra.Command{
		Use:           "housing-retrofit",
		Short:         "EPC medallion pipeline and retrofit serving API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run bronze, silver, scoring and gold over the configured sources",
			RunE: withApp(func(ctx context.Context, a *app) error {
				p, err := a.pipeline(ctx)
				if err != nil {
					return err
				}
				return report(p.Run(ctx, p.Sources()))
			}),
		},
		&cobra.Command{
			Use:   "bronze",
			Short: "Land the configured sources without transforming them",
			RunE: withApp(func(ctx context.Context, a *app) error {
				p, err := a.pipeline(ctx)
				if err != nil {
					return err
				}
				return report(p.RunBronze(ctx, p.Sources()))
			}),
		},
		parentCommand("silver", "Rebuild silver and scores from the bronze partitions of a run",
			func(ctx context.Context, p *services.Pipeline, parent string) (*services.RunSummary, error) {
				return p.RunSilver(ctx, parent)
			}),
		parentCommand("gold", "Rebuild gold from the silver records and scores of a run",
			func(ctx context.Context, p *services.Pipeline, parent string) (*services.RunSummary, error) {
				return p.RunGold(ctx, parent)
			}),
		serveCommand(),
		captureCommand(),
		publishCommand(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parentCommand(name, short string, run func(context.Context, *services.Pipeline, string) (*services.RunSummary, error)) *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   name + " --parent RUN_ID",
		Short: short,
		RunE: withApp(func(ctx context.Context, a *app) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			return report(run(ctx, p, parent))
		}),
	}
	cmd.Flags().StringVar(&parent, "parent", "", "run whose committed output is the input")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func captureCommand() *cobra.Command {
	var runID, out string
	cmd := &cobra.Command{
		Use:   "capture-images --run RUN_ID",
		Short: "Screenshot the image pages of a run's silver records into an image manifest",
		RunE: withApp(func(ctx context.Context, a *app) error {
			records, err := a.store.ReadSilver(ctx, runID)
			if err != nil {
				return err
			}
			targets := imagery.TargetsFromRecords(records)
			if len(targets) == 0 {
				a.logger.Warn("[main] Run %s has no http(s) image references to capture", runID)
				return nil
			}

			entries, err := imagery.NewCapturer(a.cfg, a.logger).Capture(ctx, targets)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(a.cfg.ImageDir, "manifest_"+runID+".csv")
			}
			if err := storage.WriteImageManifest(out, entries); err != nil {
				return err
			}
			a.logger.Info("[main] %d images listed in %s (add it to IMAGE_MANIFESTS)", len(entries), out)
			return nil
		}),
	}
	cmd.Flags().StringVar(&runID, "run", "", "run whose silver records are captured")
	cmd.Flags().StringVar(&out, "out", "", "manifest path (default IMAGE_DIR/manifest_<run>.csv)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func publishCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "publish --run RUN_ID",
		Short: "Copy the gold output of a committed run to PostgreSQL",
		RunE: withApp(func(ctx context.Context, a *app) error {
			features, err := a.store.ReadFeatures(ctx, runID)
			if err != nil {
				return err
			}
			if len(features) == 0 {
				return fmt.Errorf("run %s has no gold features", runID)
			}
			aggregates, err := a.store.Aggregates(ctx, runID, nil)
			if err != nil {
				return err
			}

			pg, err := storage.NewPostgresWriter(ctx, a.cfg.DSN(), a.logger)
			if err != nil {
				return err
			}
			a.pg = pg
			if err := pg.Publish(ctx, features, aggregates); err != nil {
				return err
			}
			a.logger.Info("[main] Published %d features and %d segments of run %s", len(features), len(aggregates), runID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&runID, "run", "", "run whose gold output is published")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
