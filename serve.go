package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"housing-retrofit/api"
	"housing-retrofit/scoring"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the latest gold run over HTTP, running the pipeline on SCHEDULE if set",
		RunE: withApp(func(ctx context.Context, a *app) error {
			if a.cfg.Schedule != "" {
				sched, err := a.schedule(ctx)
				if err != nil {
					return err
				}
				defer func() { <-sched.Stop().Done() }()
			}

			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           api.NewServer(a.store, scoring.NewHeuristicScorer(), a.logger).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("[main] Serving on %s", a.cfg.ListenAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("[main] Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}),
	}
}

// schedule starts a cron job that runs the full pipeline. A tick that fires
// while the previous run is still going is skipped.
func (a *app) schedule(ctx context.Context) (*cron.Cron, error) {
	p, err := a.pipeline(ctx)
	if err != nil {
		return nil, err
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(a.logger.Zap()))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	_, err = c.AddFunc(a.cfg.Schedule, func() {
		if _, err := p.Run(ctx, p.Sources()); err != nil {
			a.logger.Error("[main] Scheduled run failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULE %q: %w", a.cfg.Schedule, err)
	}

	c.Start()
	a.logger.Info("[main] Pipeline scheduled: %s", a.cfg.Schedule)
	return c, nil
}
