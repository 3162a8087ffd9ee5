// Package api serves the gold layer and the scoring model over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/storage"
	"housing-retrofit/utils"
)

// Reader is the read side of the warehouse the API serves from.
type Reader interface {
	Ping(ctx context.Context) error
	LatestRun(ctx context.Context) (*models.PipelineRun, error)
	Runs(ctx context.Context, limit int) ([]*models.PipelineRun, error)
	Feature(ctx context.Context, runID, id string) (*models.PropertyFeature, error)
	Features(ctx context.Context, runID string, q storage.FeatureQuery) ([]*models.PropertyFeature, int, error)
	Aggregates(ctx context.Context, runID string, filter map[string]string) ([]*models.AggregateRecord, error)
	Summary(ctx context.Context, runID string) (*models.PortfolioSummary, error)
	Reports(ctx context.Context, runID string) ([]*models.QualityReport, error)
}

var _ Reader = (*storage.DuckStore)(nil)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store  Reader
	scorer scoring.Scorer
	logger *utils.Logger
}

func NewServer(store Reader, scorer scoring.Scorer, logger *utils.Logger) *Server {
	return &Server{store: store, scorer: scorer, logger: logger}
}

// Routes builds the router with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/health", s.health)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/latest", s.latestRun)

		r.Route("/properties", func(r chi.Router) {
			r.Get("/", s.listProperties)
			r.Get("/{id}", s.getProperty)
		})

		r.Get("/portfolio", s.portfolio)
		r.Get("/stats/summary", s.summary)
		r.Get("/quality/reports", s.qualityReports)
		r.Post("/predict", s.predict)
	})

	return r
}

// requestLogger logs one line per request through the application logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("[api] %s %s %d %dB %v reqid=%s",
				r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start),
				middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
