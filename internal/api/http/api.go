package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/pkg/types"
)

// DayRunner starts day runs.
type DayRunner interface {
	RunDayWithID(ctx context.Context, day types.Day, runID string) (*pipeline.DayReport, error)
}

// RetentionRunner exposes the maintenance half of retention.
type RetentionRunner interface {
	PruneGold(ctx context.Context, today types.Day, keepDays int) (*retention.Report, error)
	Sweep(ctx context.Context) (*retention.Report, error)
}

// LeaseInspector reports the lease currently held on a day.
type LeaseInspector interface {
	Inspect(ctx context.Context, day types.Day) (lease.Record, error)
}

// Deps are the components the API serves.
type Deps struct {
	Runner    DayRunner
	Ledger    ledger.Ledger
	Retention RetentionRunner
	Leases    LeaseInspector
	Storage   storage.ObjectStorage
	Gatherer  prometheus.Gatherer

	// GoldRetentionDays is the default window for prune requests.
	GoldRetentionDays int
}

// API serves the ghlake HTTP endpoints.
type API struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	// runCtx outlives requests so accepted runs finish after the response.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// NewAPI creates the API.
func NewAPI(deps Deps, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &API{
		deps:      deps,
		logger:    logger.Named("http"),
		now:       time.Now,
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Router returns the routes wrapped in the default middleware chain plus
// any extra middleware, outermost first.
func (a *API) Router(extra ...func(http.Handler) http.Handler) http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/days/{date}/run", a.handleRunDay).Methods(http.MethodPost)
	v1.HandleFunc("/days/{date}", a.handleGetDay).Methods(http.MethodGet)
	v1.HandleFunc("/runs", a.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", a.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/retention/prune", a.handlePrune).Methods(http.MethodPost)
	v1.HandleFunc("/retention/sweep", a.handleSweep).Methods(http.MethodPost)
	v1.HandleFunc("/features/{date}", a.handleGetFeatures).Methods(http.MethodGet)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.deps.Gatherer, promhttp.HandlerOpts{}))

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", GetRequestID(r.Context()))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "", GetRequestID(r.Context()))
	})

	chain := append(extra, DefaultMiddleware(a.logger))
	return ChainMiddleware(chain...)(r)
}

// Wait blocks until every accepted run has finished.
func (a *API) Wait() {
	a.runs.Wait()
}

// Close cancels accepted runs that are still going and waits for them.
func (a *API) Close() error {
	a.cancelRun()
	a.runs.Wait()
	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ghlake",
	})
}
