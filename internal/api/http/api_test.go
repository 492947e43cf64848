package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghlake/ghlake/internal/bronze"
	"github.com/ghlake/ghlake/internal/bronze/bronzetest"
	"github.com/ghlake/ghlake/internal/gold"
	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/silver"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

var testDay = types.MustParseDay("2024-01-15")

type fixture struct {
	api    *API
	server *httptest.Server
	store  *storage.LocalStorage
	leases *lease.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	arch := bronzetest.NewArchive()
	arch.SetDay(testDay, bronzetest.Event{
		Kind: string(types.KindWatch), RepoID: 42, RepoName: "org/x", ActorID: 1, CreatedAt: "2024-01-15T01:00:00Z",
	})

	leases := lease.NewManager(store, time.Hour, logger)
	ret := retention.NewManager(store, l, logger, metrics)
	orch := pipeline.NewOrchestrator(pipeline.DefaultConfig(), pipeline.Stages{
		Fetcher:    bronze.NewFetcher(arch, store, 4, logger, metrics),
		Normalizer: silver.NewNormalizer(store, 4, logger, metrics),
		Aggregator: gold.NewAggregator(store, logger, metrics),
		Retention:  ret,
		Leases:     leases,
	}, l, logger, metrics)

	api := NewAPI(Deps{
		Runner:            orch,
		Ledger:            l,
		Retention:         ret,
		Leases:            leases,
		Storage:           store,
		Gatherer:          metrics.Gatherer,
		GoldRetentionDays: 8,
	}, logger)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		api.Close()
	})
	return &fixture{api: api, server: srv, store: store, leases: leases}
}

func (f *fixture) do(t *testing.T, method, path string, out interface{}) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRunDay_AcceptedThenRecorded(t *testing.T) {
	f := newFixture(t)

	var accepted RunAccepted
	resp := f.do(t, http.MethodPost, "/v1/days/2024-01-15/run", &accepted)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, testDay, accepted.Day)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	f.api.Wait()

	var day DayResponse
	resp = f.do(t, http.MethodGet, "/v1/days/2024-01-15", &day)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, day.Run)
	assert.Equal(t, accepted.RunID, day.Run.RunID)
	assert.Equal(t, "done", day.Run.State)
	assert.Equal(t, 1.0, day.Run.HourSuccessRatio)
	assert.Len(t, day.Run.Transitions, 6)
	assert.NotEmpty(t, day.Run.Report)
	assert.Nil(t, day.Lease)

	var run RunResponse
	resp = f.do(t, http.MethodGet, "/v1/runs/"+accepted.RunID, &run)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, day.Run.GoldFingerprint, run.GoldFingerprint)

	var list struct {
		Runs []RunResponse `json:"runs"`
	}
	resp = f.do(t, http.MethodGet, "/v1/runs?limit=5", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Runs, 1)
	assert.Empty(t, list.Runs[0].Transitions)
}

func TestRunDay_LeaseHeldConflict(t *testing.T) {
	f := newFixture(t)
	held, err := f.leases.Acquire(context.Background(), testDay)
	require.NoError(t, err)

	var errResp ErrorResponse
	resp := f.do(t, http.MethodPost, "/v1/days/2024-01-15/run", &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "LEASE_HELD", errResp.Code)

	var day DayResponse
	resp = f.do(t, http.MethodGet, "/v1/days/2024-01-15", &day)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, day.Lease)
	assert.Equal(t, held.Owner(), day.Lease.Owner)
	assert.Nil(t, day.Run)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method, path string
		status       int
	}{
		{http.MethodPost, "/v1/days/2024-13-01/run", http.StatusBadRequest},
		{http.MethodGet, "/v1/days/yesterday", http.StatusBadRequest},
		{http.MethodGet, "/v1/days/2024-01-10", http.StatusNotFound},
		{http.MethodGet, "/v1/runs/nope", http.StatusNotFound},
		{http.MethodGet, "/v1/runs?limit=0", http.StatusBadRequest},
		{http.MethodPost, "/v1/retention/prune?keep_days=-1", http.StatusBadRequest},
		{http.MethodGet, "/v1/features/2024-01-15", http.StatusNotFound},
		{http.MethodGet, "/v1/nothing", http.StatusNotFound},
		{http.MethodGet, "/v1/retention/sweep", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var errResp ErrorResponse
			resp := f.do(t, tt.method, tt.path, &errResp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestPruneAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := types.MustParseDay("2024-01-20")
	for _, offset := range []int{-7, -8, -9} {
		require.NoError(t, f.store.Put(ctx, types.GoldKey(today.AddDays(offset)).String(), []byte("x")))
	}

	var report retention.Report
	resp := f.do(t, http.MethodPost, "/v1/retention/prune?today=2024-01-20", &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, report.Count(retention.StatusDeleted))

	ok, err := f.store.Exists(ctx, types.GoldKey(today.AddDays(-7)).String())
	require.NoError(t, err)
	assert.True(t, ok)

	var sweep retention.Report
	resp = f.do(t, http.MethodPost, "/v1/retention/sweep", &sweep)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sweep.Outcomes)
}

func TestGetFeatures(t *testing.T) {
	f := newFixture(t)
	rows := []types.FeatureRow{{RepoID: 42, RepoName: "org/x", Stars: 5, Date: "2024-01-15", StarVelocity: 1}}
	data, err := table.Encode(rows, table.Metadata{table.MetaLayer: string(types.LayerFeatures)})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), types.FeaturesKey(testDay).String(), data))

	var out FeaturesResponse
	resp := f.do(t, http.MethodGet, "/v1/features/2024-01-15", &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rows, out.Rows)
	assert.Equal(t, string(types.LayerFeatures), out.Metadata[table.MetaLayer])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	resp := f.do(t, http.MethodGet, "/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])

	f.do(t, http.MethodPost, "/v1/days/2024-01-15/run", nil)
	f.api.Wait()

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "ghlake_day_runs_total"), "metrics body lacks day runs counter")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
