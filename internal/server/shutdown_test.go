package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zaptest.NewLogger(t))

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"ledger", "scheduler", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}))
	}

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"http", "scheduler", "ledger"}, order)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
}

func TestShutdown_OnlyOnce(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	calls := 0
	boom := errors.New("boom")
	sm.RegisterCloser("ledger", CloserFunc(func() error {
		calls++
		return boom
	}))

	err := sm.Shutdown(context.Background(), "first")
	assert.ErrorIs(t, err, boom)
	err = sm.Shutdown(context.Background(), "second")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 100 * time.Millisecond}, nil)
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	assert.Error(t, err)
	assert.Equal(t, int64(1), sm.InFlightCount())
	assert.False(t, sm.TrackRequest())
}

func TestMiddleware_RejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTP_StopsOnShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zaptest.NewLogger(t))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))}
	served := make(chan error, 1)
	go func() { served <- sm.ServeHTTP(srv, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeHTTP did not return")
	}
}
