package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ClosersRunInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var order []string
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "first")
		return nil
	}))
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "second")
		return nil
	}))

	err := sm.Shutdown(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownManager_ShutdownIsIdempotent(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	closes := 0
	sm.RegisterCloser(CloserFunc(func() error {
		closes++
		return nil
	}))

	require.NoError(t, sm.Shutdown(context.Background(), "first"))
	require.NoError(t, sm.Shutdown(context.Background(), "second"))
	assert.Equal(t, 1, closes)
}

func TestShutdownManager_DrainWaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: 2 * time.Second,
		DrainTimeout:    1 * time.Second,
	})

	require.True(t, sm.TrackRequest())
	assert.Equal(t, int64(1), sm.InFlightCount())

	done := make(chan error, 1)
	go func() {
		done <- sm.Shutdown(context.Background(), "test")
	}()

	time.Sleep(200 * time.Millisecond)
	sm.UntrackRequest()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after drain")
	}
}

func TestShutdownManager_RejectsRequestsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.True(t, sm.IsShuttingDown())
	assert.False(t, sm.TrackRequest())
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	handler := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}
