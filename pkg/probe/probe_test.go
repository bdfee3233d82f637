package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "serv0")
	}))
	defer srv.Close()

	body, err := New().Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "serv0", body)
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(WithRetryMax(0)).Get(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestGetRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	body, err := New(WithRetryMax(3)).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", body)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWaitReady(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	err := WaitReady(context.Background(), srv.URL, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestWaitReadyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Now()
	err := New().WaitReady(context.Background(), srv.URL, 300*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitReadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().WaitReady(ctx, "http://127.0.0.1:1", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
