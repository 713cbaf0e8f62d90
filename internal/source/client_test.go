package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/wallbot/internal/storage"
)

func testOptions(srv *httptest.Server) Options {
	return Options{
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		MinInterval:    time.Nanosecond,
		MaxAttempts:    3,
		RetryInitial:   time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func newTestClient(srv *httptest.Server) *client {
	return newClient(storage.SourceWallhaven, testOptions(srv), time.Nanosecond)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := newTestClient(srv).get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newClient(storage.SourceWallhaven, testOptions(srv), 50*time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).get(context.Background(), srv.URL)
	require.Error(t, err)

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.False(t, IsFatal(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientFatalStatuses(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(code)
		}))

		_, err := newTestClient(srv).get(context.Background(), srv.URL)
		srv.Close()

		require.Error(t, err, "status %d", code)
		assert.True(t, IsFatal(err), "status %d", code)
		assert.Equal(t, int32(1), hits.Load(), "status %d must not be retried", code)
	}
}

func TestClientOtherClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).get(context.Background(), srv.URL)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.False(t, IsFatal(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv).get(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClientMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	var v map[string]any
	err := newTestClient(srv).getJSON(context.Background(), srv.URL, &v)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewUnknownSource(t *testing.T) {
	_, err := New("flickr", Options{})
	assert.Error(t, err)
	assert.Equal(t, []string{"civitai", "github", "unsplash", "wallhaven", "wallhere"}, Names())
}
