package hasher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHashQueriesService(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/hash", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"project_slug": q.Get("project_slug"),
			"message":      q.Get("message"),
			"length":       q.Get("length"),
		}
		w.Write([]byte("abc123def456\n"))
	}))
	defer srv.Close()

	h := New(srv.URL, nil, zaptest.NewLogger(t))
	digest, err := h.Hash(context.Background(), "proj-x", "M1A1", 64)
	require.NoError(t, err)

	assert.Equal(t, "abc123def456", digest)
	assert.Equal(t, map[string]string{
		"project_slug": "proj-x", "message": "M1A1", "length": "64",
	}, gotQuery)
}

func TestHashOmitsZeroLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("length"))
		w.Write([]byte("deadbeef"))
	}))
	defer srv.Close()

	h := New(srv.URL, nil, zaptest.NewLogger(t))
	_, err := h.Hash(context.Background(), "p", "v", 0)
	require.NoError(t, err)
}

func TestHashErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(srv.URL, nil, zaptest.NewLogger(t))
	_, err := h.Hash(context.Background(), "p", "v", 64)
	assert.Error(t, err)
}

func TestHashRejectsEmptyDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  \n"))
	}))
	defer srv.Close()

	h := New(srv.URL, nil, zaptest.NewLogger(t))
	_, err := h.Hash(context.Background(), "p", "v", 64)
	assert.Error(t, err)
}
