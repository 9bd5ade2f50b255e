package pages_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/archety/pkg/pages"
)

func setupPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/wiki/Tea", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title> Tea - Wikipedia </title></head><body><h1>Tea</h1></body></html>`))
	})
	mux.HandleFunc("/wiki/Untitled", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no head</body></html>`))
	})
	mux.HandleFunc("/wiki/Slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPChecker_Title(t *testing.T) {
	srv := setupPageServer(t)
	c := pages.NewHTTPChecker(time.Second)

	title, err := c.Check(context.Background(), srv.URL+"/wiki/Tea")
	require.NoError(t, err)
	assert.Equal(t, "Tea - Wikipedia", title)

	title, err = c.Check(context.Background(), srv.URL+"/wiki/Untitled")
	require.NoError(t, err)
	assert.Empty(t, title)
}

func TestHTTPChecker_NotFound(t *testing.T) {
	srv := setupPageServer(t)
	c := pages.NewHTTPChecker(time.Second)

	_, err := c.Check(context.Background(), srv.URL+"/wiki/Missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, pages.ErrPageNotFound)

	var nf *pages.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, http.StatusNotFound, nf.Code)
	assert.Equal(t, srv.URL+"/wiki/Missing not found. HTTP Code: 404", err.Error())
}

func TestHTTPChecker_Timeout(t *testing.T) {
	srv := setupPageServer(t)
	c := pages.NewHTTPChecker(50 * time.Millisecond)

	_, err := c.Check(context.Background(), srv.URL+"/wiki/Slow")
	require.Error(t, err)
	assert.NotErrorIs(t, err, pages.ErrPageNotFound)
}

func TestNoop(t *testing.T) {
	title, err := pages.Noop{}.Check(context.Background(), "http://nowhere.invalid/")
	assert.NoError(t, err)
	assert.Empty(t, title)
}
