package xray_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray"
	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/testutil"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newApp(t *testing.T, opts ...xray.Option) *xray.App {
	t.Helper()
	t.Setenv("XRAY_API_KEY", "")
	t.Setenv("XRAY_API_KEY_HASH", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	base := []xray.Option{
		xray.WithLogger(testutil.TestLogger()),
		xray.WithVersion("1.0.0-test"),
		xray.WithSQLitePath(filepath.Join(t.TempDir(), "xray.db")),
	}
	app, err := xray.New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestNewServesHealth(t *testing.T) {
	app := newApp(t)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h model.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "1.0.0-test", h.Version)
	assert.Equal(t, "connected", h.Store)
}

func TestMiddlewareOption(t *testing.T) {
	var seen []string
	mw := func(name string) xray.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	app := newApp(t, xray.WithMiddleware(mw("first")), xray.WithMiddleware(mw("second")))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/steps", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Setenv("XRAY_STORE", "mongodb")
	_, err := xray.New(xray.WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XRAY_STORE")
}

func TestMalformedAPIKeyHashRejected(t *testing.T) {
	t.Setenv("XRAY_API_KEY", "")
	t.Setenv("XRAY_API_KEY_HASH", "not-a-hash")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	_, err := xray.New(
		xray.WithLogger(testutil.TestLogger()),
		xray.WithSQLitePath(filepath.Join(t.TempDir(), "xray.db")),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XRAY_API_KEY_HASH")
}

func TestRunStopsOnCancel(t *testing.T) {
	port := freePort(t)
	app := newApp(t, xray.WithPort(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
