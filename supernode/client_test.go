package supernode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPinTimeout(t *testing.T) {
	const (
		base = 60 * time.Second
		step = 30 * time.Second
		max  = 30 * time.Minute
	)

	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{"unknown size gets base", 0, base},
		{"negative size gets base", -1, base},
		{"10 MB rounds up to one step", 10 << 20, base + step},
		{"100 MB is exactly one step", 100 << 20, base + step},
		{"101 MB starts a second step", 101 << 20, base + 2*step},
		{"500 MB", 500 << 20, base + 5*step},
		{"1 GB", 1 << 30, base + 11*step},
		{"5 GB", 5 << 30, base + 52*step},
		{"50 GB hits the cap", 50 << 30, max},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PinTimeout(tt.size, base, step, max))
		})
	}
}

func TestSupernodeConfigValidate(t *testing.T) {
	cfg := DefaultSupernodeConfig()
	cfg.APIURL = "http://supernode:5001"
	require.NoError(t, cfg.Validate())

	missing := DefaultSupernodeConfig()
	assert.Error(t, missing.Validate(), "api_url is required")

	inverted := DefaultSupernodeConfig()
	inverted.APIURL = "http://supernode:5001"
	inverted.MaxTimeout = inverted.BaseTimeout - time.Second
	assert.Error(t, inverted.Validate())
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultSupernodeConfig()
	cfg.APIURL = srv.URL
	c, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return c, srv
}

func TestClientPin(t *testing.T) {
	var gotPath, gotArg string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotArg = r.URL.Query().Get("arg")
		w.Write([]byte(`{"Pins":["QmTest"]}`))
	}))

	require.NoError(t, c.Pin(context.Background(), "QmTest", 1024))
	assert.Equal(t, "/api/v0/pin/add", gotPath)
	assert.Equal(t, "QmTest", gotArg)
}

func TestClientPinErrorStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pin queue full", http.StatusServiceUnavailable)
	}))

	err := c.Pin(context.Background(), "QmTest", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "pin queue full")
}

func TestClientVerify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"keyed hit", http.StatusOK, `{"Keys":{"QmTest":{"Type":"recursive"}}}`, true},
		{"error message", http.StatusOK, `{"Message":"not found","Type":"error"}`, false},
		{"plain positive", http.StatusOK, "pinned", true},
		{"plain negative", http.StatusOK, "QmTest is not pinned", false},
		{"server error", http.StatusInternalServerError, "boom", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v0/pin/ls", r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			pinned, err := c.Verify(context.Background(), "QmTest")
			require.NoError(t, err, "status-level failures resolve, they do not error")
			assert.Equal(t, tt.want, pinned)
		})
	}
}

func TestClientVerifyTransportError(t *testing.T) {
	cfg := DefaultSupernodeConfig()
	cfg.APIURL = "http://127.0.0.1:1"
	c, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)

	pinned, err := c.Verify(context.Background(), "QmTest")
	assert.Error(t, err)
	assert.False(t, pinned)
}
