package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, handler http.Handler) *RemoteSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoteSource(&RemoteConfig{URL: srv.URL, Timeout: DefaultRemoteTimeout})
}

func TestRemoteSourceValidate(t *testing.T) {
	s := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Identifiers []string `json:"identifiers"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"QmGood", "QmBad"}, req.Identifiers)

		json.NewEncoder(w).Encode([]remoteVerdict{
			{Identifier: "QmGood", Valid: true},
			{Identifier: "QmBad", Valid: false},
		})
	}))

	verdicts, err := s.Validate(context.Background(), []string{"QmGood", "QmBad"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestRemoteSourceOmittedIdentifierIsNotAuthorized(t *testing.T) {
	s := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The endpoint only answers for one of the two identifiers.
		json.NewEncoder(w).Encode([]remoteVerdict{
			{Identifier: "QmGood", Valid: true},
		})
	}))

	verdicts, err := s.Validate(context.Background(), []string{"QmGood", "QmSilent"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, verdicts, "omission resolves to not authorized")
}

func TestRemoteSourceErrorStatus(t *testing.T) {
	s := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := s.Validate(context.Background(), []string{"QmGood"})
	assert.Error(t, err)
}

func TestRemoteSourceEmptyBatch(t *testing.T) {
	called := false
	s := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	verdicts, err := s.Validate(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, verdicts)
	assert.False(t, called, "no request for an empty batch")
}

func TestRemoteSourceUnreachable(t *testing.T) {
	s := NewRemoteSource(&RemoteConfig{URL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := s.Validate(context.Background(), []string{"QmGood"})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "remote mode with settings",
			cfg:     Config{Mode: ModeRemote, Remote: &RemoteConfig{URL: "http://validator:8080", Timeout: time.Minute}},
			wantErr: false,
		},
		{
			name:    "remote mode without settings",
			cfg:     Config{Mode: ModeRemote},
			wantErr: true,
		},
		{
			name:    "authdb mode without settings",
			cfg:     Config{Mode: ModeAuthDB},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			cfg:     Config{Mode: "oracle"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
