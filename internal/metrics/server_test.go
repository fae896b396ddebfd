package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerEndpoints(t *testing.T) {
	SegmentsTotal.WithLabelValues("0", "request").Inc()
	srv := NewServer(":0", "", func() any {
		return map[string]int{"conversations": 3}
	})
	h := srv.Handler()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/stats", http.StatusOK, `"conversations":3`},
		{"/metrics", http.StatusOK, "rte_segments_total"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestStatsWithoutSource(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(":0", "/m", nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "", nil).Stop(context.Background()))
}
