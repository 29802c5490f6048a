package observation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
)

func validTestReport(pageIndex int) *ObservationReport {
	return &ObservationReport{
		SchemaVersion: SchemaVersion,
		PageIndex:     pageIndex,
		Tokens: []PageToken{
			{ID: "t1", Text: "KITCHEN", BoundingBox: Box{X: 100, Y: 100, Width: 80, Height: 20}},
			{ID: "t2", Text: "101", BoundingBox: Box{X: 100, Y: 140, Width: 40, Height: 20}, Boxed: true},
		},
		Observations: []Observation{
			{ID: "o1", Category: "labeling", Description: "Rooms carry name labels", Confidence: ConfidenceHigh, TokenIDs: []string{"t1"}},
		},
	}
}

func observeServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func serveReport(t *testing.T, report *ObservationReport) *Client {
	t.Helper()
	return observeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/internal/vision/observe-page", r.URL.Path)
		assert.Equal(t, "guidepipeline-worker", r.Header.Get("X-Source"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    report,
		})
	})
}

func TestObserveValidReport(t *testing.T) {
	client := serveReport(t, validTestReport(2))

	report, err := client.Observe(context.Background(), []byte("image"), Hints{PageIndex: 2, Purpose: PurposeApply})
	require.NoError(t, err)

	assert.Equal(t, 2, report.PageIndex)
	assert.Len(t, report.Tokens, 2)
	assert.Len(t, report.Observations, 1)
}

func TestObserveRateLimitIsRetryable(t *testing.T) {
	client := observeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Observe(context.Background(), []byte("image"), Hints{PageIndex: 1, Purpose: PurposeBuild})
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorModelRateLimited, pe.Code)
	assert.True(t, pipeerrors.IsRetryable(err))
}

func TestObserveServerErrorIsRetryable(t *testing.T) {
	client := observeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Observe(context.Background(), []byte("image"), Hints{PageIndex: 1, Purpose: PurposeBuild})
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorModelTimeout, pe.Code)
	assert.True(t, pipeerrors.IsRetryable(err))
}

func TestObserveProviderFailureEnvelope(t *testing.T) {
	client := observeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "model refused the image",
		})
	})

	_, err := client.Observe(context.Background(), []byte("image"), Hints{PageIndex: 1, Purpose: PurposeBuild})
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorModelInvalidOutput, pe.Code)
	assert.False(t, pipeerrors.IsRetryable(err))
}

func TestValidateReportRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *ObservationReport)
	}{
		{"wrong schema version", func(r *ObservationReport) { r.SchemaVersion = "0.9" }},
		{"page index mismatch", func(r *ObservationReport) { r.PageIndex = 7 }},
		{"empty token id", func(r *ObservationReport) { r.Tokens[0].ID = "" }},
		{"duplicate token id", func(r *ObservationReport) { r.Tokens[1].ID = "t1" }},
		{"empty observation description", func(r *ObservationReport) { r.Observations[0].Description = "" }},
		{"invalid confidence", func(r *ObservationReport) { r.Observations[0].Confidence = "certain" }},
		{"unknown token reference", func(r *ObservationReport) { r.Observations[0].TokenIDs = []string{"t99"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := validTestReport(2)
			tc.mutate(report)

			err := validateReport(report, 2)
			require.Error(t, err)

			pe, ok := pipeerrors.AsPipelineError(err)
			require.True(t, ok)
			assert.Equal(t, pipeerrors.ErrorModelInvalidOutput, pe.Code)
		})
	}
}

func TestValidateReportAcceptsEmptyPage(t *testing.T) {
	report := &ObservationReport{
		SchemaVersion: SchemaVersion,
		PageIndex:     3,
	}
	assert.NoError(t, validateReport(report, 3))
}
