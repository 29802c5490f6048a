/**
 * HTTP observation provider client.
 *
 * Calls the vision observation service to describe one page image. The
 * worker never talks to a model directly; the provider service owns model
 * selection and prompting. This client owns the schema boundary: responses
 * are validated strictly and malformed output is a hard failure, never
 * patched with defaults.
 */

package observation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/logging"
)

// Client is the HTTP implementation of Provider
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// observeRequest is the wire request for one page observation
type observeRequest struct {
	Image        string          `json:"image"`  // Base64 encoded image
	Format       string          `json:"format"` // always "base64"
	PageIndex    int             `json:"page_index"`
	Purpose      string          `json:"purpose"`
	Guide        json.RawMessage `json:"guide,omitempty"`
	TokenSummary *TokenSummary   `json:"token_summary,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// observeResponse is the wire response envelope
type observeResponse struct {
	Success bool               `json:"success"`
	Data    *ObservationReport `json:"data"`
	Message string             `json:"message"`
}

// NewClient creates a new observation provider client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Vision calls can take time
		},
		logger: logging.NewLogger("ObservationClient"),
	}
}

// Observe requests a structured observation report for one page image
func (c *Client) Observe(ctx context.Context, image []byte, hints Hints) (*ObservationReport, error) {
	c.logger.Info("Requesting page observation",
		"pageIndex", hints.PageIndex,
		"purpose", hints.Purpose,
		"imageSize", len(image))

	req := &observeRequest{
		Image:        base64.StdEncoding.EncodeToString(image),
		Format:       "base64",
		PageIndex:    hints.PageIndex,
		Purpose:      hints.Purpose,
		Guide:        hints.GuideJSON,
		TokenSummary: hints.TokenSummary,
		Metadata: map[string]interface{}{
			"source":    "guidepipeline-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/vision/observe-page", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "guidepipeline-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("observe-%d-%d", hints.PageIndex, time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			return nil, pipeerrors.NewCancelledError(pipeerrors.StageObservation, hints.PageIndex, err)
		}
		// Network failures and client timeouts are transient
		return nil, pipeerrors.NewModelTimeoutError(pipeerrors.StageObservation, hints.PageIndex, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeerrors.NewModelTimeoutError(pipeerrors.StageObservation, hints.PageIndex, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, pipeerrors.NewModelRateLimitedError(pipeerrors.StageObservation, hints.PageIndex,
			fmt.Errorf("provider returned status 429: %s", string(body)))
	case resp.StatusCode >= 500:
		return nil, pipeerrors.NewModelTimeoutError(pipeerrors.StageObservation, hints.PageIndex,
			fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, hints.PageIndex,
			fmt.Sprintf("unexpected status %d", resp.StatusCode),
			fmt.Errorf("provider response: %s", string(body)))
	}

	var envelope observeResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, hints.PageIndex,
			"response is not valid JSON", err)
	}

	if !envelope.Success {
		return nil, pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, hints.PageIndex,
			fmt.Sprintf("provider reported failure: %s", envelope.Message), nil)
	}

	report := envelope.Data
	if err := validateReport(report, hints.PageIndex); err != nil {
		return nil, err
	}

	c.logger.Info("Page observation complete",
		"pageIndex", hints.PageIndex,
		"tokens", len(report.Tokens),
		"observations", len(report.Observations),
		"uncertainties", len(report.Uncertainties))

	return report, nil
}

// validateReport enforces the report schema. Missing required fields are
// hard failures; the pipeline never invents defaults for provider output.
func validateReport(report *ObservationReport, pageIndex int) error {
	if report == nil {
		return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
			"response data is missing", nil)
	}

	if report.SchemaVersion != SchemaVersion {
		return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
			fmt.Sprintf("unsupported schema_version %q", report.SchemaVersion), nil)
	}

	if report.PageIndex != pageIndex {
		return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
			fmt.Sprintf("report page_index %d does not match requested page %d", report.PageIndex, pageIndex), nil)
	}

	tokenIDs := make(map[string]bool, len(report.Tokens))
	for _, tok := range report.Tokens {
		if tok.ID == "" {
			return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
				"token with empty id", nil)
		}
		if tokenIDs[tok.ID] {
			return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
				fmt.Sprintf("duplicate token id %q", tok.ID), nil)
		}
		tokenIDs[tok.ID] = true
	}

	obsIDs := make(map[string]bool, len(report.Observations))
	for _, obs := range report.Observations {
		if obs.ID == "" || obs.Description == "" {
			return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
				"observation with empty id or description", nil)
		}
		if obsIDs[obs.ID] {
			return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
				fmt.Sprintf("duplicate observation id %q", obs.ID), nil)
		}
		obsIDs[obs.ID] = true

		switch obs.Confidence {
		case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		default:
			return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
				fmt.Sprintf("observation %s has invalid confidence %q", obs.ID, obs.Confidence), nil)
		}

		for _, tid := range obs.TokenIDs {
			if !tokenIDs[tid] {
				return pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, pageIndex,
					fmt.Sprintf("observation %s references unknown token %q", obs.ID, tid), nil)
			}
		}
	}

	return nil
}

// HealthCheck verifies the observation provider is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	req.Header.Set("X-Source", "guidepipeline-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
