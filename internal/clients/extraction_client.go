/**
 * Extraction engine client.
 *
 * Pushes a consolidated stable guide to the downstream extraction engine.
 * The engine applies exactly the payloads it receives; the response echoes
 * how many payloads were loaded, and a count mismatch means the engine is
 * not honoring the guide contract. Pushing is best-effort and never
 * affects the pipeline outcome.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/planlens/guidepipeline-worker/internal/guide"
	"github.com/planlens/guidepipeline-worker/internal/logging"
)

// ExtractionClient handles communication with the extraction engine
type ExtractionClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// pushGuideRequest is the wire request carrying the guide's payloads
type pushGuideRequest struct {
	ProjectID string              `json:"project_id"`
	Payloads  []guide.RulePayload `json:"payloads"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PushGuideResult reports what the engine did with the guide
type PushGuideResult struct {
	PayloadsLoaded int `json:"payloads_loaded"`
	ObjectsEmitted int `json:"objects_emitted"` // 0 is a legal outcome
}

type pushGuideResponse struct {
	Success bool             `json:"success"`
	Data    *PushGuideResult `json:"data"`
	Message string           `json:"message"`
}

// NewExtractionClient creates a new extraction engine client
func NewExtractionClient(baseURL string) *ExtractionClient {
	return &ExtractionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("ExtractionClient"),
	}
}

// PushGuide sends a stable guide's payloads to the extraction engine
func (c *ExtractionClient) PushGuide(ctx context.Context, stable *guide.StableGuide) (*PushGuideResult, error) {
	payloads := make([]guide.RulePayload, 0, len(stable.Rules))
	for _, rule := range stable.Rules {
		payloads = append(payloads, rule.Payload)
	}

	c.logger.Info("Pushing stable guide to extraction engine",
		"projectId", stable.ProjectID,
		"payloads", len(payloads))

	req := &pushGuideRequest{
		ProjectID: stable.ProjectID,
		Payloads:  payloads,
		Metadata: map[string]interface{}{
			"source":    "guidepipeline-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/extraction/load-guide", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "guidepipeline-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("push-guide-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to extraction engine failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope pushGuideResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !envelope.Success || envelope.Data == nil {
		return nil, fmt.Errorf("extraction engine rejected guide: %s", envelope.Message)
	}

	result := envelope.Data
	if result.PayloadsLoaded != len(payloads) {
		// The engine must load exactly the payloads the guide specifies
		c.logger.Warn("Extraction engine payload count mismatch",
			"projectId", stable.ProjectID,
			"pushed", len(payloads),
			"loaded", result.PayloadsLoaded)
	}

	c.logger.Info("Guide pushed to extraction engine",
		"projectId", stable.ProjectID,
		"payloadsLoaded", result.PayloadsLoaded,
		"objectsEmitted", result.ObjectsEmitted)

	return result, nil
}

// HealthCheck verifies the extraction engine is available
func (c *ExtractionClient) HealthCheck(ctx context.Context) error {
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
