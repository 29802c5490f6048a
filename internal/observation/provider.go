package observation

import (
	"context"
	"encoding/json"
)

// Observation purposes passed to the provider
const (
	PurposeBuild = "build" // page 1, unconstrained observation
	PurposeApply = "apply" // pages 2..N, observation against a guide
)

// TokenSummary is a coarse local pre-scan of a page, used as a hint for
// build-purpose observation. It never substitutes for provider output.
type TokenSummary struct {
	LabelCandidates  []string `json:"label_candidates"`
	NumberCandidates []string `json:"number_candidates"`
	TotalLines       int      `json:"total_lines"`
}

// Hints carries per-call context for the provider. GuideJSON is the
// serialized provisional guide for apply-purpose calls and nil otherwise.
type Hints struct {
	PageIndex    int             `json:"page_index"`
	Purpose      string          `json:"purpose"`
	GuideJSON    json.RawMessage `json:"guide,omitempty"`
	TokenSummary *TokenSummary   `json:"token_summary,omitempty"`
}

// Provider observes a single page image and returns a structured report.
// Implementations classify their failures as retryable (timeout, rate
// limit) or hard (malformed output) via internal/errors.
type Provider interface {
	Observe(ctx context.Context, image []byte, hints Hints) (*ObservationReport, error)
}
