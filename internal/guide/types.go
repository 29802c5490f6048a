/**
 * Guide pipeline data model.
 *
 * A provisional guide is built from page 1, validated rule by rule against
 * the remaining pages, aggregated into per-rule stability assessments, and
 * consolidated into a stable guide or a structured rejection.
 */

package guide

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Validation statuses for one rule on one page
const (
	StatusConfirmed     = "confirmed"
	StatusContradicted  = "contradicted"
	StatusNotApplicable = "not_applicable"
)

// Stability classifications
const (
	ClassStable   = "stable"
	ClassPartial  = "partial"
	ClassUnstable = "unstable"
)

// Overall consistency verdicts
const (
	ConsistencyConsistent   = "consistent"
	ConsistencyInconsistent = "inconsistent"
)

// CandidateRule is one rule of a provisional guide. Immutable after build.
type CandidateRule struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Payload     RulePayload `json:"payload"`
	Evidence    []string    `json:"evidence"` // observation IDs from page 1
}

// ProvisionalGuide is the output of the rule builder
type ProvisionalGuide struct {
	ProjectID       string          `json:"project_id"`
	SourcePageIndex int             `json:"source_page_index"`
	Rules           []CandidateRule `json:"rules"`
}

// Validate checks structural invariants of the guide
func (g *ProvisionalGuide) Validate() error {
	seen := make(map[string]bool, len(g.Rules))
	for _, rule := range g.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate rule id %s", rule.ID)
		}
		seen[rule.ID] = true

		if len(rule.Evidence) == 0 {
			return fmt.Errorf("rule %s has no evidence", rule.ID)
		}
		if err := rule.Payload.Validate(); err != nil {
			return fmt.Errorf("rule %s payload invalid: %w", rule.ID, err)
		}
	}
	return nil
}

// RuleByID returns the rule with the given ID, or nil
func (g *ProvisionalGuide) RuleByID(id string) *CandidateRule {
	for i := range g.Rules {
		if g.Rules[i].ID == id {
			return &g.Rules[i]
		}
	}
	return nil
}

// MarshalForProvider serializes the guide for apply-purpose observation calls
func (g *ProvisionalGuide) MarshalForProvider() (json.RawMessage, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provisional guide: %w", err)
	}
	return data, nil
}

// RuleValidation is the outcome of applying one rule to one page
type RuleValidation struct {
	RuleID   string `json:"rule_id"`
	Status   string `json:"status"`
	Evidence string `json:"evidence"`
}

// ValidationReport is the outcome of applying the guide to one page
type ValidationReport struct {
	PageIndex          int              `json:"page_index"`
	Validations        []RuleValidation `json:"validations"`
	OverallConsistency string           `json:"overall_consistency"`
}

// StabilityAssessment is the aggregated cross-page verdict for one rule
type StabilityAssessment struct {
	RuleID            string  `json:"rule_id"`
	PagesTested       int     `json:"pages_tested"`
	PagesConfirmed    int     `json:"pages_confirmed"`
	PagesContradicted int     `json:"pages_contradicted"`
	ConfirmedPages    []int   `json:"confirmed_pages"`
	ContradictedPages []int   `json:"contradicted_pages"`
	StabilityScore    float64 `json:"stability_score"`
	Classification    string  `json:"classification"`
}

// StableRule is an accepted rule carried into the stable guide
type StableRule struct {
	ID             string      `json:"id"`
	Description    string      `json:"description"`
	Payload        RulePayload `json:"payload"`
	StabilityScore float64     `json:"stability_score"`
}

// StableGuide is the consolidated, accepted ruleset
type StableGuide struct {
	ProjectID string       `json:"project_id"`
	Rules     []StableRule `json:"rules"`
}

// CanonicalJSON serializes the guide deterministically: rules sorted by
// ID, fixed field order. Identical inputs yield byte-identical output.
func (g *StableGuide) CanonicalJSON() ([]byte, error) {
	sorted := StableGuide{
		ProjectID: g.ProjectID,
		Rules:     make([]StableRule, len(g.Rules)),
	}
	copy(sorted.Rules, g.Rules)
	sort.Slice(sorted.Rules, func(i, j int) bool {
		return sorted.Rules[i].ID < sorted.Rules[j].ID
	})

	data, err := json.Marshal(&sorted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stable guide: %w", err)
	}
	return data, nil
}

// ExcludedRule records why a rule was left out of the stable guide
type ExcludedRule struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// ConsolidationResult is the final pipeline verdict for one analyze run
type ConsolidationResult struct {
	GuideGenerated     bool           `json:"guide_generated"`
	StableGuide        *StableGuide   `json:"stable_guide,omitempty"`
	RejectionReason    string         `json:"rejection_reason,omitempty"`
	OverallConsistency string         `json:"overall_consistency"`
	ExcludedRules      []ExcludedRule `json:"excluded_rules"`
	StableRatio        float64        `json:"stable_ratio"`
}

// ConfidenceReport is persisted alongside the guide and served to clients
type ConfidenceReport struct {
	Assessments     []StabilityAssessment `json:"assessments"`
	ExcludedRules   []ExcludedRule        `json:"excluded_rules"`
	StableRatio     float64               `json:"stable_ratio"`
	GuideGenerated  bool                  `json:"guide_generated"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
}

// BuildConfidenceReport assembles the persisted report from the
// aggregation and consolidation outputs, ordered by rule ID.
func BuildConfidenceReport(assessments map[string]StabilityAssessment, result *ConsolidationResult) *ConfidenceReport {
	ids := make([]string, 0, len(assessments))
	for id := range assessments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report := &ConfidenceReport{
		Assessments:     make([]StabilityAssessment, 0, len(ids)),
		ExcludedRules:   result.ExcludedRules,
		StableRatio:     result.StableRatio,
		GuideGenerated:  result.GuideGenerated,
		RejectionReason: result.RejectionReason,
	}
	for _, id := range ids {
		report.Assessments = append(report.Assessments, assessments[id])
	}
	return report
}
