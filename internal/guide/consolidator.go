/**
 * Consolidator - deterministic stable-guide policy
 *
 * Zero model calls. Walks rules in ID order, accepts stable rules and
 * mandatory rules under the relaxed score floor, and either emits the
 * stable guide or a structured rejection. Identical inputs always produce
 * byte-identical output.
 */

package guide

import (
	"fmt"
	"sort"
	"strings"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/logging"
	"github.com/planlens/guidepipeline-worker/internal/observation"
)

// EvidenceContext records which mandatory token types the analyzed
// document actually showed evidence for. A document with no room names
// anywhere cannot be faulted for lacking a room name rule.
type EvidenceContext struct {
	EvidencedTokenTypes map[string]bool
}

// BuildEvidenceContext derives the evidence context from the first-page
// report using the same token conventions the builder derives rules from
func BuildEvidenceContext(report *observation.ObservationReport) EvidenceContext {
	evidenced := make(map[string]bool)
	for _, tok := range report.Tokens {
		if compiledNamePattern.MatchString(tok.Text) {
			evidenced[TokenTypeRoomName] = true
		}
		if compiledNumberPattern.MatchString(tok.Text) {
			evidenced[TokenTypeRoomNumber] = true
		}
	}
	return EvidenceContext{EvidencedTokenTypes: evidenced}
}

// Consolidator applies the acceptance policy to aggregated assessments
type Consolidator struct {
	stableRatioThreshold float64
	mandatoryMinScore    float64
	logger               *logging.Logger
}

// NewConsolidator creates a consolidator with the given policy thresholds
func NewConsolidator(stableRatioThreshold, mandatoryMinScore float64) *Consolidator {
	return &Consolidator{
		stableRatioThreshold: stableRatioThreshold,
		mandatoryMinScore:    mandatoryMinScore,
		logger:               logging.NewLogger("Consolidator"),
	}
}

// Consolidate decides the final verdict for one analyze run
func (c *Consolidator) Consolidate(g *ProvisionalGuide, assessments map[string]StabilityAssessment, evidence EvidenceContext) (*ConsolidationResult, error) {
	result := &ConsolidationResult{
		OverallConsistency: ConsistencyConsistent,
		ExcludedRules:      []ExcludedRule{},
	}

	if len(g.Rules) == 0 {
		result.RejectionReason = "no rules could be derived from the source page"
		return result, nil
	}

	rules := make([]CandidateRule, len(g.Rules))
	copy(rules, g.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	var accepted []StableRule
	acceptedMandatory := make(map[string]bool)
	anyContradiction := false
	mandatoryTested := false
	mandatoryPresent := false

	for _, rule := range rules {
		assessment, ok := assessments[rule.ID]
		if !ok {
			return nil, pipeerrors.NewContractError(pipeerrors.StageConsolidator, 0,
				fmt.Sprintf("no stability assessment for rule %s", rule.ID))
		}

		mandatory := rule.Payload.IsMandatory()
		if mandatory {
			mandatoryPresent = true
			if assessment.PagesTested > 0 {
				mandatoryTested = true
			}
		}
		if assessment.PagesContradicted > 0 {
			anyContradiction = true
		}

		switch {
		case assessment.PagesContradicted > 0:
			result.ExcludedRules = append(result.ExcludedRules, ExcludedRule{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("contradicted on pages %v", assessment.ContradictedPages),
			})

		case assessment.Classification == ClassStable:
			accepted = append(accepted, StableRule{
				ID:             rule.ID,
				Description:    rule.Description,
				Payload:        rule.Payload,
				StabilityScore: assessment.StabilityScore,
			})
			if mandatory {
				acceptedMandatory[mandatoryKey(rule.Payload)] = true
			}

		case mandatory && assessment.PagesTested > 0 && assessment.StabilityScore >= c.mandatoryMinScore:
			// Mandatory payloads are accepted below the stable threshold
			// as long as nothing contradicted them
			accepted = append(accepted, StableRule{
				ID:             rule.ID,
				Description:    rule.Description,
				Payload:        rule.Payload,
				StabilityScore: assessment.StabilityScore,
			})
			acceptedMandatory[mandatoryKey(rule.Payload)] = true

		default:
			result.ExcludedRules = append(result.ExcludedRules, ExcludedRule{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("%s with score %.2f over %d tested pages",
					assessment.Classification, assessment.StabilityScore, assessment.PagesTested),
			})
		}
	}

	if anyContradiction {
		result.OverallConsistency = ConsistencyInconsistent
	}

	result.StableRatio = float64(len(accepted)) / float64(len(rules))

	if missing := c.missingMandatory(evidence, acceptedMandatory); missing != "" {
		result.OverallConsistency = ConsistencyInconsistent
		result.RejectionReason = fmt.Sprintf("document shows evidence for %s but no accepted rule covers it", missing)
		c.logger.Info("Consolidation rejected guide", "reason", result.RejectionReason)
		return result, nil
	}

	if mandatoryPresent && !mandatoryTested {
		result.RejectionReason = "no testable evidence for mandatory payloads on any validated page"
		c.logger.Info("Consolidation rejected guide", "reason", result.RejectionReason)
		return result, nil
	}

	if result.StableRatio < c.stableRatioThreshold {
		reasons := make([]string, 0, len(result.ExcludedRules))
		for _, ex := range result.ExcludedRules {
			reasons = append(reasons, fmt.Sprintf("%s: %s", ex.RuleID, ex.Reason))
		}
		result.RejectionReason = fmt.Sprintf("stable ratio %.2f below %.2f (%s)",
			result.StableRatio, c.stableRatioThreshold, strings.Join(reasons, "; "))
		c.logger.Info("Consolidation rejected guide", "reason", result.RejectionReason)
		return result, nil
	}

	result.GuideGenerated = true
	result.StableGuide = &StableGuide{
		ProjectID: g.ProjectID,
		Rules:     accepted,
	}

	c.logger.Info("Stable guide consolidated",
		"projectId", g.ProjectID,
		"acceptedRules", len(accepted),
		"excludedRules", len(result.ExcludedRules),
		"stableRatio", fmt.Sprintf("%.2f", result.StableRatio))

	return result, nil
}

// missingMandatory returns a description of the first evidenced mandatory
// payload with no accepted rule, or "" when coverage is complete. Checked
// in a fixed order for deterministic rejection messages.
func (c *Consolidator) missingMandatory(evidence EvidenceContext, acceptedMandatory map[string]bool) string {
	nameEvidenced := evidence.EvidencedTokenTypes[TokenTypeRoomName]
	numberEvidenced := evidence.EvidencedTokenTypes[TokenTypeRoomNumber]

	if nameEvidenced && !acceptedMandatory[mandatoryDetectorKey(TokenTypeRoomName)] {
		return "token_detector(room_name)"
	}
	if numberEvidenced && !acceptedMandatory[mandatoryDetectorKey(TokenTypeRoomNumber)] {
		return "token_detector(room_number)"
	}
	if nameEvidenced && numberEvidenced && !acceptedMandatory[mandatoryPairingKey()] {
		return "pairing(room_name, room_number)"
	}
	return ""
}

func mandatoryKey(p RulePayload) string {
	if p.Kind == KindPairing {
		return mandatoryPairingKey()
	}
	return mandatoryDetectorKey(p.TokenType)
}

func mandatoryDetectorKey(tokenType string) string {
	return "detector:" + tokenType
}

func mandatoryPairingKey() string {
	return "pairing:room_name:room_number"
}
