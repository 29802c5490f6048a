/**
 * Stability aggregator - pure fold over validation reports
 *
 * Order-independent: the assessment for a rule depends only on the
 * multiset of its validations, never on page order. not_applicable pages
 * do not count as tested. Any contradiction makes a rule unstable
 * regardless of score.
 */

package guide

import (
	"fmt"
	"sort"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
)

// Aggregator folds per-page validations into per-rule stability
type Aggregator struct {
	stableThreshold float64
	partialFloor    float64
}

// NewAggregator creates an aggregator with the given classification
// thresholds (stable at or above stableThreshold, partial at or above
// partialFloor, unstable below)
func NewAggregator(stableThreshold, partialFloor float64) *Aggregator {
	return &Aggregator{
		stableThreshold: stableThreshold,
		partialFloor:    partialFloor,
	}
}

// Aggregate computes one StabilityAssessment per guide rule. Every report
// must carry exactly one validation per rule; anything else is a contract
// violation surfaced here as defense in depth.
func (a *Aggregator) Aggregate(g *ProvisionalGuide, reports []*ValidationReport) (map[string]StabilityAssessment, error) {
	known := make(map[string]bool, len(g.Rules))
	for _, rule := range g.Rules {
		known[rule.ID] = true
	}

	assessments := make(map[string]StabilityAssessment, len(g.Rules))
	for _, rule := range g.Rules {
		assessments[rule.ID] = StabilityAssessment{RuleID: rule.ID}
	}

	for _, report := range reports {
		seen := make(map[string]bool, len(report.Validations))
		for _, v := range report.Validations {
			if !known[v.RuleID] {
				return nil, pipeerrors.NewContractError(pipeerrors.StageAggregator, report.PageIndex,
					fmt.Sprintf("validation references unknown rule %q", v.RuleID))
			}
			if seen[v.RuleID] {
				return nil, pipeerrors.NewContractError(pipeerrors.StageAggregator, report.PageIndex,
					fmt.Sprintf("duplicate validation for rule %s", v.RuleID))
			}
			seen[v.RuleID] = true

			assessment := assessments[v.RuleID]
			switch v.Status {
			case StatusConfirmed:
				assessment.PagesTested++
				assessment.PagesConfirmed++
				assessment.ConfirmedPages = append(assessment.ConfirmedPages, report.PageIndex)
			case StatusContradicted:
				assessment.PagesTested++
				assessment.PagesContradicted++
				assessment.ContradictedPages = append(assessment.ContradictedPages, report.PageIndex)
			case StatusNotApplicable:
				// Untestable pages never count toward the score
			default:
				return nil, pipeerrors.NewContractError(pipeerrors.StageAggregator, report.PageIndex,
					fmt.Sprintf("rule %s has unknown validation status %q", v.RuleID, v.Status))
			}
			assessments[v.RuleID] = assessment
		}

		if len(seen) != len(g.Rules) {
			return nil, pipeerrors.NewContractError(pipeerrors.StageAggregator, report.PageIndex,
				fmt.Sprintf("report covers %d of %d rules", len(seen), len(g.Rules)))
		}
	}

	for id, assessment := range assessments {
		if assessment.PagesTested > 0 {
			assessment.StabilityScore = float64(assessment.PagesConfirmed) / float64(assessment.PagesTested)
		}
		assessment.Classification = a.classify(assessment)
		sort.Ints(assessment.ConfirmedPages)
		sort.Ints(assessment.ContradictedPages)
		assessments[id] = assessment
	}

	return assessments, nil
}

func (a *Aggregator) classify(assessment StabilityAssessment) string {
	switch {
	case assessment.PagesContradicted > 0:
		return ClassUnstable
	case assessment.StabilityScore >= a.stableThreshold:
		return ClassStable
	case assessment.StabilityScore >= a.partialFloor:
		return ClassPartial
	default:
		return ClassUnstable
	}
}
