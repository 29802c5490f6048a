/**
 * Rule applier - provisional guide against one page
 *
 * Pure function of (guide, report). Emits exactly one validation per rule.
 * A rule whose precondition is absent on the page is not_applicable, but
 * never at the cost of hiding a contradiction: when the precondition holds
 * and the convention is violated, the verdict is contradicted.
 */

package guide

import (
	"fmt"
	"regexp"
	"strings"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/logging"
	"github.com/planlens/guidepipeline-worker/internal/observation"
)

// Fraction of names that must pair up for a pairing rule to hold on a page
const pairingConfirmRatio = 0.5

// Applier validates a provisional guide against page observation reports
type Applier struct {
	logger *logging.Logger
}

// NewApplier creates a rule applier
func NewApplier() *Applier {
	return &Applier{
		logger: logging.NewLogger("RuleApplier"),
	}
}

// Apply evaluates every guide rule against the page report
func (a *Applier) Apply(g *ProvisionalGuide, report *observation.ObservationReport) (*ValidationReport, error) {
	out := &ValidationReport{
		PageIndex:   report.PageIndex,
		Validations: make([]RuleValidation, 0, len(g.Rules)),
	}

	contradictions := 0
	for _, rule := range g.Rules {
		validation, err := a.applyRule(g, rule, report)
		if err != nil {
			return nil, err
		}
		if validation.Status == StatusContradicted {
			contradictions++
		}
		out.Validations = append(out.Validations, *validation)
	}

	if len(out.Validations) != len(g.Rules) {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, report.PageIndex,
			fmt.Sprintf("emitted %d validations for %d rules", len(out.Validations), len(g.Rules)))
	}

	out.OverallConsistency = ConsistencyConsistent
	if contradictions > 0 {
		out.OverallConsistency = ConsistencyInconsistent
	}

	a.logger.Debug("Guide applied to page",
		"pageIndex", report.PageIndex,
		"rules", len(g.Rules),
		"contradictions", contradictions)

	return out, nil
}

func (a *Applier) applyRule(g *ProvisionalGuide, rule CandidateRule, report *observation.ObservationReport) (*RuleValidation, error) {
	switch rule.Payload.Kind {
	case KindTokenDetector:
		return applyTokenDetector(rule, report)
	case KindPairing:
		return applyPairing(g, rule, report)
	case KindExclude:
		return applyExclude(rule, report)
	default:
		return nil, pipeerrors.NewUnknownPayloadKindError(pipeerrors.StageRuleApplier, string(rule.Payload.Kind))
	}
}

// applyTokenDetector counts strict matches against near misses. A near
// miss is a token the convention almost covers: pattern hit that fails
// the boxing requirement, or a case-insensitive pattern hit. Near misses
// outnumbering matches means the page breaks the convention.
func applyTokenDetector(rule CandidateRule, report *observation.ObservationReport) (*RuleValidation, error) {
	pattern, err := regexp.Compile(rule.Payload.Pattern)
	if err != nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, report.PageIndex,
			fmt.Sprintf("rule %s has invalid pattern %q: %v", rule.ID, rule.Payload.Pattern, err))
	}

	matches := 0
	nearMisses := 0
	for _, tok := range report.Tokens {
		if len(tok.Text) < rule.Payload.MinLen {
			continue
		}
		switch {
		case pattern.MatchString(tok.Text):
			if rule.Payload.MustBeBoxed && !tok.Boxed {
				nearMisses++
			} else {
				matches++
			}
		case pattern.MatchString(strings.ToUpper(tok.Text)):
			nearMisses++
		}
	}

	validation := &RuleValidation{RuleID: rule.ID}
	switch {
	case matches == 0 && nearMisses == 0:
		validation.Status = StatusNotApplicable
		validation.Evidence = fmt.Sprintf("no %s tokens on page", rule.Payload.TokenType)
	case matches == 0:
		validation.Status = StatusContradicted
		validation.Evidence = fmt.Sprintf("%d tokens violate the %s convention, none follow it", nearMisses, rule.Payload.TokenType)
	case nearMisses > matches:
		validation.Status = StatusContradicted
		validation.Evidence = fmt.Sprintf("%d tokens violate the %s convention against %d that follow it", nearMisses, rule.Payload.TokenType, matches)
	default:
		validation.Status = StatusConfirmed
		validation.Evidence = fmt.Sprintf("%d tokens follow the %s convention, %d near misses", matches, rule.Payload.TokenType, nearMisses)
	}
	return validation, nil
}

// applyPairing resolves the guide's detectors for both token types and
// checks the spatial convention between them
func applyPairing(g *ProvisionalGuide, rule CandidateRule, report *observation.ObservationReport) (*RuleValidation, error) {
	nameTokens, err := detectorTokens(g, rule.Payload.NameToken, report)
	if err != nil {
		return nil, err
	}
	numberTokens, err := detectorTokens(g, rule.Payload.NumberToken, report)
	if err != nil {
		return nil, err
	}

	validation := &RuleValidation{RuleID: rule.ID}
	if len(nameTokens) == 0 || len(numberTokens) == 0 {
		validation.Status = StatusNotApplicable
		validation.Evidence = fmt.Sprintf("page has %d %s and %d %s tokens, pairing untestable",
			len(nameTokens), rule.Payload.NameToken, len(numberTokens), rule.Payload.NumberToken)
		return validation, nil
	}

	paired := 0
	for _, name := range nameTokens {
		nearest, dist := nearestToken(name, numberTokens)
		if nearest == nil {
			continue
		}
		if dist <= rule.Payload.MaxDistancePx && relationBetween(name, *nearest) == rule.Payload.Relation {
			paired++
		}
	}

	ratio := float64(paired) / float64(len(nameTokens))
	if ratio >= pairingConfirmRatio {
		validation.Status = StatusConfirmed
		validation.Evidence = fmt.Sprintf("%d of %d names pair %s within %.0f px",
			paired, len(nameTokens), rule.Payload.Relation, rule.Payload.MaxDistancePx)
	} else {
		validation.Status = StatusContradicted
		validation.Evidence = fmt.Sprintf("only %d of %d names pair %s within %.0f px",
			paired, len(nameTokens), rule.Payload.Relation, rule.Payload.MaxDistancePx)
	}
	return validation, nil
}

// detectorTokens finds page tokens matched by the guide's detector for the
// given token type. A pairing referencing a token type without a detector
// in the same guide is a guide defect.
func detectorTokens(g *ProvisionalGuide, tokenType string, report *observation.ObservationReport) ([]observation.PageToken, error) {
	var detector *CandidateRule
	for i := range g.Rules {
		r := &g.Rules[i]
		if r.Payload.Kind == KindTokenDetector && r.Payload.TokenType == tokenType {
			detector = r
			break
		}
	}
	if detector == nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, report.PageIndex,
			fmt.Sprintf("pairing references token type %q with no detector in guide", tokenType))
	}

	pattern, err := regexp.Compile(detector.Payload.Pattern)
	if err != nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, report.PageIndex,
			fmt.Sprintf("rule %s has invalid pattern %q: %v", detector.ID, detector.Payload.Pattern, err))
	}

	var out []observation.PageToken
	for _, tok := range report.Tokens {
		if len(tok.Text) < detector.Payload.MinLen {
			continue
		}
		if detector.Payload.MustBeBoxed && !tok.Boxed {
			continue
		}
		if pattern.MatchString(tok.Text) {
			out = append(out, tok)
		}
	}
	return out, nil
}

// applyExclude confirms when the excluded annotation recurs on the page
func applyExclude(rule CandidateRule, report *observation.ObservationReport) (*RuleValidation, error) {
	pattern, err := regexp.Compile(rule.Payload.Pattern)
	if err != nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, report.PageIndex,
			fmt.Sprintf("rule %s has invalid pattern %q: %v", rule.ID, rule.Payload.Pattern, err))
	}

	hits := 0
	for _, tok := range report.Tokens {
		if pattern.MatchString(tok.Text) {
			hits++
		}
	}

	validation := &RuleValidation{RuleID: rule.ID}
	if hits > 0 {
		validation.Status = StatusConfirmed
		validation.Evidence = fmt.Sprintf("excluded annotation present %d times", hits)
	} else {
		validation.Status = StatusNotApplicable
		validation.Evidence = "excluded annotation absent from page"
	}
	return validation, nil
}
