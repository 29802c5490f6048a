/**
 * Rule builder - page 1 observations to provisional guide
 *
 * Derives candidate rules strictly from what the observation report shows:
 * recurring uppercase label tokens become a room name detector, boxed
 * numeric tokens become a room number detector, observed name/number
 * adjacency becomes a pairing rule, and repeated sheet-wide annotations
 * become exclude rules. Every rule carries evidence references into the
 * report; a rule without evidence is never emitted.
 */

package guide

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/logging"
	"github.com/planlens/guidepipeline-worker/internal/observation"
)

const (
	roomNamePattern   = `^[A-Z][A-Z /&.\-]{2,}$`
	roomNumberPattern = `^\d{2,4}$`

	// Minimum distinct token texts before a convention counts as recurring
	minDetectorSupport = 2
	minExcludeSupport  = 3

	// Pairing distance tolerance over the observed median
	pairingDistanceFactor = 1.5
)

var (
	compiledNamePattern   = regexp.MustCompile(roomNamePattern)
	compiledNumberPattern = regexp.MustCompile(roomNumberPattern)
)

// Builder derives a provisional guide from a first-page observation report
type Builder struct {
	logger *logging.Logger
}

// NewBuilder creates a rule builder
func NewBuilder() *Builder {
	return &Builder{
		logger: logging.NewLogger("RuleBuilder"),
	}
}

// Build derives the provisional guide for a project from its first page.
// The token summary is advisory only; rules are grounded exclusively in
// the report. A guide with zero rules is a legal outcome.
func (b *Builder) Build(projectID string, report *observation.ObservationReport, summary *observation.TokenSummary) (*ProvisionalGuide, error) {
	if len(report.Assumptions) > 0 {
		return nil, pipeerrors.NewModelInvalidOutputError(pipeerrors.StageRuleBuilder, report.PageIndex,
			fmt.Sprintf("report carries %d assumptions, rules must be evidence-only", len(report.Assumptions)), nil)
	}

	if summary != nil {
		b.logger.Debug("Token summary hints available",
			"labelCandidates", len(summary.LabelCandidates),
			"numberCandidates", len(summary.NumberCandidates))
	}

	nameTokens := tokensMatching(report, compiledNamePattern, false)
	numberTokens := tokensMatching(report, compiledNumberPattern, false)

	guide := &ProvisionalGuide{
		ProjectID:       projectID,
		SourcePageIndex: report.PageIndex,
	}

	var nameRule, numberRule *CandidateRule

	if countDistinctTexts(nameTokens) >= minDetectorSupport {
		evidence := evidenceFor(report, nameTokens)
		if len(evidence) > 0 {
			nameRule = &CandidateRule{
				Description: "Room names are standalone uppercase labels",
				Payload: RulePayload{
					Kind:        KindTokenDetector,
					TokenType:   TokenTypeRoomName,
					Pattern:     roomNamePattern,
					MinLen:      3,
					MustBeBoxed: majorityBoxed(nameTokens),
				},
				Evidence: evidence,
			}
			guide.Rules = append(guide.Rules, *nameRule)
		}
	}

	if countDistinctTexts(numberTokens) >= minDetectorSupport {
		evidence := evidenceFor(report, numberTokens)
		if len(evidence) > 0 {
			numberRule = &CandidateRule{
				Description: "Room numbers are short numeric tokens",
				Payload: RulePayload{
					Kind:        KindTokenDetector,
					TokenType:   TokenTypeRoomNumber,
					Pattern:     roomNumberPattern,
					MinLen:      2,
					MustBeBoxed: majorityBoxed(numberTokens),
				},
				Evidence: evidence,
			}
			guide.Rules = append(guide.Rules, *numberRule)
		}
	}

	if nameRule != nil && numberRule != nil {
		if pairing := derivePairing(report, nameTokens, numberTokens); pairing != nil {
			guide.Rules = append(guide.Rules, *pairing)
		}
	}

	guide.Rules = append(guide.Rules, deriveExcludes(report, nameTokens, numberTokens)...)

	assignRuleIDs(guide)

	if err := checkEvidenceRefs(guide, report); err != nil {
		return nil, err
	}
	if err := guide.Validate(); err != nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleBuilder, report.PageIndex, err.Error())
	}

	b.logger.Info("Provisional guide built",
		"projectId", projectID,
		"rules", len(guide.Rules),
		"nameDetector", nameRule != nil,
		"numberDetector", numberRule != nil)

	return guide, nil
}

// tokensMatching returns tokens whose text matches the pattern
func tokensMatching(report *observation.ObservationReport, pattern *regexp.Regexp, boxedOnly bool) []observation.PageToken {
	var out []observation.PageToken
	for _, tok := range report.Tokens {
		if boxedOnly && !tok.Boxed {
			continue
		}
		if pattern.MatchString(tok.Text) {
			out = append(out, tok)
		}
	}
	return out
}

func countDistinctTexts(tokens []observation.PageToken) int {
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		seen[tok.Text] = true
	}
	return len(seen)
}

func majorityBoxed(tokens []observation.PageToken) bool {
	boxed := 0
	for _, tok := range tokens {
		if tok.Boxed {
			boxed++
		}
	}
	return boxed*2 > len(tokens)
}

// evidenceFor returns sorted IDs of observations grounded on any of the
// given tokens
func evidenceFor(report *observation.ObservationReport, tokens []observation.PageToken) []string {
	tokenIDs := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tokenIDs[tok.ID] = true
	}

	var out []string
	for _, obs := range report.Observations {
		for _, tid := range obs.TokenIDs {
			if tokenIDs[tid] {
				out = append(out, obs.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// derivePairing infers the spatial convention between room names and their
// numbers: nearest-number assignment, majority direction, and a distance
// ceiling derived from the observed median.
func derivePairing(report *observation.ObservationReport, nameTokens, numberTokens []observation.PageToken) *CandidateRule {
	if len(nameTokens) == 0 || len(numberTokens) == 0 {
		return nil
	}

	var distances []float64
	relationVotes := make(map[string]int)
	pairedTokens := make([]observation.PageToken, 0, len(nameTokens)*2)

	for _, name := range nameTokens {
		nearest, dist := nearestToken(name, numberTokens)
		if nearest == nil {
			continue
		}
		distances = append(distances, dist)
		relationVotes[relationBetween(name, *nearest)]++
		pairedTokens = append(pairedTokens, name, *nearest)
	}

	if len(distances) < minDetectorSupport {
		return nil
	}

	relation := majorityRelation(relationVotes)
	maxDistance := math.Round(medianOf(distances) * pairingDistanceFactor)
	if maxDistance <= 0 {
		return nil
	}

	evidence := evidenceFor(report, pairedTokens)
	if len(evidence) == 0 {
		return nil
	}

	return &CandidateRule{
		Description: fmt.Sprintf("Room numbers sit %s their room names within %.0f px", relation, maxDistance),
		Payload: RulePayload{
			Kind:          KindPairing,
			NameToken:     TokenTypeRoomName,
			NumberToken:   TokenTypeRoomNumber,
			Relation:      relation,
			MaxDistancePx: maxDistance,
		},
		Evidence: evidence,
	}
}

// deriveExcludes finds sheet-wide annotations repeated often enough to be
// noise rather than room content
func deriveExcludes(report *observation.ObservationReport, nameTokens, numberTokens []observation.PageToken) []CandidateRule {
	claimed := make(map[string]bool)
	for _, tok := range nameTokens {
		claimed[tok.ID] = true
	}
	for _, tok := range numberTokens {
		claimed[tok.ID] = true
	}

	byText := make(map[string][]observation.PageToken)
	for _, tok := range report.Tokens {
		if claimed[tok.ID] || tok.Text == "" {
			continue
		}
		byText[tok.Text] = append(byText[tok.Text], tok)
	}

	texts := make([]string, 0, len(byText))
	for text, toks := range byText {
		if len(toks) >= minExcludeSupport {
			texts = append(texts, text)
		}
	}
	sort.Strings(texts)

	var rules []CandidateRule
	for _, text := range texts {
		evidence := evidenceFor(report, byText[text])
		if len(evidence) == 0 {
			continue
		}
		rules = append(rules, CandidateRule{
			Description: fmt.Sprintf("Ignore recurring annotation %q", text),
			Payload: RulePayload{
				Kind:          KindExclude,
				Pattern:       "^" + regexp.QuoteMeta(text) + "$",
				Justification: fmt.Sprintf("appears %d times on the source page", len(byText[text])),
			},
			Evidence: evidence,
		})
	}
	return rules
}

// assignRuleIDs gives rules stable sequential IDs in derivation order
func assignRuleIDs(guide *ProvisionalGuide) {
	for i := range guide.Rules {
		guide.Rules[i].ID = fmt.Sprintf("RULE_%03d", i+1)
	}
}

// checkEvidenceRefs verifies every evidence reference resolves in the
// source report
func checkEvidenceRefs(guide *ProvisionalGuide, report *observation.ObservationReport) error {
	for _, rule := range guide.Rules {
		for _, obsID := range rule.Evidence {
			if report.ObservationByID(obsID) == nil {
				return pipeerrors.NewContractError(pipeerrors.StageRuleBuilder, report.PageIndex,
					fmt.Sprintf("rule %s references unknown observation %q", rule.ID, obsID))
			}
		}
	}
	return nil
}

func nearestToken(from observation.PageToken, candidates []observation.PageToken) (*observation.PageToken, float64) {
	var best *observation.PageToken
	bestDist := math.MaxFloat64
	for i := range candidates {
		d := centerDistance(from.BoundingBox, candidates[i].BoundingBox)
		if d < bestDist {
			best = &candidates[i]
			bestDist = d
		}
	}
	return best, bestDist
}

func centerDistance(a, b observation.Box) float64 {
	dx := b.CenterX() - a.CenterX()
	dy := b.CenterY() - a.CenterY()
	return math.Sqrt(dx*dx + dy*dy)
}

// relationBetween classifies where b sits relative to a by dominant axis
func relationBetween(a, b observation.PageToken) string {
	if boxContains(a.BoundingBox, b.BoundingBox) {
		return RelationInside
	}
	dx := b.BoundingBox.CenterX() - a.BoundingBox.CenterX()
	dy := b.BoundingBox.CenterY() - a.BoundingBox.CenterY()
	if math.Abs(dy) >= math.Abs(dx) {
		if dy > 0 {
			return RelationBelow
		}
		return RelationAbove
	}
	if dx > 0 {
		return RelationRight
	}
	return RelationLeft
}

func boxContains(outer, inner observation.Box) bool {
	return inner.X >= outer.X &&
		inner.Y >= outer.Y &&
		inner.X+inner.Width <= outer.X+outer.Width &&
		inner.Y+inner.Height <= outer.Y+outer.Height
}

func majorityRelation(votes map[string]int) string {
	relations := make([]string, 0, len(votes))
	for rel := range votes {
		relations = append(relations, rel)
	}
	sort.Strings(relations)

	best := RelationBelow
	bestCount := -1
	for _, rel := range relations {
		if votes[rel] > bestCount {
			best = rel
			bestCount = votes[rel]
		}
	}
	return best
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
