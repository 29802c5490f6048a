package guide

import (
	"fmt"

	"github.com/planlens/guidepipeline-worker/internal/observation"
)

// Test fixtures shared by the pipeline stage tests. Pages model a simple
// floor plan sheet: uppercase room labels with boxed numbers below them
// plus a recurring "(TYP)" annotation.

func fixtureToken(id, text string, x, y float64, boxed bool) observation.PageToken {
	return observation.PageToken{
		ID:   id,
		Text: text,
		BoundingBox: observation.Box{
			X:      x,
			Y:      y,
			Width:  80,
			Height: 20,
		},
		Boxed: boxed,
	}
}

func fixtureObservation(id, description string, tokenIDs ...string) observation.Observation {
	return observation.Observation{
		ID:          id,
		Category:    "labeling",
		Description: description,
		Location:    "plan area",
		Confidence:  observation.ConfidenceHigh,
		TokenIDs:    tokenIDs,
	}
}

// fixturePage1Report is a source page with two labeled rooms, their boxed
// numbers directly below, and three "(TYP)" annotations
func fixturePage1Report() *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     1,
		Tokens: []observation.PageToken{
			fixtureToken("t1", "KITCHEN", 100, 100, false),
			fixtureToken("t2", "101", 100, 140, true),
			fixtureToken("t3", "BEDROOM", 100, 300, false),
			fixtureToken("t4", "102", 100, 340, true),
			fixtureToken("t5", "(TYP)", 400, 100, false),
			fixtureToken("t6", "(TYP)", 400, 300, false),
			fixtureToken("t7", "(TYP)", 400, 500, false),
		},
		Observations: []observation.Observation{
			fixtureObservation("o1", "Rooms carry uppercase name labels", "t1", "t3"),
			fixtureObservation("o2", "Numbers in boxes sit below each room name", "t2", "t4"),
			fixtureObservation("o3", "Typical marker repeats across the sheet", "t5", "t6", "t7"),
		},
	}
}

// fixtureConformingPage is a later page that follows all page 1 conventions
func fixtureConformingPage(pageIndex int) *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     pageIndex,
		Tokens: []observation.PageToken{
			fixtureToken("t1", "OFFICE", 200, 100, false),
			fixtureToken("t2", "201", 200, 140, true),
			fixtureToken("t3", "STORAGE", 200, 300, false),
			fixtureToken("t4", "202", 200, 340, true),
			fixtureToken("t5", "(TYP)", 500, 100, false),
		},
		Observations: []observation.Observation{
			fixtureObservation("o1", "Rooms follow the labeling convention", "t1", "t2", "t3", "t4"),
		},
	}
}

// fixtureEmptyPage has no tokens at all, like a blank divider sheet
func fixtureEmptyPage(pageIndex int) *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     pageIndex,
	}
}

// fixtureUnboxedNumbersPage breaks the boxed-number convention: numbers
// are present but none are boxed
func fixtureUnboxedNumbersPage(pageIndex int) *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     pageIndex,
		Tokens: []observation.PageToken{
			fixtureToken("t1", "301", 100, 140, false),
			fixtureToken("t2", "302", 100, 340, false),
		},
		Observations: []observation.Observation{
			fixtureObservation("o1", "Numbers appear without boxes", "t1", "t2"),
		},
	}
}

// fixtureGuide builds the provisional guide the fixture page 1 yields
func fixtureGuide(projectID string) *ProvisionalGuide {
	return &ProvisionalGuide{
		ProjectID:       projectID,
		SourcePageIndex: 1,
		Rules: []CandidateRule{
			{
				ID:          "RULE_001",
				Description: "Room names are standalone uppercase labels",
				Payload: RulePayload{
					Kind:      KindTokenDetector,
					TokenType: TokenTypeRoomName,
					Pattern:   roomNamePattern,
					MinLen:    3,
				},
				Evidence: []string{"o1"},
			},
			{
				ID:          "RULE_002",
				Description: "Room numbers are short numeric tokens",
				Payload: RulePayload{
					Kind:        KindTokenDetector,
					TokenType:   TokenTypeRoomNumber,
					Pattern:     roomNumberPattern,
					MinLen:      2,
					MustBeBoxed: true,
				},
				Evidence: []string{"o2"},
			},
			{
				ID:          "RULE_003",
				Description: "Room numbers sit below their room names",
				Payload: RulePayload{
					Kind:          KindPairing,
					NameToken:     TokenTypeRoomName,
					NumberToken:   TokenTypeRoomNumber,
					Relation:      RelationBelow,
					MaxDistancePx: 80,
				},
				Evidence: []string{"o2"},
			},
			{
				ID:          "RULE_004",
				Description: `Ignore recurring annotation "(TYP)"`,
				Payload: RulePayload{
					Kind:          KindExclude,
					Pattern:       `^\(TYP\)$`,
					Justification: "appears 3 times on the source page",
				},
				Evidence: []string{"o3"},
			},
		},
	}
}

// fixtureReport builds a validation report assigning one status to every
// guide rule
func fixtureReport(g *ProvisionalGuide, pageIndex int, statuses map[string]string) *ValidationReport {
	report := &ValidationReport{
		PageIndex:          pageIndex,
		OverallConsistency: ConsistencyConsistent,
	}
	for _, rule := range g.Rules {
		status, ok := statuses[rule.ID]
		if !ok {
			status = StatusConfirmed
		}
		if status == StatusContradicted {
			report.OverallConsistency = ConsistencyInconsistent
		}
		report.Validations = append(report.Validations, RuleValidation{
			RuleID:   rule.ID,
			Status:   status,
			Evidence: fmt.Sprintf("fixture page %d", pageIndex),
		})
	}
	return report
}
