/**
 * Rule payload schema.
 *
 * A RulePayload is the executable portion of a candidate rule. The kind
 * set is closed: decoding an unknown kind fails instead of passing an
 * unexecutable rule downstream. Adding a kind means touching the constant,
 * validation, and the extraction contract together.
 */

package guide

import (
	"encoding/json"
	"fmt"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
)

// PayloadKind identifies the executable rule type
type PayloadKind string

const (
	KindTokenDetector PayloadKind = "token_detector"
	KindPairing       PayloadKind = "pairing"
	KindExclude       PayloadKind = "exclude"
)

// Token types produced by detectors and consumed by pairings
const (
	TokenTypeRoomName   = "room_name"
	TokenTypeRoomNumber = "room_number"
)

// Spatial relations between paired tokens
const (
	RelationBelow  = "below"
	RelationAbove  = "above"
	RelationRight  = "right"
	RelationLeft   = "left"
	RelationInside = "inside"
)

// UnmarshalJSON enforces the closed kind set at the decoding boundary
func (k *PayloadKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch PayloadKind(raw) {
	case KindTokenDetector, KindPairing, KindExclude:
		*k = PayloadKind(raw)
		return nil
	default:
		return pipeerrors.NewUnknownPayloadKindError(pipeerrors.StageConsolidator, raw)
	}
}

// RulePayload is the kind-discriminated executable payload of a rule
type RulePayload struct {
	Kind PayloadKind `json:"kind"`

	// token_detector fields
	TokenType   string `json:"token_type,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	MinLen      int    `json:"min_len,omitempty"`
	MustBeBoxed bool   `json:"must_be_boxed,omitempty"`

	// pairing fields
	NameToken     string  `json:"name_token,omitempty"`
	NumberToken   string  `json:"number_token,omitempty"`
	Relation      string  `json:"relation,omitempty"`
	MaxDistancePx float64 `json:"max_distance_px,omitempty"`

	// exclude fields
	Justification string `json:"justification,omitempty"`
}

// Validate enforces per-kind required fields
func (p *RulePayload) Validate() error {
	switch p.Kind {
	case KindTokenDetector:
		if p.TokenType == "" {
			return fmt.Errorf("token_detector payload requires token_type")
		}
		if p.Pattern == "" {
			return fmt.Errorf("token_detector payload requires pattern")
		}

	case KindPairing:
		if p.NameToken == "" || p.NumberToken == "" {
			return fmt.Errorf("pairing payload requires name_token and number_token")
		}
		if p.Relation == "" {
			return fmt.Errorf("pairing payload requires relation")
		}
		if p.MaxDistancePx <= 0 {
			return fmt.Errorf("pairing payload requires positive max_distance_px, got %f", p.MaxDistancePx)
		}
		switch p.Relation {
		case RelationBelow, RelationAbove, RelationRight, RelationLeft, RelationInside:
		default:
			return fmt.Errorf("pairing payload has unknown relation %q", p.Relation)
		}

	case KindExclude:
		if p.TokenType == "" && p.Pattern == "" {
			return fmt.Errorf("exclude payload requires token_type or pattern")
		}
		if p.Justification == "" {
			return fmt.Errorf("exclude payload requires justification")
		}

	default:
		return pipeerrors.NewUnknownPayloadKindError(pipeerrors.StageConsolidator, string(p.Kind))
	}

	return nil
}

// IsMandatory reports whether this payload belongs to the mandatory set
// every usable guide must cover: room name detection, room number
// detection, and their pairing.
func (p *RulePayload) IsMandatory() bool {
	switch p.Kind {
	case KindTokenDetector:
		return p.TokenType == TokenTypeRoomName || p.TokenType == TokenTypeRoomNumber
	case KindPairing:
		return p.NameToken == TokenTypeRoomName && p.NumberToken == TokenTypeRoomNumber
	default:
		return false
	}
}
