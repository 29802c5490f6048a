/**
 * Observation report types.
 *
 * An ObservationReport is the structured output of one provider call for
 * one page image. Tokens are the raw text elements detected on the page;
 * observations are higher-level findings that reference tokens by ID.
 * Reports are evidentiary input only. Rule derivation happens downstream.
 */

package observation

// SchemaVersion is the report schema this worker understands.
const SchemaVersion = "1.0"

// Confidence levels attached to individual observations
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Box is an axis-aligned bounding box in page pixel coordinates
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterX returns the horizontal center of the box
func (b Box) CenterX() float64 {
	return b.X + b.Width/2
}

// CenterY returns the vertical center of the box
func (b Box) CenterY() float64 {
	return b.Y + b.Height/2
}

// PageToken is one text element detected on the page
type PageToken struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	BoundingBox Box    `json:"bounding_box"`
	Boxed       bool   `json:"boxed"` // enclosed in a drawn rectangle or circle
}

// Observation is one finding about the page, referencing the tokens
// it is grounded on
type Observation struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Confidence  string   `json:"confidence"`
	TokenIDs    []string `json:"token_ids"`
}

// ObservationReport is the full provider output for one page
type ObservationReport struct {
	SchemaVersion string        `json:"schema_version"`
	PageIndex     int           `json:"page_index"`
	Tokens        []PageToken   `json:"tokens"`
	Observations  []Observation `json:"observations"`
	Uncertainties []string      `json:"uncertainties"`
	Assumptions   []string      `json:"assumptions"`
}

// TokenByID returns the token with the given ID, or nil
func (r *ObservationReport) TokenByID(id string) *PageToken {
	for i := range r.Tokens {
		if r.Tokens[i].ID == id {
			return &r.Tokens[i]
		}
	}
	return nil
}

// ObservationByID returns the observation with the given ID, or nil
func (r *ObservationReport) ObservationByID(id string) *Observation {
	for i := range r.Observations {
		if r.Observations[i].ID == id {
			return &r.Observations[i]
		}
	}
	return nil
}
