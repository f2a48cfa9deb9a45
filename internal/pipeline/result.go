package pipeline

// Phases of a run. Ledger tokens include the phase so the two halves
// of a mixed run never share a token.
const (
	PhaseNarrative = "narrative"
	PhaseData      = "data"
)

// Status of one section.
type Status string

const (
	StatusCreated Status = "created"
	StatusReused  Status = "reused"
	StatusSkipped Status = "skipped"
)

// Enrichment outcomes recorded per section.
const (
	EnrichNone    = "none"
	EnrichOK      = "ok"
	EnrichCached  = "cached"
	EnrichSkipped = "skipped"
)

// SectionResult reports what happened to one section.
type SectionResult struct {
	Phase       string `json:"phase"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Status      Status `json:"status"`
	SlideID     string `json:"slide_id,omitempty"`
	URL         string `json:"url,omitempty"`
	Enrichment  string `json:"enrichment,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Result is the outcome of a run. A run that materialized nothing has
// an empty DeckID and is not an error.
type Result struct {
	RunID        string          `json:"run_id"`
	DeckID       string          `json:"deck_id,omitempty"`
	FirstSlideID string          `json:"first_slide_id,omitempty"`
	FirstURL     string          `json:"first_url,omitempty"`
	Materialized int             `json:"materialized"`
	Created      int             `json:"created"`
	Reused       int             `json:"reused"`
	Skipped      int             `json:"skipped"`
	// Replayed is true when every materialized section came from the
	// ledger.
	Replayed bool            `json:"replayed"`
	Sections []SectionResult `json:"sections"`
}

func (r *Result) add(s SectionResult) {
	r.Sections = append(r.Sections, s)
	switch s.Status {
	case StatusCreated:
		r.Created++
		r.Materialized++
	case StatusReused:
		r.Reused++
		r.Materialized++
	case StatusSkipped:
		r.Skipped++
	}
	r.Replayed = r.Materialized > 0 && r.Reused == r.Materialized
}
