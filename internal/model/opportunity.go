package model

import "time"

// OpportunityStatus is the known vocabulary for a funding record's
// lifecycle status. Feeds use many spellings; the sanitizer folds them
// into these values and keeps unknown values verbatim.
type OpportunityStatus string

const (
	OppStatusForecasted OpportunityStatus = "forecasted"
	OppStatusOpen       OpportunityStatus = "open"
	OppStatusClosed     OpportunityStatus = "closed"
	OppStatusArchived   OpportunityStatus = "archived"
)

// Opportunity is the canonical shape of one funding record. Instances are
// transient until the storage stage persists them.
type Opportunity struct {
	ID         string `json:"id,omitempty"`
	SourceID   string `json:"source_id"`
	ExternalID string `json:"external_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`

	MinimumAward *float64 `json:"minimum_award,omitempty"`
	MaximumAward *float64 `json:"maximum_award,omitempty"`
	TotalFunding *float64 `json:"total_funding,omitempty"`

	OpenDate  *time.Time `json:"open_date,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`

	Eligibility []string `json:"eligibility,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	IsNational  bool     `json:"is_national,omitempty"`
	URL         string   `json:"url,omitempty"`

	// RawResponseID points at the cached payload this record was
	// extracted from.
	RawResponseID string `json:"raw_response_id,omitempty"`

	Analysis *Analysis `json:"analysis,omitempty"`

	// AdminNotes is operator-owned; the pipeline never writes it.
	AdminNotes string `json:"admin_notes,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Analysis is the output of the full-analysis pass over an opportunity.
type Analysis struct {
	Score      float64   `json:"score"`
	Summary    string    `json:"summary,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Model      string    `json:"model,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// Expired reports whether the opportunity closed before now.
func (o *Opportunity) Expired(now time.Time) bool {
	return o.CloseDate != nil && o.CloseDate.Before(now)
}
