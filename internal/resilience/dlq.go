package resilience

import (
	"encoding/json"
	"time"
)

// DeadLetter records one item-level failure for operator inspection. Item
// failures inside a batch are isolated and tallied rather than run-fatal;
// the dead letter keeps enough context to debug or replay the item later.
type DeadLetter struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	SourceID  string          `json:"source_id"`
	Stage     string          `json:"stage"`
	ItemRef   string          `json:"item_ref,omitempty"`
	Code      string          `json:"code"`
	Category  string          `json:"category"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DLQFilter specifies criteria for querying dead letters.
type DLQFilter struct {
	RunID    string `json:"run_id,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// NewDeadLetter builds an entry from a classified failure. The payload is
// marshaled best-effort; a payload that cannot be serialized is dropped
// rather than blocking the record.
func NewDeadLetter(runID, sourceID, stage, itemRef string, err error, payload any) DeadLetter {
	perr := Classify(err)
	entry := DeadLetter{
		RunID:     runID,
		SourceID:  sourceID,
		Stage:     stage,
		ItemRef:   itemRef,
		Code:      perr.Code,
		Category:  string(perr.Category),
		Message:   perr.Message,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		if raw, merr := json.Marshal(payload); merr == nil {
			entry.Payload = raw
		}
	}
	return entry
}
