package model

import "time"

// CallType labels which kind of API call produced a raw response.
type CallType string

const (
	CallTypeSingle CallType = "single"
	CallTypeList   CallType = "list"
	CallTypeDetail CallType = "detail"
)

// RawResponse is a content-addressed capture of one external API payload.
// The (source_id, content_hash) pair is unique: a repeat sighting of the
// same content bumps call_count and last_seen_at instead of inserting.
type RawResponse struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	ContentHash    string         `json:"content_hash"`
	Content        any            `json:"content,omitempty"`
	RequestDetails map[string]any `json:"request_details,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	CallType       CallType       `json:"call_type,omitempty"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	CallCount      int            `json:"call_count"`
	ExecutionMs    int64          `json:"execution_time_ms,omitempty"`
	ItemCount      int            `json:"item_count,omitempty"`
}
