// Package dedup classifies freshly extracted opportunities against the
// stored set, short-circuiting expensive downstream processing for records
// that have not changed.
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/model"
)

// Verdict is the per-opportunity duplicate decision.
type Verdict string

const (
	// VerdictNew means no stored record matches the natural key.
	VerdictNew Verdict = "new"
	// VerdictUpdate means a stored record matches and at least one tracked
	// field differs.
	VerdictUpdate Verdict = "update"
	// VerdictSkip means a stored record matches and nothing tracked changed.
	VerdictSkip Verdict = "skip"
)

// FieldChange records one tracked-field difference, keyed by column name.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Decision is the verdict for one incoming opportunity.
type Decision struct {
	Verdict    Verdict       `json:"verdict"`
	ExternalID string        `json:"external_id"`
	StoredID   string        `json:"stored_id,omitempty"`
	Changes    []FieldChange `json:"changes,omitempty"`
}

// Metrics summarizes a classification pass. SkipRatio is observability
// only; nothing branches on it.
type Metrics struct {
	Total     int     `json:"total"`
	New       int     `json:"new"`
	Updated   int     `json:"updated"`
	Skipped   int     `json:"skipped"`
	SkipRatio float64 `json:"skip_ratio"`
}

// Map flattens the metrics into stage-metric form.
func (m Metrics) Map() map[string]any {
	return map[string]any{
		"total":      m.Total,
		"new":        m.New,
		"updated":    m.Updated,
		"skipped":    m.Skipped,
		"skip_ratio": m.SkipRatio,
	}
}

// SnapshotStore loads the stored opportunities for a source.
type SnapshotStore interface {
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)
}

// OpportunityFilter mirrors the store's listing filter without importing it,
// keeping the detector testable against any snapshot provider.
type OpportunityFilter struct {
	SourceID string
	Limit    int
	Offset   int
}

const snapshotPageSize = 1000

// Detector classifies incoming opportunities against stored ones.
type Detector struct {
	store SnapshotStore
}

// New creates a detector over the given snapshot store.
func New(store SnapshotStore) *Detector {
	return &Detector{store: store}
}

// Classify produces one decision per incoming opportunity, matching on the
// natural key (external id within the source). The comparison covers a
// fixed tracked-field set, not the whole object, so volatile and derived
// fields never trigger spurious updates.
func (d *Detector) Classify(ctx context.Context, sourceID string, incoming []model.Opportunity) ([]Decision, Metrics, error) {
	stored, err := d.snapshot(ctx, sourceID)
	if err != nil {
		return nil, Metrics{}, err
	}

	decisions := make([]Decision, 0, len(incoming))
	metrics := Metrics{Total: len(incoming)}

	for i := range incoming {
		opp := &incoming[i]
		key := strings.TrimSpace(opp.ExternalID)
		existing, ok := stored[key]
		if !ok {
			decisions = append(decisions, Decision{Verdict: VerdictNew, ExternalID: key})
			metrics.New++
			continue
		}

		changes := Compare(existing, opp)
		if len(changes) == 0 {
			decisions = append(decisions, Decision{
				Verdict:    VerdictSkip,
				ExternalID: key,
				StoredID:   existing.ID,
			})
			metrics.Skipped++
			continue
		}
		decisions = append(decisions, Decision{
			Verdict:    VerdictUpdate,
			ExternalID: key,
			StoredID:   existing.ID,
			Changes:    changes,
		})
		metrics.Updated++
	}

	if metrics.Total > 0 {
		metrics.SkipRatio = float64(metrics.Skipped) / float64(metrics.Total)
	}

	zap.L().Info("dedup: classification complete",
		zap.String("source_id", sourceID),
		zap.Int("total", metrics.Total),
		zap.Int("new", metrics.New),
		zap.Int("updated", metrics.Updated),
		zap.Int("skipped", metrics.Skipped),
		zap.Float64("skip_ratio", metrics.SkipRatio))
	return decisions, metrics, nil
}

func (d *Detector) snapshot(ctx context.Context, sourceID string) (map[string]*model.Opportunity, error) {
	byKey := make(map[string]*model.Opportunity)
	for offset := 0; ; offset += snapshotPageSize {
		page, err := d.store.ListOpportunities(ctx, OpportunityFilter{
			SourceID: sourceID,
			Limit:    snapshotPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "dedup: load stored opportunities")
		}
		for i := range page {
			byKey[strings.TrimSpace(page[i].ExternalID)] = &page[i]
		}
		if len(page) < snapshotPageSize {
			return byKey, nil
		}
	}
}

// Compare diffs the fixed tracked-field set between a stored record and an
// incoming one: title, description, status, monetary bounds, and date
// bounds. Strings compare whitespace-trimmed, numerics by value, dates by
// UTC day.
func Compare(stored, incoming *model.Opportunity) []FieldChange {
	var changes []FieldChange
	addStr := func(field, old, new string) {
		old = strings.TrimSpace(old)
		new = strings.TrimSpace(new)
		if old != new {
			changes = append(changes, FieldChange{Field: field, Old: old, New: new})
		}
	}

	addStr("title", stored.Title, incoming.Title)
	addStr("description", stored.Description, incoming.Description)
	addStr("status", stored.Status, incoming.Status)

	if !floatEq(stored.MinimumAward, incoming.MinimumAward) {
		changes = append(changes, FieldChange{Field: "minimum_award", Old: deref(stored.MinimumAward), New: deref(incoming.MinimumAward)})
	}
	if !floatEq(stored.MaximumAward, incoming.MaximumAward) {
		changes = append(changes, FieldChange{Field: "maximum_award", Old: deref(stored.MaximumAward), New: deref(incoming.MaximumAward)})
	}
	if !dayEq(stored.OpenDate, incoming.OpenDate) {
		changes = append(changes, FieldChange{Field: "open_date", Old: deref(stored.OpenDate), New: deref(incoming.OpenDate)})
	}
	if !dayEq(stored.CloseDate, incoming.CloseDate) {
		changes = append(changes, FieldChange{Field: "close_date", Old: deref(stored.CloseDate), New: deref(incoming.CloseDate)})
	}
	return changes
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func dayEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
