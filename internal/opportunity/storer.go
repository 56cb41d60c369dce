package opportunity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// Persister is the slice of the store the storage agent writes through.
type Persister interface {
	InsertOpportunity(ctx context.Context, opp *model.Opportunity) error
	UpdateOpportunityFields(ctx context.Context, id string, fields map[string]any) error
}

// Storer persists canonical opportunities: full-row inserts for new records
// and partial patches for updates.
type Storer struct {
	store   Persister
	nowFunc func() time.Time
}

// NewStorer creates a storage agent.
func NewStorer(store Persister) *Storer {
	return &Storer{store: store, nowFunc: time.Now}
}

// Insert sanitizes and persists a new opportunity row. A natural-key
// collision surfaces as a classified, non-retryable database error.
func (s *Storer) Insert(ctx context.Context, opp *model.Opportunity) error {
	Sanitize(opp)
	if opp.ExternalID == "" {
		return resilience.NewValidation("opportunity has no external id after sanitization", nil).
			WithContext("title", opp.Title)
	}
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	now := s.nowFunc().UTC()
	opp.CreatedAt = now
	opp.UpdatedAt = now

	if err := s.store.InsertOpportunity(ctx, opp); err != nil {
		return resilience.Classify(err).
			WithContext("external_id", opp.ExternalID).
			WithContext("source_id", opp.SourceID)
	}
	return nil
}

// Patch applies a partial update to a stored row, setting only the columns
// present in changes (the store stamps updated_at). Columns absent from
// the diff are never written, so operator-owned fields and feed-absent
// fields survive every automated update. Keys accept both the canonical
// payload spelling and the column spelling; unknown keys are dropped.
func (s *Storer) Patch(ctx context.Context, storedID string, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}

	fields := make(map[string]any, len(changes)+1)
	for key, value := range changes {
		col, ok := Column(key)
		if !ok {
			zap.L().Debug("opportunity: dropping unmapped field from patch",
				zap.String("field", key),
				zap.String("id", storedID))
			continue
		}
		if str, isStr := value.(string); isStr {
			value = CleanString(str)
		}
		fields[col] = value
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.store.UpdateOpportunityFields(ctx, storedID, fields); err != nil {
		return resilience.Classify(err).WithContext("id", storedID)
	}
	return nil
}
