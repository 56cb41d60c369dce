package pipeline

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/dedup"
	"github.com/grantflow/harvest-cli/internal/model"
)

// materialFields are the columns whose change makes an update worth
// re-analyzing. Cosmetic edits (title casing, description rewrites) keep
// the stored analysis.
var materialFields = map[string]bool{
	"minimum_award": true,
	"maximum_award": true,
	"open_date":     true,
	"close_date":    true,
	"status":        true,
}

// Action is one routed opportunity: what to do with it in storage and
// whether analysis should run first.
type Action struct {
	Decision    dedup.Decision
	Opportunity *model.Opportunity
	Analyze     bool
}

// Route turns dedup decisions into actions:
//   - new records are analyzed unless already expired;
//   - updates are re-analyzed only when a material field changed;
//   - skips carry no work and are kept for accounting only.
//
// decisions and opps are index-aligned, as produced by the detector.
func Route(decisions []dedup.Decision, opps []model.Opportunity, now time.Time) []Action {
	actions := make([]Action, 0, len(decisions))
	for i := range decisions {
		decision := decisions[i]
		action := Action{Decision: decision}
		if i < len(opps) {
			action.Opportunity = &opps[i]
		}

		switch decision.Verdict {
		case dedup.VerdictNew:
			expired := action.Opportunity != nil && isExpired(action.Opportunity, now)
			action.Analyze = !expired
			if expired {
				zap.L().Debug("routing: expired opportunity stored without analysis",
					zap.String("external_id", decision.ExternalID))
			}
		case dedup.VerdictUpdate:
			action.Analyze = materialChange(decision.Changes)
		}
		actions = append(actions, action)
	}
	return actions
}

// PatchFields renders an update action's changed fields as a column map for
// a partial update, including the refreshed analysis when one was produced.
func (a *Action) PatchFields() map[string]any {
	if a.Decision.Verdict != dedup.VerdictUpdate {
		return nil
	}
	fields := make(map[string]any, len(a.Decision.Changes)+1)
	for _, change := range a.Decision.Changes {
		fields[change.Field] = change.New
	}
	if a.Opportunity != nil && a.Opportunity.Analysis != nil {
		if raw, err := json.Marshal(a.Opportunity.Analysis); err == nil {
			fields["analysis"] = raw
		}
	}
	return fields
}

func isExpired(opp *model.Opportunity, now time.Time) bool {
	return opp.CloseDate != nil && opp.CloseDate.Before(now)
}

func materialChange(changes []dedup.FieldChange) bool {
	for _, change := range changes {
		if materialFields[change.Field] {
			return true
		}
	}
	return false
}
