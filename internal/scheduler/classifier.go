package scheduler

import (
	"fmt"

	"convert-gateway/internal/model"
)

// Classifier picks the tier a request is queued at. remaining is the
// best-effort remaining quota of the request's category and limit its daily
// limit. hint is the caller's requested tier, nil when absent.
type Classifier func(rec *model.TenantRecord, remaining, limit int64, hint *model.Tier) model.Tier

// PlanClassifier queues at the tenant's plan tier. A hint may lower the tier
// but never raise it above the plan.
func PlanClassifier(rec *model.TenantRecord, _, _ int64, hint *model.Tier) model.Tier {
	tier := model.TierNormal
	if rec != nil && rec.PriorityTier.Valid() {
		tier = rec.PriorityTier
	}
	if hint != nil && hint.Valid() && *hint > tier {
		tier = *hint
	}
	return tier
}

// RemainingClassifier behaves like PlanClassifier and additionally demotes a
// tenant one tier once its remaining quota falls below fraction of its limit.
func RemainingClassifier(fraction float64) Classifier {
	return func(rec *model.TenantRecord, remaining, limit int64, hint *model.Tier) model.Tier {
		tier := PlanClassifier(rec, remaining, limit, hint)
		if limit > 0 && float64(remaining) < fraction*float64(limit) {
			tier = tier.Demote()
		}
		return tier
	}
}

// ClassifierByName resolves a configured classifier.
func ClassifierByName(name string, fraction float64) (Classifier, error) {
	switch name {
	case "", "plan":
		return PlanClassifier, nil
	case "remaining":
		return RemainingClassifier(fraction), nil
	default:
		return nil, fmt.Errorf("unknown classifier %q", name)
	}
}
