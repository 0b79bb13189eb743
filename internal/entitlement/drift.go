package entitlement

import "strconv"

// DriftKind names a way stored state disagrees with the resolver.
type DriftKind string

const (
	DriftHasBlueTick       DriftKind = "has_blue_tick"
	DriftPlanReference     DriftKind = "plan_reference"
	DriftPendingTransition DriftKind = "pending_transition"
)

// Drift is one disagreement between a stored snapshot and its resolution.
type Drift struct {
	DetectiveID string    `json:"detective_id"`
	Kind        DriftKind `json:"kind"`
	Stored      string    `json:"stored"`
	Computed    string    `json:"computed"`
}

// Diff lists how s differs from what r says should be stored.
func Diff(s Snapshot, r Result) []Drift {
	var out []Drift

	for _, w := range r.Warnings {
		if w.Kind == WarnDanglingPlanReference {
			out = append(out, Drift{
				DetectiveID: s.DetectiveID,
				Kind:        DriftPlanReference,
				Stored:      s.SubscriptionPackageID,
				Computed:    r.EffectivePlanID,
			})
		}
	}

	if r.Transition != nil {
		out = append(out, Drift{
			DetectiveID: s.DetectiveID,
			Kind:        DriftPendingTransition,
			Stored:      s.SubscriptionPackageID,
			Computed:    r.Transition.NewPlanID + " (" + string(r.Transition.Reason) + ")",
		})
	}

	if s.HasBlueTick != r.HasBlueTick() {
		out = append(out, Drift{
			DetectiveID: s.DetectiveID,
			Kind:        DriftHasBlueTick,
			Stored:      strconv.FormatBool(s.HasBlueTick),
			Computed:    strconv.FormatBool(r.HasBlueTick()),
		})
	}

	return out
}
