//go:build property
// +build property

package store_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/store"
)

var allStatuses = []contracts.IntentStatus{
	contracts.IntentAccepted,
	contracts.IntentExecuting,
	contracts.IntentVerified,
	contracts.IntentFailed,
	contracts.IntentExpired,
}

var statusRank = map[contracts.IntentStatus]int{
	contracts.IntentAccepted:  0,
	contracts.IntentExecuting: 1,
	contracts.IntentVerified:  2,
	contracts.IntentFailed:    2,
	contracts.IntentExpired:   2,
}

// TestIntentStatus_MonotonicTransitions verifies a status update is either
// rejected as non-monotonic or moves to an equal-or-later rank, and a
// terminal status never accepts another transition. This is C2's core
// invariant: the status machine only moves forward.
func TestIntentStatus_MonotonicTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("status transitions never move backward", prop.ForAll(
		func(fromIdx, toIdx int) bool {
			from := allStatuses[fromIdx%len(allStatuses)]
			to := allStatuses[toIdx%len(allStatuses)]

			s := store.NewMemoryIntentStore()
			intent := &contracts.Intent{
				ID:             "intent-prop",
				IdempotencyKey: "idem-prop",
				Type:           contracts.IntentArm,
				Status:         contracts.IntentAccepted,
			}
			_ = s.Insert(context.Background(), intent)

			if from != contracts.IntentAccepted {
				if err := s.UpdateStatus(context.Background(), intent.ID, from); err != nil {
					return true // setup transition itself rejected; nothing to check
				}
			}

			err := s.UpdateStatus(context.Background(), intent.ID, to)

			if from.IsTerminal() {
				return err != nil
			}
			if statusRank[to] < statusRank[from] {
				return err != nil
			}
			return err == nil
		},
		gen.IntRange(0, len(allStatuses)-1),
		gen.IntRange(0, len(allStatuses)-1),
	))

	properties.TestingRun(t)
}
