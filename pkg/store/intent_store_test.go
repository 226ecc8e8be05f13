package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

func newTestIntent(id, idempKey string) *contracts.Intent {
	return &contracts.Intent{
		ID:             id,
		IdempotencyKey: idempKey,
		Type:           contracts.IntentArm,
		Params:         json.RawMessage(`{}`),
		OperatorID:     "op-1",
		SubmittedAt:    time.Now().UTC(),
		TTLSeconds:     30,
		Signature:      "deadbeef",
		Status:         contracts.IntentAccepted,
		DangerLevel:    contracts.DangerModerate,
	}
}

func TestMemoryIntentStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()

	intent := newTestIntent("i-1", "idem-1")
	if err := s.Insert(ctx, intent); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.FindByID(ctx, "i-1")
	if err != nil {
		t.Fatalf("find by id failed: %v", err)
	}
	if got.ID != "i-1" {
		t.Errorf("expected id i-1, got %s", got.ID)
	}

	got, err = s.FindByIdempotencyKey(ctx, "idem-1")
	if err != nil {
		t.Fatalf("find by idempotency key failed: %v", err)
	}
	if got.ID != "i-1" {
		t.Errorf("expected id i-1, got %s", got.ID)
	}
}

func TestMemoryIntentStore_InsertCollision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()

	if err := s.Insert(ctx, newTestIntent("i-1", "idem-1")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.Insert(ctx, newTestIntent("i-1", "idem-2")); err != ErrIntentExists {
		t.Errorf("expected ErrIntentExists on id collision, got %v", err)
	}
	if err := s.Insert(ctx, newTestIntent("i-2", "idem-1")); err != ErrIntentExists {
		t.Errorf("expected ErrIntentExists on idempotency key collision, got %v", err)
	}
}

func TestMemoryIntentStore_UpdateStatusMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()
	_ = s.Insert(ctx, newTestIntent("i-1", "idem-1"))

	if err := s.UpdateStatus(ctx, "i-1", contracts.IntentExecuting); err != nil {
		t.Fatalf("forward transition failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "i-1", contracts.IntentAccepted); err == nil {
		t.Error("expected non-monotonic transition to be rejected")
	}
}

func TestMemoryIntentStore_ResolveIsSingleShot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()
	_ = s.Insert(ctx, newTestIntent("i-1", "idem-1"))
	_ = s.UpdateStatus(ctx, "i-1", contracts.IntentExecuting)

	receipt := &contracts.IntentReceipt{Effect: "armed", Verification: "verified"}
	if err := s.Resolve(ctx, "i-1", contracts.IntentVerified, receipt); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	got, _ := s.FindByID(ctx, "i-1")
	if got.Status != contracts.IntentVerified {
		t.Errorf("expected VERIFIED, got %s", got.Status)
	}
	if got.Receipt == nil || got.Receipt.Effect != "armed" {
		t.Errorf("expected receipt to be persisted, got %+v", got.Receipt)
	}

	if err := s.Resolve(ctx, "i-1", contracts.IntentFailed, receipt); err != ErrAlreadyResolved {
		t.Errorf("expected ErrAlreadyResolved on second resolve, got %v", err)
	}
}

func TestMemoryIntentStore_FindFilteredAndRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()

	armIntent := newTestIntent("i-1", "idem-1")
	disarmIntent := newTestIntent("i-2", "idem-2")
	disarmIntent.Type = contracts.IntentDisarm
	disarmIntent.SubmittedAt = armIntent.SubmittedAt.Add(time.Second)

	_ = s.Insert(ctx, armIntent)
	_ = s.Insert(ctx, disarmIntent)

	recent, err := s.FindRecent(ctx, 10, "")
	if err != nil {
		t.Fatalf("find recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent intents, got %d", len(recent))
	}
	if recent[0].ID != "i-2" {
		t.Errorf("expected most recent first, got %s", recent[0].ID)
	}

	filtered, err := s.FindFiltered(ctx, IntentFilter{Type: contracts.IntentArm})
	if err != nil {
		t.Fatalf("find filtered failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "i-1" {
		t.Errorf("expected only i-1 to match ARM filter, got %+v", filtered)
	}
}

func TestMemoryIntentStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIntentStore()

	if _, err := s.FindByID(ctx, "missing"); err != ErrIntentNotFound {
		t.Errorf("expected ErrIntentNotFound, got %v", err)
	}
	if err := s.UpdateStatus(ctx, "missing", contracts.IntentExecuting); err != ErrIntentNotFound {
		t.Errorf("expected ErrIntentNotFound, got %v", err)
	}
}
