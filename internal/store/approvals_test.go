package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/okapi-ai/overseer/internal/store"
)

func newApproval(expiresIn time.Duration) store.Approval {
	return store.Approval{
		ID:             uuid.NewString(),
		AgentID:        "default",
		ActionType:     "tool:shell_exec",
		ActionPayload:  `{"command":"rm -rf /tmp/scratch"}`,
		Reason:         "destructive command",
		ContextSummary: "user asked to clean the scratch dir",
		ExpiresAt:      time.Now().UTC().Add(expiresIn),
	}
}

func TestDecideApproval_GuardedAgainstDoubleDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newApproval(time.Hour)
	if err := s.CreateApproval(ctx, a); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	if err := s.DecideApproval(ctx, a.ID, store.ApprovalStatusApproved, "operator", "looks fine"); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	err := s.DecideApproval(ctx, a.ID, store.ApprovalStatusDenied, "operator2", "too risky")
	if !errors.Is(err, store.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}

	got, err := s.GetApproval(ctx, a.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != store.ApprovalStatusApproved {
		t.Fatalf("second decision must not overwrite, got %s", got.Status)
	}
	if got.DecidedBy != "operator" || got.DecisionReason != "looks fine" {
		t.Fatalf("decision metadata lost: %q/%q", got.DecidedBy, got.DecisionReason)
	}
	if got.DecidedAt == nil {
		t.Fatal("decided_at not set")
	}
}

func TestDecideApproval_UnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.DecideApproval(context.Background(), "missing", store.ApprovalStatusApproved, "x", "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireStaleApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := newApproval(-time.Minute)
	live := newApproval(time.Hour)
	if err := s.CreateApproval(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if err := s.CreateApproval(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}

	expired, err := s.ExpireStaleApprovals(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Fatalf("expected [%s] expired, got %v", stale.ID, expired)
	}

	got, _ := s.GetApproval(ctx, stale.ID)
	if got.Status != store.ApprovalStatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	// Expired requests can no longer be decided.
	if err := s.DecideApproval(ctx, stale.ID, store.ApprovalStatusApproved, "operator", ""); !errors.Is(err, store.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided for expired approval, got %v", err)
	}

	pending, err := s.ListPendingApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != live.ID {
		t.Fatalf("expected only live approval pending, got %v", pending)
	}
}

func TestApprovals_RowsNeverDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newApproval(-time.Minute)
	if err := s.CreateApproval(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ExpireStaleApprovals(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := s.GetApproval(ctx, a.ID); err != nil {
		t.Fatalf("expired approval should remain readable: %v", err)
	}
}
