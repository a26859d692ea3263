package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobflow/internal/model"
)

type savedApprovals map[string]model.Approval

func (s savedApprovals) SaveApproval(_ context.Context, a model.Approval) error {
	s[a.ID] = a
	return nil
}

func newTestGate() (*Gate, savedApprovals) {
	saved := savedApprovals{}
	g := NewGate(saved, nil, nil)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return g, saved
}

func TestGate_ApproveGrantsOneOverride(t *testing.T) {
	g, saved := newTestGate()
	ctx := context.Background()

	a, err := g.Request(ctx, "etl", 4, "ops", "rows below threshold")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !g.HasPending("etl") {
		t.Fatalf("expected a pending approval")
	}
	if g.ConsumeOverride("etl") {
		t.Fatalf("override granted before approval")
	}

	got, err := g.Resolve(ctx, a.ID, true, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.State != model.ApprovalApproved || got.ResolvedBy != "alice" || got.ResolvedAt.IsZero() {
		t.Fatalf("resolved approval = %+v", got)
	}
	if saved[a.ID].State != model.ApprovalApproved {
		t.Fatalf("resolution not persisted")
	}
	if !g.ConsumeOverride("etl") {
		t.Fatalf("approve did not grant an override")
	}
	if g.ConsumeOverride("etl") {
		t.Fatalf("override lasted more than one cycle")
	}
}

func TestGate_RejectGrantsNothing(t *testing.T) {
	g, _ := newTestGate()
	a, _ := g.Request(context.Background(), "etl", 1, "", "")
	if _, err := g.Resolve(context.Background(), a.ID, false, "bob"); err != nil {
		t.Fatal(err)
	}
	if g.ConsumeOverride("etl") {
		t.Fatalf("reject granted an override")
	}
	if g.HasPending("etl") {
		t.Fatalf("rejected approval still pending")
	}
}

func TestGate_ResolveTwiceConflicts(t *testing.T) {
	g, _ := newTestGate()
	a, _ := g.Request(context.Background(), "etl", 1, "", "")
	if _, err := g.Resolve(context.Background(), a.ID, false, "bob"); err != nil {
		t.Fatal(err)
	}

	_, err := g.Resolve(context.Background(), a.ID, true, "alice")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if cur, _ := g.Get(a.ID); cur.State != model.ApprovalRejected || cur.ResolvedBy != "bob" {
		t.Fatalf("conflicting resolve changed state: %+v", cur)
	}
	if g.ConsumeOverride("etl") {
		t.Fatalf("conflicting approve granted an override")
	}
}

func TestGate_NewRequestSupersedesPending(t *testing.T) {
	g, saved := newTestGate()
	ctx := context.Background()
	old, _ := g.Request(ctx, "etl", 1, "", "first")
	other, _ := g.Request(ctx, "load", 1, "", "unrelated")
	latest, _ := g.Request(ctx, "etl", 2, "", "second")

	if !saved[old.ID].Superseded {
		t.Fatalf("older approval not marked superseded")
	}
	pending := g.Pending()
	if len(pending) != 2 || pending[0].ID != other.ID || pending[1].ID != latest.ID {
		t.Fatalf("Pending = %+v", pending)
	}

	_, err := g.Resolve(ctx, old.ID, true, "alice")
	var ce *ConflictError
	if !errors.As(err, &ce) || !ce.Approval.Superseded {
		t.Fatalf("expected superseded conflict, got %v", err)
	}
	if _, err := g.Resolve(ctx, latest.ID, true, "alice"); err != nil {
		t.Fatalf("latest approval not actionable: %v", err)
	}
	if got := len(g.ForJob("etl")); got != 2 {
		t.Fatalf("ForJob = %d approvals, want 2", got)
	}
}

func TestGate_ResolveUnknown(t *testing.T) {
	g, _ := newTestGate()
	if _, err := g.Resolve(context.Background(), "nope", true, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
