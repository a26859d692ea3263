package ledger

import (
	"errors"
	"testing"
	"time"

	"jobflow/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ev(job string, n int, phase model.Phase, status model.BuildStatus, offset time.Duration) model.BuildEvent {
	return model.BuildEvent{JobID: job, BuildNumber: n, Phase: phase, Status: status, Timestamp: t0.Add(offset)}
}

func TestLedger_LifecycleAndElapsed(t *testing.T) {
	l := New()
	l.now = func() time.Time { return t0 }

	b := l.Queue("etl", model.CauseCron)
	if b.Number != 1 || b.Phase != model.PhaseQueued {
		t.Fatalf("unexpected queued build: %+v", b)
	}
	if !l.Active("etl") {
		t.Fatalf("queued build should be active")
	}

	if _, changed, err := l.Apply(ev("etl", 1, model.PhaseStarted, "", time.Minute)); err != nil || !changed {
		t.Fatalf("Apply(STARTED) changed=%v err=%v", changed, err)
	}
	got, changed, err := l.Apply(ev("etl", 1, model.PhaseFinalized, model.BuildSuccess, 11*time.Minute))
	if err != nil || !changed {
		t.Fatalf("Apply(FINALIZED) changed=%v err=%v", changed, err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("status = %s", got.Status)
	}
	if d := got.Elapsed(t0); d != 10*time.Minute {
		t.Fatalf("Elapsed = %s, want 10m", d)
	}
	if l.Active("etl") {
		t.Fatalf("finalized build should not be active")
	}
}

func TestLedger_DuplicateFinalizedIsNoop(t *testing.T) {
	l := New()
	first, _, err := l.Apply(ev("etl", 3, model.PhaseFinalized, model.BuildFailure, 0))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, changed, err := l.Apply(ev("etl", 3, model.PhaseFinalized, model.BuildFailure, time.Hour))
	if err != nil {
		t.Fatalf("duplicate Apply: %v", err)
	}
	if changed {
		t.Fatalf("duplicate FINALIZED reported a change")
	}
	if first != second {
		t.Fatalf("duplicate event altered the build: %+v vs %+v", first, second)
	}
}

func TestLedger_PhaseRegressionIsStale(t *testing.T) {
	l := New()
	if _, _, err := l.Apply(ev("etl", 1, model.PhaseFinalized, model.BuildSuccess, 0)); err != nil {
		t.Fatal(err)
	}
	_, changed, err := l.Apply(ev("etl", 1, model.PhaseStarted, "", -time.Minute))
	var se *StaleEventError
	if !errors.As(err, &se) {
		t.Fatalf("expected StaleEventError, got %v", err)
	}
	if changed {
		t.Fatalf("stale event reported a change")
	}
	b, _ := l.Build("etl", 1)
	if b.Phase != model.PhaseFinalized {
		t.Fatalf("stale event regressed the phase to %s", b.Phase)
	}
}

func TestLedger_RejectsMalformedEvents(t *testing.T) {
	l := New()
	tests := []struct {
		name string
		ev   model.BuildEvent
	}{
		{name: "no_job", ev: model.BuildEvent{BuildNumber: 1, Phase: model.PhaseQueued}},
		{name: "bad_number", ev: model.BuildEvent{JobID: "j", Phase: model.PhaseQueued}},
		{name: "bad_phase", ev: model.BuildEvent{JobID: "j", BuildNumber: 1, Phase: "DONE"}},
		{name: "final_without_status", ev: model.BuildEvent{JobID: "j", BuildNumber: 1, Phase: model.PhaseFinalized}},
		{name: "status_before_final", ev: model.BuildEvent{JobID: "j", BuildNumber: 1, Phase: model.PhaseStarted, Status: model.BuildSuccess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := l.Apply(tt.ev); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("Apply() = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestLedger_LatestFinalizedSkipsRunning(t *testing.T) {
	l := New()
	_, _, _ = l.Apply(ev("etl", 1, model.PhaseFinalized, model.BuildFailure, 0))
	_, _, _ = l.Apply(ev("etl", 2, model.PhaseStarted, "", time.Minute))

	latest, _ := l.Latest("etl")
	if latest.Number != 2 {
		t.Fatalf("Latest = %d, want 2", latest.Number)
	}
	fin, ok := l.LatestFinalized("etl")
	if !ok || fin.Number != 1 {
		t.Fatalf("LatestFinalized = %+v ok=%v, want #1", fin, ok)
	}
	if next := l.Queue("etl", model.CauseManual); next.Number != 3 {
		t.Fatalf("Queue after remote build #2 = %d, want 3", next.Number)
	}

	builds := l.Builds("etl")
	if len(builds) != 3 || builds[0].Number != 3 || builds[2].Number != 1 {
		t.Fatalf("Builds not newest first: %+v", builds)
	}
}

func TestLedger_Discard(t *testing.T) {
	l := New()
	b := l.Queue("etl", model.CauseCron)
	l.Discard("etl", b.Number)
	if _, ok := l.Latest("etl"); ok {
		t.Fatalf("discarded build still visible")
	}
	if next := l.Queue("etl", model.CauseCron); next.Number != 1 {
		t.Fatalf("number after discard = %d, want 1", next.Number)
	}
}
