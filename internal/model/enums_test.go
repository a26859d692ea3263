package model

import (
	"strings"
	"testing"
	"time"
)

func TestParseConditional_Aliases(t *testing.T) {
	tests := []struct {
		raw  string
		want Conditional
	}{
		{raw: "equal", want: CondEqual},
		{raw: "==", want: CondEqual},
		{raw: "not-equal", want: CondNotEqual},
		{raw: "gt", want: CondGreater},
		{raw: ">=", want: CondGreaterEqual},
		{raw: "Less", want: CondLess},
		{raw: "le", want: CondLessEqual},
		{raw: " contains ", want: CondContains},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseConditional(tt.raw)
			if err != nil {
				t.Fatalf("ParseConditional(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseConditional(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}

	if _, err := ParseConditional("between"); err == nil {
		t.Fatalf("expected error for unknown conditional")
	}
}

func TestParseAction_DefaultsToBlock(t *testing.T) {
	a, err := ParseAction("")
	if err != nil {
		t.Fatalf("ParseAction error: %v", err)
	}
	if a != ActionBlock {
		t.Fatalf("want BLOCK, got %s", a)
	}
	if !ActionApproval.Blocking() || ActionNotify.Blocking() || ActionRebuild.Blocking() {
		t.Fatalf("unexpected Blocking() classification")
	}
}

func TestPhaseRank_Monotonic(t *testing.T) {
	if !(PhaseQueued.Rank() < PhaseStarted.Rank() && PhaseStarted.Rank() < PhaseFinalized.Rank()) {
		t.Fatalf("phase ranks are not monotonic")
	}
	if _, err := ParsePhase("done"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestBuildElapsed(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b := Build{QueuedAt: base, StartedAt: base.Add(time.Minute), FinalizedAt: base.Add(5 * time.Minute)}
	if got := b.Elapsed(base.Add(time.Hour)); got != 4*time.Minute {
		t.Fatalf("Elapsed = %s, want 4m", got)
	}

	running := Build{QueuedAt: base}
	if got := running.Elapsed(base.Add(2 * time.Minute)); got != 2*time.Minute {
		t.Fatalf("Elapsed of running build = %s, want 2m", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", MaxLoggedValueLen+10)
	got := Truncate(long)
	if n := len([]rune(got)); n != MaxLoggedValueLen {
		t.Fatalf("Truncate kept %d runes, want %d", n, MaxLoggedValueLen)
	}
	if Truncate("short") != "short" {
		t.Fatalf("Truncate changed a short value")
	}
}
