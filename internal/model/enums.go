package model

import (
	"fmt"
	"strings"
)

// Flow is a job's derived health.
type Flow string

const (
	FlowNormal    Flow = "NORMAL"
	FlowUnhealthy Flow = "UNHEALTHY"
	FlowBlocked   Flow = "BLOCKED"
)

// Scope tags a parent edge (FULL = required parent, PARTIAL = one-of-many) and,
// on a JobStatus, how much of the job's own checkups passed.
type Scope string

const (
	ScopeFull    Scope = "FULL"
	ScopePartial Scope = "PARTIAL"
)

// ParseScope accepts FULL/PARTIAL in any case. Empty means FULL.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "FULL":
		return ScopeFull, nil
	case "PARTIAL":
		return ScopePartial, nil
	default:
		return "", fmt.Errorf("unknown scope %q (must be one of: FULL, PARTIAL)", raw)
	}
}

// Phase is the lifecycle position of a Build. Phases only move forward.
type Phase string

const (
	PhaseQueued    Phase = "QUEUED"
	PhaseStarted   Phase = "STARTED"
	PhaseFinalized Phase = "FINALIZED"
)

// Rank orders phases; unknown phases rank 0.
func (p Phase) Rank() int {
	switch p {
	case PhaseQueued:
		return 1
	case PhaseStarted:
		return 2
	case PhaseFinalized:
		return 3
	default:
		return 0
	}
}

func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(raw)))
	if p.Rank() == 0 {
		return "", fmt.Errorf("unknown build phase %q", raw)
	}
	return p, nil
}

// BuildStatus is the terminal outcome of a Build, set only at FINALIZED.
type BuildStatus string

const (
	BuildSuccess  BuildStatus = "SUCCESS"
	BuildFailure  BuildStatus = "FAILURE"
	BuildUnstable BuildStatus = "UNSTABLE"
	BuildAborted  BuildStatus = "ABORTED"
)

func ParseBuildStatus(raw string) (BuildStatus, error) {
	switch s := BuildStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case "":
		return "", nil
	case BuildSuccess, BuildFailure, BuildUnstable, BuildAborted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown build status %q", raw)
	}
}

// Conditional is the comparison a Checkup applies between the observed value
// and its threshold. The set is closed; see checkup.Compare.
type Conditional string

const (
	CondEqual        Conditional = "EQUAL"
	CondNotEqual     Conditional = "NOT_EQUAL"
	CondGreater      Conditional = "GREATER"
	CondGreaterEqual Conditional = "GREATER_EQUAL"
	CondLess         Conditional = "LESS"
	CondLessEqual    Conditional = "LESS_EQUAL"
	CondContains     Conditional = "CONTAINS"
)

var conditionalAliases = map[string]Conditional{
	"EQUAL":         CondEqual,
	"EQ":            CondEqual,
	"==":            CondEqual,
	"NOT_EQUAL":     CondNotEqual,
	"NE":            CondNotEqual,
	"!=":            CondNotEqual,
	"GREATER":       CondGreater,
	"GT":            CondGreater,
	">":             CondGreater,
	"GREATER_EQUAL": CondGreaterEqual,
	"GE":            CondGreaterEqual,
	">=":            CondGreaterEqual,
	"LESS":          CondLess,
	"LT":            CondLess,
	"<":             CondLess,
	"LESS_EQUAL":    CondLessEqual,
	"LE":            CondLessEqual,
	"<=":            CondLessEqual,
	"CONTAINS":      CondContains,
}

func ParseConditional(raw string) (Conditional, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	if c, ok := conditionalAliases[key]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown conditional %q", raw)
}

// Action is what a failed Checkup does.
type Action string

const (
	ActionBlock    Action = "BLOCK"
	ActionNotify   Action = "NOTIFY"
	ActionRebuild  Action = "REBUILD"
	ActionApproval Action = "APPROVAL"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(raw))); a {
	case ActionBlock, ActionNotify, ActionRebuild, ActionApproval:
		return a, nil
	case "":
		return ActionBlock, nil
	default:
		return "", fmt.Errorf("unknown checkup action %q (must be one of: BLOCK, NOTIFY, REBUILD, APPROVAL)", raw)
	}
}

// Blocking reports whether a failed checkup with this action fails the job's
// own health.
func (a Action) Blocking() bool {
	return a == ActionBlock || a == ActionApproval
}

// ApprovalState is the state of an Approval.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

// BuildCause records why a build was submitted.
type BuildCause string

const (
	CauseCron    BuildCause = "cron"
	CauseRetry   BuildCause = "retry"
	CauseRebuild BuildCause = "rebuild"
	CauseManual  BuildCause = "manual"
	CauseRemote  BuildCause = "remote"
)
