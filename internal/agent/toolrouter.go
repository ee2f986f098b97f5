package agent

import (
	"context"
	"fmt"

	"github.com/forgehq/forge/internal/toolbatch"
	"github.com/forgehq/forge/pkg/forge"
)

// GateResult is the outcome of routing a single tool call through the gate.
type GateResult struct {
	Decision ApprovalDecision
	Reason   string
	// Request is populated when Decision is ApprovalPending — the caller
	// must wait for it to resolve (via ApprovalChecker.Approve/Deny) before
	// the call can run.
	Request *ApprovalRequest
}

// ToolRouter is the single entry point the turn orchestrator (C9) calls
// before starting any tool call: it consults the ToolGate latch first, and
// only evaluates the approval policy if the gate is open. A closed gate
// produces an unconditional denial regardless of what the policy would
// otherwise allow — the gate exists precisely to override policy when the
// journal backing recovery can't be trusted.
type ToolRouter struct {
	Gate    *ToolGate
	Checker *ApprovalChecker
}

// NewToolRouter builds a router with an open gate and the given checker. If
// checker is nil, NewApprovalChecker(nil) is used.
func NewToolRouter(checker *ApprovalChecker) *ToolRouter {
	if checker == nil {
		checker = NewApprovalChecker(nil)
	}
	return &ToolRouter{Gate: NewToolGate(), Checker: checker}
}

// Route decides whether toolCall may run. When the gate is closed, it
// returns ApprovalDenied with the gate's reason without consulting the
// policy at all.
func (r *ToolRouter) Route(ctx context.Context, agentID, sessionID string, toolCall forge.ToolCall) (GateResult, error) {
	if !r.Gate.Allowed() {
		_, reason := r.Gate.State()
		return GateResult{Decision: ApprovalDenied, Reason: fmt.Sprintf("tool gate closed: %s", reason)}, nil
	}

	decision, reason := r.Checker.Check(ctx, agentID, toolCall)
	result := GateResult{Decision: decision, Reason: reason}
	if decision != ApprovalPending {
		return result, nil
	}

	req, err := r.Checker.CreateApprovalRequest(ctx, agentID, sessionID, toolCall, reason)
	if err != nil {
		return GateResult{}, fmt.Errorf("tool router: create approval request: %w", err)
	}
	result.Request = req
	return result, nil
}

// OnBatchHealth is the C4 health check the gate is wired to: the tool batch
// journal calls this after replaying a batch at startup. A batch left with
// a call Started but never Completed means the process died mid-call, and
// forge has no way to know whether the underlying side effect happened —
// the gate stays shut until an operator (via forge doctor) acknowledges it,
// rather than risk silently re-running a call that already took effect.
func (r *ToolRouter) OnBatchHealth(batchID forge.ToolBatchId, statuses []toolbatch.CallStatus, closed bool) {
	if closed {
		return
	}
	for _, s := range statuses {
		if s.Started && !s.Completed {
			r.Gate.Disable(fmt.Sprintf("batch %s has an unresolved call %q from a prior run", batchID, s.ToolName))
			return
		}
	}
}
