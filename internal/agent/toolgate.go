package agent

import "sync"

// ToolGateState is the two-valued latch the tool gate (C7) sits behind: tools
// either all run through the approval policy as usual, or the gate is
// latched shut and every call is refused regardless of policy. There is no
// per-tool disable at this layer — that's what Denylist is for.
type ToolGateState int

const (
	// ToolGateEnabled is the normal operating state.
	ToolGateEnabled ToolGateState = iota
	// ToolGateDisabled refuses every tool call until re-enabled.
	ToolGateDisabled
)

// ToolGate is the latch the turn orchestrator consults before handing a
// batch to the approval checker. It opens on construction and closes
// whenever the tool journal (C4) reports it cannot durably record a call —
// running a tool without being able to journal its outcome would make crash
// recovery unable to tell whether the call happened, so forge refuses to
// start new tool calls in that state rather than risk a silent double-run
// after restart.
type ToolGate struct {
	mu     sync.RWMutex
	state  ToolGateState
	reason string
}

// NewToolGate returns an enabled gate.
func NewToolGate() *ToolGate {
	return &ToolGate{state: ToolGateEnabled}
}

// State returns the current latch state and, if disabled, the reason it was
// closed.
func (g *ToolGate) State() (ToolGateState, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state, g.reason
}

// Disable closes the gate with reason. Calling Disable while already
// disabled overwrites the reason with the latest cause.
func (g *ToolGate) Disable(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = ToolGateDisabled
	g.reason = reason
}

// Enable reopens the gate. Used once the condition that closed it (e.g. a
// full disk) has been resolved and confirmed by the recovery coordinator.
func (g *ToolGate) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = ToolGateEnabled
	g.reason = ""
}

// Allowed reports whether the gate currently permits starting new tool
// calls.
func (g *ToolGate) Allowed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == ToolGateEnabled
}
