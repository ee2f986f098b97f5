package forge

import "sync/atomic"

// TurnContext is the single-owner capability the turn orchestrator holds
// for the duration of one turn. It is the only way to obtain a
// ChangeRecorder, and a ChangeRecorder stops working the instant its owning
// TurnContext is retired (turn end, abort, or recovery) — even if a
// goroutine is still holding a reference to it. This is the Go rendition of
// the original implementation's non-cloneable Rust capability token
// (types/src/proofs.rs): Go has no move semantics to enforce single
// ownership statically, so TurnContext enforces it dynamically instead,
// via a generation counter checked on every use.
type TurnContext struct {
	generation *int64
}

// NewTurnContext starts a fresh capability at generation 1. Each call
// returns an independent capability; the orchestrator creates exactly one
// per turn.
func NewTurnContext() *TurnContext {
	gen := int64(1)
	return &TurnContext{generation: &gen}
}

// Recorder mints a ChangeRecorder bound to this context's current
// generation. The recorder remains valid only until Retire is called.
func (tc *TurnContext) Recorder() ChangeRecorder {
	return ChangeRecorder{generation: tc.generation, issuedAt: atomic.LoadInt64(tc.generation)}
}

// Retire invalidates every ChangeRecorder issued from this context. Safe to
// call more than once.
func (tc *TurnContext) Retire() {
	atomic.AddInt64(tc.generation, 1)
}

// ChangeRecorder is the capability handle a sandbox operation receives to
// record a filesystem change against. It is a value type so it is cheap to
// pass around, but every method call re-checks its generation against the
// owning TurnContext and fails closed once the turn has ended.
type ChangeRecorder struct {
	generation *int64
	issuedAt   int64
}

// Valid reports whether the owning TurnContext is still at the generation
// this recorder was issued under.
func (cr ChangeRecorder) Valid() bool {
	return cr.generation != nil && atomic.LoadInt64(cr.generation) == cr.issuedAt
}
