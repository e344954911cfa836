// Package budget provides the hierarchical token budget: session scopes own
// work-order scopes, which own per-call scopes. Debits propagate to every
// ancestor atomically and consumed never exceeds allocated at any level.
package budget

import (
	"fmt"
	"sync"
)

// ErrBudgetExhausted is the stable error code surfaced on rejection.
const ErrBudgetExhausted = "BUDGET_EXHAUSTED"

// ScopeKey identifies one budget scope. Zero WorkOrderID/CallID fields mean
// a session-level or work-order-level scope respectively.
type ScopeKey struct {
	SessionID   string `json:"session_id"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	CallID      string `json:"call_id,omitempty"`
}

func (k ScopeKey) String() string {
	s := k.SessionID
	if k.WorkOrderID != "" {
		s += "/" + k.WorkOrderID
	}
	if k.CallID != "" {
		s += "/" + k.CallID
	}
	return s
}

// parent returns the enclosing scope key, or false for session scopes.
func (k ScopeKey) parent() (ScopeKey, bool) {
	switch {
	case k.CallID != "":
		return ScopeKey{SessionID: k.SessionID, WorkOrderID: k.WorkOrderID}, true
	case k.WorkOrderID != "":
		return ScopeKey{SessionID: k.SessionID}, true
	default:
		return ScopeKey{}, false
	}
}

// Error is a typed budget violation.
type Error struct {
	Code      string   `json:"code"`
	Scope     ScopeKey `json:"scope"`
	Requested int      `json:"requested"`
	Remaining int      `json:"remaining"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: scope %s requested %d, remaining %d", e.Code, e.Scope, e.Requested, e.Remaining)
}

type scope struct {
	allocated int
	consumed  int
}

func (s *scope) remaining() int { return s.allocated - s.consumed }

// Budgeter tracks all scopes for all live sessions. All mutations run under
// one mutex so a debit and its ancestor propagation are a single atomic step
// with respect to concurrent checks.
type Budgeter struct {
	mu     sync.Mutex
	scopes map[ScopeKey]*scope
}

func NewBudgeter() *Budgeter {
	return &Budgeter{scopes: make(map[ScopeKey]*scope)}
}

// AllocateSession creates the root scope for a session.
func (b *Budgeter) AllocateSession(sessionID string, tokens int) (ScopeKey, error) {
	return b.allocate(ScopeKey{SessionID: sessionID}, tokens)
}

// AllocateWorkOrder creates a WO scope debiting availability from the session.
func (b *Budgeter) AllocateWorkOrder(sessionID, woID string, tokens int) (ScopeKey, error) {
	return b.allocate(ScopeKey{SessionID: sessionID, WorkOrderID: woID}, tokens)
}

// AllocateCall creates a per-call scope under a work order.
func (b *Budgeter) AllocateCall(sessionID, woID, callID string, tokens int) (ScopeKey, error) {
	return b.allocate(ScopeKey{SessionID: sessionID, WorkOrderID: woID, CallID: callID}, tokens)
}

func (b *Budgeter) allocate(key ScopeKey, tokens int) (ScopeKey, error) {
	if tokens <= 0 {
		return ScopeKey{}, fmt.Errorf("budget: allocation for %s must be positive, got %d", key, tokens)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.scopes[key]; exists {
		return ScopeKey{}, fmt.Errorf("budget: scope %s already allocated; exhausted scopes cannot be re-extended", key)
	}

	if parentKey, ok := key.parent(); ok {
		parent, exists := b.scopes[parentKey]
		if !exists {
			return ScopeKey{}, fmt.Errorf("budget: parent scope %s not allocated", parentKey)
		}
		if tokens > parent.remaining() {
			return ScopeKey{}, &Error{
				Code: ErrBudgetExhausted, Scope: parentKey,
				Requested: tokens, Remaining: parent.remaining(),
			}
		}
	}

	b.scopes[key] = &scope{allocated: tokens}
	return key, nil
}

// Remaining returns the minimum remaining budget over the scope and all its
// ancestors. O(1): scope depth is fixed at three.
func (b *Budgeter) Remaining(key ScopeKey) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked(key)
}

func (b *Budgeter) remainingLocked(key ScopeKey) (int, error) {
	s, exists := b.scopes[key]
	if !exists {
		return 0, fmt.Errorf("budget: unknown scope %s", key)
	}
	minRemaining := s.remaining()
	for k, ok := key.parent(); ok; k, ok = k.parent() {
		ancestor, exists := b.scopes[k]
		if !exists {
			return 0, fmt.Errorf("budget: missing ancestor scope %s", k)
		}
		if r := ancestor.remaining(); r < minRemaining {
			minRemaining = r
		}
	}
	return minRemaining, nil
}

// Check reports whether n tokens can be debited from the scope now.
func (b *Budgeter) Check(key ScopeKey, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, err := b.remainingLocked(key)
	if err != nil {
		return err
	}
	if n > remaining {
		return &Error{Code: ErrBudgetExhausted, Scope: key, Requested: n, Remaining: remaining}
	}
	return nil
}

// Debit consumes n tokens from the scope and every ancestor atomically. On
// rejection nothing is mutated.
func (b *Budgeter) Debit(key ScopeKey, n int) error {
	if n < 0 {
		return fmt.Errorf("budget: negative debit %d on %s", n, key)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, err := b.remainingLocked(key)
	if err != nil {
		return err
	}
	if n > remaining {
		return &Error{Code: ErrBudgetExhausted, Scope: key, Requested: n, Remaining: remaining}
	}

	b.scopes[key].consumed += n
	for k, ok := key.parent(); ok; k, ok = k.parent() {
		b.scopes[k].consumed += n
	}
	return nil
}

// Snapshot returns (allocated, consumed) for reporting.
func (b *Budgeter) Snapshot(key ScopeKey) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, exists := b.scopes[key]
	if !exists {
		return 0, 0, fmt.Errorf("budget: unknown scope %s", key)
	}
	return s.allocated, s.consumed, nil
}

// ReleaseSession drops a session's scopes after the session terminates.
func (b *Budgeter) ReleaseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.scopes {
		if k.SessionID == sessionID {
			delete(b.scopes, k)
		}
	}
}
