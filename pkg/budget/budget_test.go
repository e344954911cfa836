package budget

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocate_Nesting(t *testing.T) {
	b := NewBudgeter()

	sess, err := b.AllocateSession("SES-1", 100)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	wo, err := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 40)
	if err != nil {
		t.Fatalf("wo: %v", err)
	}
	if _, err := b.AllocateCall("SES-1", "WO-SES-1-001", "call-1", 10); err != nil {
		t.Fatalf("call: %v", err)
	}

	if r, _ := b.Remaining(sess); r != 100 {
		t.Errorf("session remaining = %d", r)
	}
	if r, _ := b.Remaining(wo); r != 40 {
		t.Errorf("wo remaining = %d", r)
	}
}

func TestAllocate_RejectsOverParent(t *testing.T) {
	b := NewBudgeter()
	if _, err := b.AllocateSession("SES-1", 100); err != nil {
		t.Fatal(err)
	}
	wo, _ := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 95)
	if err := b.Debit(wo, 95); err != nil {
		t.Fatal(err)
	}

	// Session has 5 left; a 20-token WO must be rejected with BUDGET_EXHAUSTED.
	_, err := b.AllocateWorkOrder("SES-1", "WO-SES-1-002", 20)
	var bErr *Error
	if !errors.As(err, &bErr) || bErr.Code != ErrBudgetExhausted {
		t.Fatalf("err = %v, want %s", err, ErrBudgetExhausted)
	}
	if bErr.Remaining != 5 {
		t.Errorf("remaining = %d, want 5", bErr.Remaining)
	}
}

func TestDebit_PropagatesToAncestors(t *testing.T) {
	b := NewBudgeter()
	sess, _ := b.AllocateSession("SES-1", 100)
	wo, _ := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 50)
	call, _ := b.AllocateCall("SES-1", "WO-SES-1-001", "call-1", 30)

	if err := b.Debit(call, 27); err != nil {
		t.Fatal(err)
	}

	for _, key := range []ScopeKey{sess, wo, call} {
		alloc, consumed, err := b.Snapshot(key)
		if err != nil {
			t.Fatal(err)
		}
		if consumed != 27 {
			t.Errorf("%s consumed = %d, want 27", key, consumed)
		}
		if consumed > alloc {
			t.Errorf("%s consumed %d > allocated %d", key, consumed, alloc)
		}
	}
}

func TestDebit_MinimumOfAncestorsWins(t *testing.T) {
	b := NewBudgeter()
	_, _ = b.AllocateSession("SES-1", 100)
	wo1, _ := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 90)
	_ = b.Debit(wo1, 90)

	// Session now has 10 remaining; WO-002 was allocated before exhaustion
	// would be impossible, so allocate 10 and check that the call cannot
	// exceed the session ceiling.
	wo2, _ := b.AllocateWorkOrder("SES-1", "WO-SES-1-002", 10)
	call, _ := b.AllocateCall("SES-1", "WO-SES-1-002", "call-1", 10)

	if r, _ := b.Remaining(call); r != 10 {
		t.Errorf("call remaining = %d, want 10", r)
	}
	if err := b.Debit(call, 11); err == nil {
		t.Error("debit above ancestor remaining must fail")
	}
	// Rejection mutates nothing.
	if _, consumed, _ := b.Snapshot(wo2); consumed != 0 {
		t.Errorf("failed debit leaked consumption: %d", consumed)
	}
}

func TestAllocate_NoReextension(t *testing.T) {
	b := NewBudgeter()
	_, _ = b.AllocateSession("SES-1", 100)
	if _, err := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AllocateWorkOrder("SES-1", "WO-SES-1-001", 50); err == nil {
		t.Error("re-allocating an existing scope must fail")
	}
}

func TestDebit_ConcurrentNeverOversells(t *testing.T) {
	b := NewBudgeter()
	sess, _ := b.AllocateSession("SES-1", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Debit(sess, 1)
			}
		}()
	}
	wg.Wait()

	alloc, consumed, _ := b.Snapshot(sess)
	if consumed > alloc {
		t.Fatalf("consumed %d > allocated %d", consumed, alloc)
	}
	if consumed != 1000 {
		t.Errorf("consumed = %d, want exactly 1000", consumed)
	}
}

func TestReleaseSession(t *testing.T) {
	b := NewBudgeter()
	sess, _ := b.AllocateSession("SES-1", 10)
	b.ReleaseSession("SES-1")
	if _, err := b.Remaining(sess); err == nil {
		t.Error("released scope still resolvable")
	}
}
