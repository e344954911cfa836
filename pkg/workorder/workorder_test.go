package workorder

import (
	"errors"
	"strings"
	"testing"

	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
)

func planned() *WorkOrder {
	return New("SES-1", 1, TypeClassify, "ho2-admin", InputContext{UserInput: "hello"},
		Constraints{PromptContractID: "CLS-GREETING", TokenBudget: 500})
}

func TestNewID_Format(t *testing.T) {
	if got := NewID("SES-20260824-abc", 7); got != "WO-SES-20260824-abc-007" {
		t.Errorf("id = %s", got)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	wo := planned()
	for _, next := range []State{StateDispatched, StateExecuting, StateCompleted} {
		if err := wo.Transition(next); err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	if !wo.State.Terminal() || wo.CompletedAt == "" {
		t.Errorf("terminal WO = %+v", wo)
	}
}

func TestTransition_ForbiddenEdges(t *testing.T) {
	wo := planned()
	_ = wo.Transition(StateDispatched)
	if err := wo.Transition(StatePlanned); err == nil {
		t.Error("dispatched -> planned must be forbidden")
	}
	_ = wo.Transition(StateExecuting)
	if err := wo.Transition(StatePlanned); err == nil {
		t.Error("executing -> planned must be forbidden")
	}
	if err := wo.Transition(StateDispatched); err == nil {
		t.Error("executing -> dispatched must be forbidden")
	}

	var te *TransitionError
	if err := wo.Transition(StatePlanned); !errors.As(err, &te) {
		t.Errorf("err type = %T", err)
	}
}

func TestTerminal_Immutable(t *testing.T) {
	wo := planned()
	_ = wo.Transition(StateDispatched)
	_ = wo.Transition(StateExecuting)
	if err := wo.Complete(map[string]any{"response_text": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := wo.Transition(StateExecuting); err == nil {
		t.Error("completed WO accepted a transition")
	}
	if err := wo.Fail("X", "y"); err == nil {
		t.Error("completed WO accepted Fail")
	}
}

func TestFail_RecordsReason(t *testing.T) {
	wo := planned()
	if err := wo.Fail("CIRCUIT_OPEN", "provider breaker open"); err != nil {
		t.Fatal(err)
	}
	if wo.State != StateFailed || wo.Error == nil || wo.Error.Code != "CIRCUIT_OPEN" {
		t.Errorf("failed WO = %+v", wo)
	}
}

func TestValidatePlan(t *testing.T) {
	base := PlanValidation{ActiveSessionID: "SES-1", SessionTokensRemaining: 1000}

	if err := planned().ValidatePlan(base); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	wo := planned()
	wo.WOType = "daydream"
	if err := wo.ValidatePlan(base); err == nil {
		t.Error("invalid type accepted")
	}

	wo = planned()
	wo.SessionID = "SES-other"
	if err := wo.ValidatePlan(base); err == nil {
		t.Error("session mismatch accepted")
	}

	// Only the over-budget rejection carries the typed budget error; shape
	// failures must not be mistaken for exhaustion.
	wo = planned()
	wo.Constraints.TokenBudget = 20
	err := wo.ValidatePlan(PlanValidation{ActiveSessionID: "SES-1", SessionTokensRemaining: 5})
	if err == nil || !strings.Contains(err.Error(), "BUDGET_EXHAUSTED") {
		t.Errorf("err = %v, want BUDGET_EXHAUSTED", err)
	}
	var berr *budget.Error
	if !errors.As(err, &berr) {
		t.Errorf("over-budget plan error is %T, want *budget.Error", err)
	} else if berr.Requested != 20 || berr.Remaining != 5 {
		t.Errorf("budget error carries %d/%d, want 20/5", berr.Requested, berr.Remaining)
	}

	wo = planned()
	wo.WOType = "daydream"
	if err := wo.ValidatePlan(base); errors.As(err, &berr) {
		t.Error("shape failure reported as a budget error")
	}

	wo = planned()
	wo.Constraints.PromptContractID = ""
	if err := wo.ValidatePlan(base); err == nil {
		t.Error("LLM WO without contract accepted")
	}

	wo = New("SES-1", 2, TypeToolCall, "ho2-admin", InputContext{}, Constraints{TokenBudget: 10})
	if err := wo.ValidatePlan(base); err == nil {
		t.Error("tool_call without tools_allowed accepted")
	}

	wo = planned()
	wo.ParentWOID = "WO-SES-1-001"
	withParent := base
	withParent.ParentState = StateExecuting
	if err := wo.ValidatePlan(withParent); err == nil {
		t.Error("incomplete parent accepted")
	}
	withParent.ParentState = StateCompleted
	if err := wo.ValidatePlan(withParent); err != nil {
		t.Errorf("completed parent rejected: %v", err)
	}
}
