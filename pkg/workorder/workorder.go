// Package workorder defines the bounded, one-shot instruction unit the HO2
// supervisor plans and the HO1 executor runs, together with its state
// machine and validation rules.
package workorder

import (
	"fmt"
	"time"

	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
)

// Type is the WO variant tag.
type Type string

const (
	TypeClassify   Type = "classify"
	TypeToolCall   Type = "tool_call"
	TypeSynthesize Type = "synthesize"
	TypeExecute    Type = "execute"
)

// Valid reports whether t is a known work order type.
func (t Type) Valid() bool {
	switch t {
	case TypeClassify, TypeToolCall, TypeSynthesize, TypeExecute:
		return true
	}
	return false
}

// LLMBacked reports whether this type requires a prompt contract.
func (t Type) LLMBacked() bool {
	return t == TypeClassify || t == TypeSynthesize
}

// State is a work order lifecycle state.
type State string

const (
	StatePlanned    State = "planned"
	StateDispatched State = "dispatched"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is permanent.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the legal forward edges. dispatched→planned and
// executing→planned are forbidden; terminal states have no exits.
var transitions = map[State][]State{
	StatePlanned:    {StateDispatched, StateFailed},
	StateDispatched: {StateExecuting, StateFailed},
	StateExecuting:  {StateCompleted, StateFailed},
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	WOID string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workorder %s: illegal transition %s -> %s", e.WOID, e.From, e.To)
}

// InputContext is what the WO sees when executing. ToolName and ToolArgs are
// set only on tool_call orders; ToolName must appear in tools_allowed.
type InputContext struct {
	UserInput        string           `json:"user_input,omitempty"`
	PriorResults     []map[string]any `json:"prior_results,omitempty"`
	AssembledContext string           `json:"assembled_context,omitempty"`
	ToolName         string           `json:"tool_name,omitempty"`
	ToolArgs         []string         `json:"tool_args,omitempty"`
}

// Constraints bound the WO's resource envelope.
type Constraints struct {
	PromptContractID string   `json:"prompt_contract_id,omitempty"`
	TokenBudget      int      `json:"token_budget"`
	TurnLimit        int      `json:"turn_limit,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"`
	ToolsAllowed     []string `json:"tools_allowed,omitempty"`
}

// WOError is the structured failure reason on a failed WO.
type WOError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Cost accumulates what the WO actually consumed.
type Cost struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	TotalTokens  int   `json:"total_tokens"`
	LLMCalls     int   `json:"llm_calls"`
	ToolCalls    int   `json:"tool_calls"`
	ElapsedMs    int64 `json:"elapsed_ms"`
}

// WorkOrder is the unit of dispatch between HO2 and HO1. HO2 owns planned
// and dispatched; HO1 owns executing and completed; either side may fail it.
type WorkOrder struct {
	WOID        string         `json:"wo_id"`
	SessionID   string         `json:"session_id"`
	ParentWOID  string         `json:"parent_wo_id,omitempty"`
	WOType      Type           `json:"wo_type"`
	TierTarget  string         `json:"tier_target"`
	State       State          `json:"state"`
	CreatedBy   string         `json:"created_by"`
	Input       InputContext   `json:"input_context"`
	Constraints Constraints    `json:"constraints"`
	Output      map[string]any `json:"output_result,omitempty"`
	Error       *WOError       `json:"error,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Cost        Cost           `json:"cost"`
}

// NewID formats the WO identity for the session's next sequence number.
func NewID(sessionID string, seq int) string {
	return fmt.Sprintf("WO-%s-%03d", sessionID, seq)
}

// New creates a planned work order.
func New(sessionID string, seq int, woType Type, createdBy string, input InputContext, constraints Constraints) *WorkOrder {
	return &WorkOrder{
		WOID:        NewID(sessionID, seq),
		SessionID:   sessionID,
		WOType:      woType,
		TierTarget:  "HO1",
		State:       StatePlanned,
		CreatedBy:   createdBy,
		Input:       input,
		Constraints: constraints,
	}
}

// Transition moves the WO to the next state, enforcing the machine.
func (w *WorkOrder) Transition(to State) error {
	for _, allowed := range transitions[w.State] {
		if allowed == to {
			w.State = to
			if to.Terminal() {
				w.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
			}
			return nil
		}
	}
	return &TransitionError{WOID: w.WOID, From: w.State, To: to}
}

// Fail transitions to failed with a structured reason. Failing a terminal WO
// is an error: terminal states are immutable.
func (w *WorkOrder) Fail(code, message string) error {
	if w.State.Terminal() {
		return &TransitionError{WOID: w.WOID, From: w.State, To: StateFailed}
	}
	w.Error = &WOError{Code: code, Message: message}
	w.State = StateFailed
	w.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// Complete transitions to completed with the validated output.
func (w *WorkOrder) Complete(output map[string]any) error {
	if err := w.Transition(StateCompleted); err != nil {
		return err
	}
	w.Output = output
	return nil
}

// PlanValidation holds the facts plan-time validation needs from the caller.
type PlanValidation struct {
	ActiveSessionID        string
	SessionTokensRemaining int
	ParentState            State // zero value when no parent
}

// ValidatePlan enforces the plan-time rules: valid type, matching session,
// positive budget within session remaining, contract for LLM types, tools for
// tool_call, and a completed parent when one is referenced.
func (w *WorkOrder) ValidatePlan(v PlanValidation) error {
	if !w.WOType.Valid() {
		return fmt.Errorf("workorder %s: invalid wo_type %q", w.WOID, w.WOType)
	}
	if w.SessionID != v.ActiveSessionID {
		return fmt.Errorf("workorder %s: session %s does not match active session %s", w.WOID, w.SessionID, v.ActiveSessionID)
	}
	if w.Constraints.TokenBudget <= 0 {
		return fmt.Errorf("workorder %s: token_budget must be positive", w.WOID)
	}
	if w.Constraints.TokenBudget > v.SessionTokensRemaining {
		return &budget.Error{
			Code:      budget.ErrBudgetExhausted,
			Scope:     budget.ScopeKey{SessionID: w.SessionID},
			Requested: w.Constraints.TokenBudget,
			Remaining: v.SessionTokensRemaining,
		}
	}
	if w.WOType.LLMBacked() && w.Constraints.PromptContractID == "" {
		return fmt.Errorf("workorder %s: %s requires prompt_contract_id", w.WOID, w.WOType)
	}
	if w.WOType == TypeToolCall && len(w.Constraints.ToolsAllowed) == 0 {
		return fmt.Errorf("workorder %s: tool_call requires non-empty tools_allowed", w.WOID)
	}
	if w.ParentWOID != "" && v.ParentState != StateCompleted {
		return fmt.Errorf("workorder %s: parent %s is %s, must be completed", w.WOID, w.ParentWOID, v.ParentState)
	}
	return nil
}
