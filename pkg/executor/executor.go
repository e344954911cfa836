// Package executor is the HO1 side of the work-order protocol: it takes a
// dispatched order, runs its single LLM or tool call under the order's budget
// and timeout, validates the output against the prompt contract, and writes
// the execution trace to the HO1 ledger.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabruni/Brain-Garden-sub005/pkg/attention"
	"github.com/rabruni/Brain-Garden-sub005/pkg/authz"
	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/gateway"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/workorder"
)

// Failure codes the executor sets on a work order it fails itself. Gateway
// rejection codes pass through verbatim.
const (
	CodeOutputInvalid       = "OUTPUT_INVALID"
	CodeAttentionFailed     = "ATTENTION_FAILED"
	CodeCapabilityViolation = "CAPABILITY_VIOLATION"
	CodeToolNotFound        = "TOOL_NOT_FOUND"
	CodeToolFailed          = "TOOL_FAILED"
	CodeInvalidWO           = "INVALID_WORK_ORDER"
)

// Tool is one invokable capability available to tool_call orders.
type Tool interface {
	Invoke(ctx context.Context, args []string, input workorder.InputContext) (map[string]any, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, args []string, input workorder.InputContext) (map[string]any, error)

func (f ToolFunc) Invoke(ctx context.Context, args []string, input workorder.InputContext) (map[string]any, error) {
	return f(ctx, args, input)
}

// Link ties this execution into the dispatching entry's causal chain.
type Link struct {
	ParentEventID string // the WO_DISPATCHED entry
	RootEventID   string // the turn's root entry
}

// Result reports one executed work order. The order itself carries the
// terminal state, output and structured error.
type Result struct {
	WO             *workorder.WorkOrder
	Response       *gateway.PromptResponse
	LedgerEntryIDs []string
}

// Executor runs work orders for one agent class against one HO1 ledger
// partition.
type Executor struct {
	Contracts *contract.Store
	Attention *attention.Service
	Gateway   *gateway.Gateway
	Budgeter  *budget.Budgeter
	Ledger    *ledger.Client

	ProviderID  string
	ModelID     string
	AgentID     string
	AgentClass  string
	FrameworkID string
	Identity    *authz.Identity

	Tools map[string]Tool
	Log   *slog.Logger
	Clock func() time.Time
}

func New(contracts *contract.Store, att *attention.Service, gw *gateway.Gateway, b *budget.Budgeter, lc *ledger.Client) *Executor {
	return &Executor{
		Contracts: contracts,
		Attention: att,
		Gateway:   gw,
		Budgeter:  b,
		Ledger:    lc,
		Tools:     make(map[string]Tool),
		Log:       slog.Default(),
		Clock:     time.Now,
	}
}

// RegisterTool makes a tool invokable by name.
func (e *Executor) RegisterTool(name string, t Tool) {
	e.Tools[name] = t
}

// Execute runs one dispatched work order to a terminal state. The order is
// mutated in place; the returned error covers only infrastructure faults
// (ledger write failure, illegal state), never domain failures, which land on
// wo.Error instead.
func (e *Executor) Execute(ctx context.Context, wo *workorder.WorkOrder, link Link) (*Result, error) {
	started := e.Clock()
	res := &Result{WO: wo}

	if err := wo.Transition(workorder.StateExecuting); err != nil {
		return nil, err
	}
	execID, err := e.append(ctx, ledger.EventWOExecuting, wo, link.ParentEventID, link.RootEventID,
		ledger.Outcome{Status: "executing"}, nil, nil)
	if err != nil {
		return nil, err
	}
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, execID)

	var callErr error
	if wo.WOType == workorder.TypeToolCall {
		callErr = e.runTool(ctx, wo, res, execID, link.RootEventID)
	} else {
		callErr = e.runLLM(ctx, wo, res, execID, link.RootEventID)
	}
	if callErr != nil {
		return nil, callErr
	}

	wo.Cost.ElapsedMs = e.Clock().Sub(started).Milliseconds()
	return res, e.finish(ctx, wo, res, execID, link.RootEventID)
}

// runLLM performs steps 1 through 7 of the call pipeline: per-call scope,
// contract load, attention, render, route, outcome branch, output validation.
func (e *Executor) runLLM(ctx context.Context, wo *workorder.WorkOrder, res *Result, execID, rootID string) error {
	callID := fmt.Sprintf("call-%03d", wo.Cost.LLMCalls+1)
	scopeKey, failCode, err := e.allocateCall(wo, callID)
	if err != nil {
		return err
	}
	if failCode != "" {
		return wo.Fail(failCode, fmt.Sprintf("allocating %s for %s", callID, wo.WOID))
	}

	c, err := e.Contracts.Get(wo.Constraints.PromptContractID)
	if err != nil {
		return wo.Fail(CodeInvalidWO, err.Error())
	}

	assembled := wo.Input.AssembledContext
	contextHash := ""
	if e.contextRequired(c) && e.Attention != nil {
		ac, err := e.Attention.Assemble(ctx, &attention.Request{
			AgentID:     e.AgentID,
			AgentClass:  e.AgentClass,
			FrameworkID: e.FrameworkID,
			Tier:        string(authz.TierHO1),
			WorkOrderID: wo.WOID,
			SessionID:   wo.SessionID,
			Contract:    c,
			UserInput:   wo.Input.UserInput,
		})
		if err != nil {
			return wo.Fail(CodeAttentionFailed, err.Error())
		}
		assembled = ac.ContextText
		contextHash = ac.ContextHash
	}
	if contextHash == "" && assembled != "" {
		contextHash = canonicalize.HashString(assembled)
	}

	prompt, err := c.Render(contract.RenderInput{
		UserInput:        wo.Input.UserInput,
		AssembledContext: assembled,
		PriorResults:     wo.Input.PriorResults,
	})
	if err != nil {
		return wo.Fail(CodeInvalidWO, err.Error())
	}

	resp := e.Gateway.Route(ctx, &gateway.PromptRequest{
		ProviderID:     e.ProviderID,
		ModelID:        e.ModelID,
		Prompt:         prompt,
		Contract:       c,
		ScopeKey:       scopeKey,
		Identity:       e.Identity,
		CallerTier:     authz.TierHO1,
		AgentID:        e.AgentID,
		AgentClass:     e.AgentClass,
		FrameworkID:    e.FrameworkID,
		SessionID:      wo.SessionID,
		WorkOrderID:    wo.WOID,
		TimeoutSeconds: wo.Constraints.TimeoutSeconds,
		ContextHash:    contextHash,
	})
	res.Response = resp
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, resp.LedgerEntryIDs...)

	wo.Cost.LLMCalls++
	wo.Cost.InputTokens += resp.Usage.InputTokens
	wo.Cost.OutputTokens += resp.Usage.OutputTokens
	wo.Cost.TotalTokens += resp.Usage.Total()

	fingerprint := &ledger.ContextFingerprint{ContextHash: contextHash, ModelID: e.ModelID}
	if resp.Usage.Total() > 0 {
		fingerprint.TokensUsed = &ledger.TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
	}
	outcome := ledger.Outcome{Status: "success"}
	if resp.Outcome != gateway.OutcomeSuccess {
		outcome = ledger.Outcome{Status: "failed", Error: resp.ErrorCode}
	}
	// The trace must land even when the call context has already expired.
	llmID, err := e.append(context.WithoutCancel(ctx), ledger.EventLLMCall, wo, execID, rootID, outcome, fingerprint,
		map[string]any{"outcome": string(resp.Outcome), "scope_key": scopeKey.String()})
	if err != nil {
		return err
	}
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, llmID)

	// Empty content on a rejection path is a signal, not a response. The
	// order fails with the gateway's verbatim code.
	if resp.Outcome != gateway.OutcomeSuccess {
		return wo.Fail(resp.ErrorCode, resp.ErrorMessage)
	}

	output, invalid := e.validateOutput(c, resp.Content)
	if invalid != "" {
		return wo.Fail(CodeOutputInvalid, invalid)
	}
	return wo.Complete(output)
}

// runTool invokes the named tool under tools_allowed gating.
func (e *Executor) runTool(ctx context.Context, wo *workorder.WorkOrder, res *Result, execID, rootID string) error {
	name := wo.Input.ToolName
	allowed := false
	for _, t := range wo.Constraints.ToolsAllowed {
		if t == name {
			allowed = true
			break
		}
	}

	var (
		output  map[string]any
		failure string
		code    string
	)
	switch {
	case name == "":
		code, failure = CodeInvalidWO, "tool_call order names no tool"
	case !allowed:
		code, failure = CodeCapabilityViolation, fmt.Sprintf("tool %q not in tools_allowed", name)
	default:
		tool, ok := e.Tools[name]
		if !ok {
			code, failure = CodeToolNotFound, fmt.Sprintf("tool %q not registered", name)
			break
		}
		out, err := tool.Invoke(ctx, wo.Input.ToolArgs, wo.Input)
		if err != nil {
			code, failure = CodeToolFailed, err.Error()
			break
		}
		output = out
		wo.Cost.ToolCalls++
	}

	outcome := ledger.Outcome{Status: "success"}
	if failure != "" {
		outcome = ledger.Outcome{Status: "failed", Error: code}
	}
	toolID, err := e.append(context.WithoutCancel(ctx), ledger.EventToolCall, wo, execID, rootID, outcome,
		nil, map[string]any{"tool_name": name, "tool_args": wo.Input.ToolArgs})
	if err != nil {
		return err
	}
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, toolID)

	if failure != "" {
		return wo.Fail(code, failure)
	}
	return wo.Complete(output)
}

// finish writes the terminal ledger entry matching the order's state.
func (e *Executor) finish(ctx context.Context, wo *workorder.WorkOrder, res *Result, execID, rootID string) error {
	eventType := ledger.EventWOCompleted
	outcome := ledger.Outcome{Status: "success"}
	var detail map[string]any
	if wo.State == workorder.StateFailed {
		eventType = ledger.EventWOFailed
		outcome = ledger.Outcome{Status: "failed", Error: wo.Error.Code}
		detail = map[string]any{"error_code": wo.Error.Code, "error_message": wo.Error.Message}
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["cost"] = wo.Cost

	id, err := e.append(context.WithoutCancel(ctx), eventType, wo, execID, rootID, outcome, nil, detail)
	if err != nil {
		return err
	}
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, id)
	return nil
}

// allocateCall carves the per-call scope out of whatever the WO scope still
// holds. A budget rejection is a domain failure; a missing scope is not.
func (e *Executor) allocateCall(wo *workorder.WorkOrder, callID string) (budget.ScopeKey, string, error) {
	woKey := budget.ScopeKey{SessionID: wo.SessionID, WorkOrderID: wo.WOID}
	remaining, err := e.Budgeter.Remaining(woKey)
	if err != nil {
		return budget.ScopeKey{}, "", fmt.Errorf("executor: %s: %w", wo.WOID, err)
	}
	if remaining <= 0 {
		return budget.ScopeKey{}, budget.ErrBudgetExhausted, nil
	}
	key, err := e.Budgeter.AllocateCall(wo.SessionID, wo.WOID, callID, remaining)
	if err != nil {
		var bErr *budget.Error
		if errors.As(err, &bErr) {
			return budget.ScopeKey{}, budget.ErrBudgetExhausted, nil
		}
		return budget.ScopeKey{}, "", err
	}
	return key, "", nil
}

func (e *Executor) contextRequired(c *contract.Contract) bool {
	rc := c.RequiredContext
	return len(rc.LedgerQueries) > 0 || len(rc.FrameworkRefs) > 0 || len(rc.FileRefs) > 0
}

// validateOutput applies step 7: parse JSON outputs, wrap text outputs, and
// check the result against the contract's output schema.
func (e *Executor) validateOutput(c *contract.Contract, content string) (map[string]any, string) {
	if c.TextOutput() {
		return map[string]any{"response_text": content}, ""
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Sprintf("contract %s expects a JSON object: %v", c.ContractID, err)
	}
	if err := c.ValidateOutput(doc); err != nil {
		return nil, err.Error()
	}
	return doc, ""
}

func (e *Executor) append(ctx context.Context, eventType string, wo *workorder.WorkOrder,
	parentID, rootID string, outcome ledger.Outcome, fp *ledger.ContextFingerprint, detail map[string]any) (string, error) {

	id, err := e.Ledger.Append(ctx, &ledger.Entry{
		EventType: eventType,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{
				AgentID:     e.AgentID,
				AgentClass:  e.AgentClass,
				FrameworkID: e.FrameworkID,
				WorkOrderID: wo.WOID,
				SessionID:   wo.SessionID,
			},
			Scope:              ledger.Scope{Tier: string(authz.TierHO1)},
			Relational:         ledger.Relational{ParentEventID: parentID, RootEventID: rootID},
			Outcome:            outcome,
			ContextFingerprint: fp,
			Detail:             detail,
		},
	})
	if err != nil {
		return "", fmt.Errorf("executor: %s append for %s: %w", eventType, wo.WOID, err)
	}
	return id, nil
}
