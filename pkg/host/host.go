// Package host runs the outermost event loop: it owns sessions, routes each
// turn to the agent class's cognitive stack, enforces the per-session budget
// ceiling, and degrades to a direct gateway call when a stack cannot serve.
// The Turn boundary never panics and never returns a Go error; every failure
// is mapped onto the wire-level TurnResult.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rabruni/Brain-Garden-sub005/pkg/authz"
	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/gateway"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/metering"
	"github.com/rabruni/Brain-Garden-sub005/pkg/observability"
	"github.com/rabruni/Brain-Garden-sub005/pkg/sandbox"
	"github.com/rabruni/Brain-Garden-sub005/pkg/supervisor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Turn statuses on the wire.
const (
	StatusSuccess         = "success"
	StatusFailure         = "failure"
	StatusRejected        = "rejected"
	StatusTimeout         = "timeout"
	StatusBudgetExhausted = "budget_exhausted"
)

// TurnRequest is one user turn.
type TurnRequest struct {
	SessionID       string                   `json:"session_id"`
	TurnNumber      int                      `json:"turn_number"`
	UserMessage     string                   `json:"user_message"`
	DeclaredInputs  []string                 `json:"declared_inputs,omitempty"`
	DeclaredOutputs []sandbox.DeclaredOutput `json:"declared_outputs,omitempty"`
	WorkOrderID     string                   `json:"work_order_id,omitempty"`
}

// TokenCounts mirrors provider usage on the wire.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// TurnResult is the wire-level answer for one turn.
type TurnResult struct {
	Status         string      `json:"status"`
	Response       string      `json:"response,omitempty"`
	TokensUsed     TokenCounts `json:"tokens_used"`
	LedgerEntryIDs []string    `json:"ledger_entry_ids,omitempty"`
	Error          string      `json:"error,omitempty"`
	DurationMs     int64       `json:"duration_ms"`
}

// Session is one live conversation bound to an agent class and a budget
// ceiling.
type Session struct {
	ID         string
	AgentClass string
	Turns      int
	Scope      budget.ScopeKey

	exec     *ledger.Client
	evidence *ledger.Client
	cancel   context.CancelFunc
}

// Host owns all live sessions.
type Host struct {
	Cfg      *config.Config
	Lay      *layout.Layout
	Factory  *supervisor.Factory
	Budgeter *budget.Budgeter
	Gateway  *gateway.Gateway
	Meter    *metering.Meter

	Tracer     *observability.Provider
	ToolRunner *sandbox.ToolRunner

	ProviderID string
	ModelID    string
	Identity   *authz.Identity

	Log   *slog.Logger
	Clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg *config.Config, lay *layout.Layout, factory *supervisor.Factory, b *budget.Budgeter, g *gateway.Gateway) *Host {
	return &Host{
		Cfg:      cfg,
		Lay:      lay,
		Factory:  factory,
		Budgeter: b,
		Gateway:  g,
		Log:      slog.Default(),
		Clock:    time.Now,
		sessions: make(map[string]*Session),
	}
}

// NewSessionID formats a fresh session identity.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("SES-%s-%s", now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// StartSession opens the session ledgers, allocates the budget ceiling, and
// records SESSION_STARTED.
func (h *Host) StartSession(ctx context.Context, agentClass string) (*Session, error) {
	id := NewSessionID(h.Clock())

	exec, err := ledger.Open(h.Lay.SessionExecLedgerPath(layout.TierHO1, id), ledger.Options{
		MaxSegmentBytes:   h.Cfg.Ledger.MaxSegmentBytes,
		MaxSegmentEntries: h.Cfg.Ledger.MaxSegmentEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("host: session exec ledger: %w", err)
	}
	evidence, err := ledger.Open(h.Lay.SessionEvidenceLedgerPath(layout.TierHO1, id), ledger.Options{
		MaxSegmentBytes:   h.Cfg.Ledger.MaxSegmentBytes,
		MaxSegmentEntries: h.Cfg.Ledger.MaxSegmentEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("host: session evidence ledger: %w", err)
	}

	scope, err := h.Budgeter.AllocateSession(id, h.Cfg.Budget.SessionTokens)
	if err != nil {
		return nil, fmt.Errorf("host: session budget: %w", err)
	}

	s := &Session{ID: id, AgentClass: agentClass, Scope: scope, exec: exec, evidence: evidence}
	if _, err := h.appendSession(ctx, s, ledger.EventSessionStarted,
		ledger.Outcome{Status: "started"}, map[string]any{"agent_class": agentClass, "session_tokens": h.Cfg.Budget.SessionTokens}); err != nil {
		h.Budgeter.ReleaseSession(id)
		return nil, err
	}

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	h.Log.Info("session started", "session_id", id, "agent_class", agentClass)
	return s, nil
}

// EndSession records SESSION_ENDED and releases the budget scopes.
func (h *Host) EndSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("host: unknown session %s", sessionID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	_, err := h.appendSession(ctx, s, ledger.EventSessionEnded, ledger.Outcome{Status: "ended"}, nil)
	h.Budgeter.ReleaseSession(sessionID)
	return err
}

// Cancel aborts the session's in-flight turn and records the reason.
func (h *Host) Cancel(ctx context.Context, sessionID, reason string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("host: unknown session %s", sessionID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	_, err := h.appendSession(context.WithoutCancel(ctx), s, ledger.EventCancelled,
		ledger.Outcome{Status: "cancelled"}, map[string]any{"reason": reason})
	return err
}

func (h *Host) session(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// Turn runs one user turn end to end.
func (h *Host) Turn(ctx context.Context, req *TurnRequest) *TurnResult {
	started := h.Clock()
	res := &TurnResult{Status: StatusFailure}
	defer func() { res.DurationMs = h.Clock().Sub(started).Milliseconds() }()

	s := h.session(req.SessionID)
	if s == nil {
		res.Status = StatusRejected
		res.Error = fmt.Sprintf("unknown session %s", req.SessionID)
		return res
	}
	if h.Cfg.Session.TurnLimit > 0 && s.Turns >= h.Cfg.Session.TurnLimit {
		res.Status = StatusRejected
		res.Error = fmt.Sprintf("session %s reached its turn limit", s.ID)
		return res
	}
	s.Turns++

	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer func() {
		cancel()
		s.cancel = nil
	}()

	if h.Tracer != nil {
		var span trace.Span
		turnCtx, span = h.Tracer.StartSpan(turnCtx, "host.turn",
			trace.WithAttributes(
				attribute.String("session.id", s.ID),
				attribute.String("agent.class", s.AgentClass),
				attribute.Int("turn.number", s.Turns),
			))
		defer func() {
			span.SetAttributes(attribute.String("turn.status", res.Status))
			span.End()
		}()
	}

	// The sandbox is entered even for an empty declaration: the write surface
	// is verified on every turn, and an empty declaration means any realized
	// write is a violation.
	sb, err := sandbox.Enter(h.Lay, s.ID, req.DeclaredOutputs, s.evidence)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer sb.Exit()

	stack, err := h.Factory.Stack(s.AgentClass)
	if err != nil {
		h.Log.Error("stack init failed, degrading", "session_id", s.ID, "agent_class", s.AgentClass, "error", err)
		h.degrade(turnCtx, s, req.UserMessage, "stack init: "+err.Error(), res)
		return h.verifySandbox(turnCtx, sb, res)
	}
	h.registerTools(stack, sb)

	outcome, err := stack.HO2.HandleTurn(turnCtx, s.ID, req.UserMessage)
	if err != nil {
		if errors.Is(turnCtx.Err(), context.Canceled) {
			res.Status = StatusTimeout
			res.Error = "turn cancelled"
			return h.verifySandbox(turnCtx, sb, res)
		}
		res.Error = err.Error()
		return h.verifySandbox(turnCtx, sb, res)
	}

	in, out := outcome.TokensUsed()
	res.TokensUsed = TokenCounts{Input: in, Output: out}
	res.LedgerEntryIDs = outcome.LedgerEntryIDs
	h.meter(turnCtx, s, in, out)

	switch {
	case outcome.FailureCode == "":
		res.Status = StatusSuccess
		res.Response = outcome.ResponseText
	case outcome.FailureCode == gateway.CodeTimeout:
		res.Status = StatusTimeout
		res.Error = outcome.FailureMessage
	case outcome.FailureCode == gateway.CodeAuthError,
		outcome.FailureCode == gateway.CodeInvalidInput,
		outcome.FailureCode == gateway.CodeProviderNotFound:
		res.Status = StatusRejected
		res.Error = fmt.Sprintf("%s: %s", outcome.FailureCode, outcome.FailureMessage)
	default:
		// Budget exhaustion, provider failure, and a failed quality gate all
		// fall back to a direct call. The gateway re-checks the session scope
		// on that call, so an exhausted session is rejected again with
		// BUDGET_EXHAUSTED and that rejection is what the caller sees.
		h.degrade(turnCtx, s, req.UserMessage, outcome.FailureCode, res)
	}

	return h.verifySandbox(turnCtx, sb, res)
}

// registerTools binds the configured WASI modules to this turn's sandbox so
// tool orders run against the turn's own mounts.
func (h *Host) registerTools(stack *supervisor.Stack, sb *sandbox.Sandbox) {
	if h.ToolRunner == nil {
		return
	}
	for name, path := range h.Cfg.Tools {
		stack.HO1.RegisterTool(name, &sandbox.WasmTool{Runner: h.ToolRunner, Box: sb, Path: path})
	}
}

// degrade records DEGRADED on the session exec ledger and answers through the
// gateway with the minimal contract.
func (h *Host) degrade(ctx context.Context, s *Session, userMessage, reason string, res *TurnResult) {
	if id, err := h.appendSession(ctx, s, ledger.EventDegraded,
		ledger.Outcome{Status: "degraded", Error: reason}, map[string]any{"reason": reason}); err == nil {
		res.LedgerEntryIDs = append(res.LedgerEntryIDs, id)
	} else {
		h.Log.Error("DEGRADED entry not written", "session_id", s.ID, "error", err)
	}

	min := contract.MinimalContract()
	prompt, err := min.Render(contract.RenderInput{UserInput: userMessage})
	if err != nil {
		res.Error = err.Error()
		return
	}

	resp := h.Gateway.Route(ctx, &gateway.PromptRequest{
		ProviderID: h.ProviderID,
		ModelID:    h.ModelID,
		Prompt:     prompt,
		Contract:   min,
		ScopeKey:   s.Scope,
		Identity:   h.Identity,
		CallerTier: authz.TierHO1,
		AgentClass: s.AgentClass,
		SessionID:  s.ID,
	})
	res.LedgerEntryIDs = append(res.LedgerEntryIDs, resp.LedgerEntryIDs...)
	res.TokensUsed.Input += resp.Usage.InputTokens
	res.TokensUsed.Output += resp.Usage.OutputTokens
	h.meter(ctx, s, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	switch resp.Outcome {
	case gateway.OutcomeSuccess:
		res.Status = StatusSuccess
		res.Response = resp.Content
		res.Error = ""
	case gateway.OutcomeTimeout:
		res.Status = StatusTimeout
		res.Error = resp.ErrorMessage
	default:
		if resp.ErrorCode == budget.ErrBudgetExhausted {
			res.Status = StatusBudgetExhausted
		} else {
			res.Status = StatusFailure
		}
		res.Error = fmt.Sprintf("%s: %s", resp.ErrorCode, resp.ErrorMessage)
	}
}

// verifySandbox closes the write surface: an invalid realized set overrides
// whatever the turn produced.
func (h *Host) verifySandbox(ctx context.Context, sb *sandbox.Sandbox, res *TurnResult) *TurnResult {
	if sb == nil {
		return res
	}
	vr, err := sb.VerifyWrites(context.WithoutCancel(ctx))
	if err != nil {
		res.Status = StatusFailure
		res.Error = err.Error()
		return res
	}
	if !vr.Valid {
		res.Status = StatusFailure
		res.Response = ""
		res.Error = "CAPABILITY_VIOLATION"
	}
	return res
}

func (h *Host) meter(ctx context.Context, s *Session, in, out int) {
	if h.Meter == nil || in+out == 0 {
		return
	}
	err := h.Meter.Record(context.WithoutCancel(ctx), metering.Record{
		SessionID:    s.ID,
		AgentClass:   s.AgentClass,
		ModelID:      h.ModelID,
		InputTokens:  in,
		OutputTokens: out,
	})
	if err != nil {
		h.Log.Error("usage record failed", "session_id", s.ID, "error", err)
	}
}

func (h *Host) appendSession(ctx context.Context, s *Session, eventType string,
	outcome ledger.Outcome, detail map[string]any) (string, error) {

	id, err := s.exec.Append(ctx, &ledger.Entry{
		EventType: eventType,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{SessionID: s.ID, AgentClass: s.AgentClass},
			Scope:      ledger.Scope{Tier: string(layout.TierHO1)},
			Outcome:    outcome,
			Detail:     detail,
		},
	})
	if err != nil {
		return "", fmt.Errorf("host: %s append: %w", eventType, err)
	}
	return id, nil
}
