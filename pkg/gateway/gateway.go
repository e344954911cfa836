package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/rabruni/Brain-Garden-sub005/pkg/authz"
	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
)

// Outcome classifies a routed call.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeTimeout  Outcome = "TIMEOUT"
	OutcomeError    Outcome = "ERROR"
)

// Stable rejection and error codes surfaced to HO1 verbatim.
const (
	CodeAuthError        = "AUTH_ERROR"
	CodeBudgetExhausted  = budget.ErrBudgetExhausted
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeLedgerWrite      = "LEDGER_WRITE_FAILED"
)

// PromptRequest is one routed LLM call.
type PromptRequest struct {
	ProviderID string
	ModelID    string
	Prompt     string
	Contract   *contract.Contract

	ScopeKey   budget.ScopeKey
	Identity   *authz.Identity
	CallerTier authz.Tier

	AgentID     string
	AgentClass  string
	FrameworkID string
	SessionID   string
	WorkOrderID string

	TimeoutSeconds int
	ContextHash    string
}

// PromptResponse is the uniform result. Rejection paths carry empty content;
// callers MUST branch on Outcome, never on content alone.
type PromptResponse struct {
	Outcome        Outcome  `json:"outcome"`
	Content        string   `json:"content"`
	Usage          Usage    `json:"usage"`
	ErrorCode      string   `json:"error_code,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	LedgerEntryIDs []string `json:"ledger_entry_ids,omitempty"`
}

// LedgerFor resolves the caller-tier ledger that receives PROMPT_SENT and
// PROMPT_RECEIVED entries.
type LedgerFor func(tier authz.Tier, sessionID string) (*ledger.Client, error)

type providerSlot struct {
	provider Provider
	breaker  *breaker
	limiter  *rate.Limiter
	sem      chan struct{}
}

// Gateway is the single LLM ingress for all tiers.
type Gateway struct {
	mu        sync.RWMutex
	cfg       *config.Config
	budgeter  *budget.Budgeter
	ledgerFor LedgerFor
	providers map[string]*providerSlot
}

func New(cfg *config.Config, budgeter *budget.Budgeter, ledgerFor LedgerFor) *Gateway {
	return &Gateway{
		cfg:       cfg,
		budgeter:  budgeter,
		ledgerFor: ledgerFor,
		providers: make(map[string]*providerSlot),
	}
}

// Register adds a provider under an id.
func (g *Gateway) Register(id string, p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[id] = &providerSlot{
		provider: p,
		breaker:  newBreaker(g.cfg.Gateway.BreakerThreshold, g.cfg.BreakerWindow()),
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.Gateway.ProviderRatePerSec), g.cfg.Gateway.ProviderConcurrency),
		sem:      make(chan struct{}, g.cfg.Gateway.ProviderConcurrency),
	}
}

func (g *Gateway) slot(id string) *providerSlot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.providers[id]
}

func rejected(code, message string, entryIDs []string) *PromptResponse {
	return &PromptResponse{
		Outcome: OutcomeRejected, Content: "",
		ErrorCode: code, ErrorMessage: message, LedgerEntryIDs: entryIDs,
	}
}

// Route runs the 10-step pipeline for one call.
func (g *Gateway) Route(ctx context.Context, req *PromptRequest) *PromptResponse {
	tracer := otel.Tracer("braingarden/gateway")
	ctx, span := tracer.Start(ctx, "gateway.route")
	span.SetAttributes(
		attribute.String("provider_id", req.ProviderID),
		attribute.String("work_order_id", req.WorkOrderID),
	)
	defer span.End()

	var entryIDs []string

	// 1. Request shape.
	if req.Prompt == "" || req.ProviderID == "" || req.ScopeKey.SessionID == "" {
		return rejected(CodeInvalidInput, "prompt, provider_id and scope_key are required", nil)
	}

	// 2. Auth (skipped in dev mode).
	if !g.cfg.DevMode {
		if req.Identity == nil {
			return rejected(CodeAuthError, "no identity on request", nil)
		}
		if err := authz.Authorize(req.Identity, req.CallerTier, authz.TierHOT, authz.SyscallLLMGatewayCall); err != nil {
			return rejected(CodeAuthError, err.Error(), nil)
		}
	}

	// 3. Budget check against the request scope.
	estimate := len(req.Prompt) / g.cfg.Attention.CharsPerToken
	if estimate < 1 {
		estimate = 1
	}
	if err := g.budgeter.Check(req.ScopeKey, estimate); err != nil {
		var bErr *budget.Error
		if errors.As(err, &bErr) {
			return rejected(CodeBudgetExhausted, bErr.Error(), nil)
		}
		return rejected(CodeInvalidInput, err.Error(), nil)
	}

	// 4. Pre-log PROMPT_SENT to the caller-tier ledger.
	promptHash := canonicalize.HashString(req.Prompt)
	sentID, err := g.log(ctx, req, ledger.EventPromptSent, ledger.Outcome{Status: "sent"}, promptHash, Usage{})
	if err != nil {
		return &PromptResponse{Outcome: OutcomeError, ErrorCode: CodeLedgerWrite, ErrorMessage: err.Error()}
	}
	entryIDs = append(entryIDs, sentID)

	// 5. Circuit breaker.
	slot := g.slot(req.ProviderID)
	if slot == nil {
		return rejected(CodeProviderNotFound, fmt.Sprintf("provider %q not registered", req.ProviderID), entryIDs)
	}
	if !slot.breaker.allow() {
		resp := rejected(CodeCircuitOpen, fmt.Sprintf("provider %q breaker open", req.ProviderID), entryIDs)
		if recvID, err := g.log(ctx, req, ledger.EventPromptReceived,
			ledger.Outcome{Status: "rejected", Error: CodeCircuitOpen}, promptHash, Usage{}); err == nil {
			resp.LedgerEntryIDs = append(resp.LedgerEntryIDs, recvID)
		}
		return resp
	}

	// 6. Dispatch under per-provider concurrency and rate limits.
	timeout := g.cfg.ProviderTimeout()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := slot.limiter.Wait(callCtx); err != nil {
		return g.finish(ctx, req, slot, promptHash, entryIDs, nil, err)
	}
	select {
	case slot.sem <- struct{}{}:
		defer func() { <-slot.sem }()
	case <-callCtx.Done():
		return g.finish(ctx, req, slot, promptHash, entryIDs, nil, callCtx.Err())
	}

	provResp, provErr := slot.provider.Send(callCtx, req.Prompt, req.Contract, SendOptions{
		TimeoutMs: timeout.Milliseconds(),
		ModelID:   req.ModelID,
		DevMode:   g.cfg.DevMode,
	})

	// 7–10. Timeout classification, post-log, debit, breaker update.
	return g.finish(ctx, req, slot, promptHash, entryIDs, provResp, provErr)
}

func (g *Gateway) finish(ctx context.Context, req *PromptRequest, slot *providerSlot,
	promptHash string, entryIDs []string, provResp *ProviderResponse, provErr error) *PromptResponse {

	resp := &PromptResponse{LedgerEntryIDs: entryIDs}

	switch {
	case provErr != nil && errors.Is(provErr, context.DeadlineExceeded):
		resp.Outcome = OutcomeTimeout
		resp.ErrorCode = CodeTimeout
		resp.ErrorMessage = provErr.Error()
	case provErr != nil:
		resp.Outcome = OutcomeError
		resp.ErrorCode = CodeProviderError
		resp.ErrorMessage = provErr.Error()
	case provResp.Error != "":
		resp.Outcome = OutcomeError
		resp.ErrorCode = CodeProviderError
		resp.ErrorMessage = provResp.Error
	default:
		resp.Outcome = OutcomeSuccess
		resp.Content = provResp.Content
		resp.Usage = provResp.Usage
	}

	// 8. Post-log PROMPT_RECEIVED with token counts and outcome. The append
	// must land even when the call context has already expired.
	status := "success"
	if resp.Outcome != OutcomeSuccess {
		status = "failed"
	}
	recvID, err := g.log(context.WithoutCancel(ctx), req, ledger.EventPromptReceived,
		ledger.Outcome{Status: status, Error: resp.ErrorCode}, promptHash, resp.Usage)
	if err != nil {
		return &PromptResponse{Outcome: OutcomeError, ErrorCode: CodeLedgerWrite, ErrorMessage: err.Error(), LedgerEntryIDs: resp.LedgerEntryIDs}
	}
	resp.LedgerEntryIDs = append(resp.LedgerEntryIDs, recvID)

	// 9. Debit the actual tokens returned.
	if total := resp.Usage.Total(); total > 0 {
		if err := g.budgeter.Debit(req.ScopeKey, total); err != nil {
			// Provider overshot the scope: surface, do not hide the spend.
			resp.Outcome = OutcomeError
			resp.Content = ""
			resp.ErrorCode = CodeBudgetExhausted
			resp.ErrorMessage = err.Error()
		}
	}

	// 10. Circuit-breaker counters.
	if resp.Outcome == OutcomeSuccess {
		slot.breaker.success()
	} else if resp.ErrorCode == CodeProviderError || resp.ErrorCode == CodeTimeout {
		slot.breaker.failure()
	}
	return resp
}

// log appends a gateway event to the caller-tier ledger.
func (g *Gateway) log(ctx context.Context, req *PromptRequest, eventType string,
	outcome ledger.Outcome, promptHash string, usage Usage) (string, error) {

	lc, err := g.ledgerFor(req.CallerTier, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", CodeLedgerWrite, err)
	}

	fingerprint := &ledger.ContextFingerprint{
		ContextHash: req.ContextHash,
		ModelID:     req.ModelID,
	}
	if usage.Total() > 0 {
		fingerprint.TokensUsed = &ledger.TokenUsage{Input: usage.InputTokens, Output: usage.OutputTokens}
	}

	entry := &ledger.Entry{
		EventType: eventType,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{
				AgentID:     req.AgentID,
				AgentClass:  req.AgentClass,
				FrameworkID: req.FrameworkID,
				WorkOrderID: req.WorkOrderID,
				SessionID:   req.SessionID,
			},
			Scope:              ledger.Scope{Tier: string(req.CallerTier)},
			Outcome:            outcome,
			ContextFingerprint: fingerprint,
			Detail: map[string]any{
				"prompt_hash": promptHash,
				"scope_key":   req.ScopeKey.String(),
				"provider_id": req.ProviderID,
			},
		},
	}
	id, err := lc.Append(ctx, entry)
	if err != nil {
		return "", err
	}
	return id, nil
}
