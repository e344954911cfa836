// Package supervisor is the HO2 planning tier: it turns a user message into a
// classify/probe/synthesize work-order chain, dispatches each order to the
// HO1 executor, and gates the terminal output before it leaves the stack.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/executor"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/workorder"
)

// DefaultQualityPredicate is the terminal-output gate applied when the
// configuration names no other expression.
const DefaultQualityPredicate = "response_length > 0"

// ProbeSpec names an optional probe order run between classify and
// synthesize, each with its own prompt contract.
type ProbeSpec struct {
	Name        string
	ContractID  string
	TokenBudget int
}

// TurnOutcome is what HandleTurn hands back to the session host.
type TurnOutcome struct {
	ResponseText   string
	WorkOrders     []*workorder.WorkOrder
	LedgerEntryIDs []string
	TraceHash      string
	QualityPassed  bool
	Retried        bool

	// FailureCode is set when the chain could not produce a gated response;
	// the host decides whether to degrade.
	FailureCode    string
	FailureMessage string
}

// TokensUsed sums the cost of every order in the turn.
func (o *TurnOutcome) TokensUsed() (in, out int) {
	for _, wo := range o.WorkOrders {
		in += wo.Cost.InputTokens
		out += wo.Cost.OutputTokens
	}
	return in, out
}

// Supervisor plans and dispatches work orders for one agent class. One
// instance owns one HO2 ledger partition and never touches another class's.
type Supervisor struct {
	cfg        *config.Config
	agentClass string
	contracts  *contract.Store
	exec       *executor.Executor
	budgeter   *budget.Budgeter
	ho2        *ledger.Client
	ho1        *ledger.Client

	ClassifyContractID   string
	SynthesizeContractID string
	Probes               []ProbeSpec

	quality cel.Program
	log     *slog.Logger

	mu  sync.Mutex
	seq map[string]int
}

func New(cfg *config.Config, agentClass string, contracts *contract.Store, exec *executor.Executor,
	b *budget.Budgeter, ho2, ho1 *ledger.Client, qualityPredicate string) (*Supervisor, error) {

	if qualityPredicate == "" {
		qualityPredicate = DefaultQualityPredicate
	}
	env, err := cel.NewEnv(
		cel.Variable("response_length", cel.IntType),
		cel.Variable("llm_calls", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: cel env: %w", err)
	}
	ast, issues := env.Compile(qualityPredicate)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("supervisor: quality predicate: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("supervisor: quality predicate: %w", err)
	}

	return &Supervisor{
		cfg:                  cfg,
		agentClass:           agentClass,
		contracts:            contracts,
		exec:                 exec,
		budgeter:             b,
		ho2:                  ho2,
		ho1:                  ho1,
		ClassifyContractID:   "CLASSIFY-V1",
		SynthesizeContractID: "SYNTH-V1",
		quality:              prg,
		log:                  slog.Default(),
		seq:                  make(map[string]int),
	}, nil
}

func (s *Supervisor) nextSeq(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[sessionID]++
	return s.seq[sessionID]
}

// HandleTurn runs the v1 sequential pipeline: classify, optional probes,
// arbitration, synthesize, quality gate.
func (s *Supervisor) HandleTurn(ctx context.Context, sessionID, userMessage string) (*TurnOutcome, error) {
	outcome := &TurnOutcome{}

	classify, rootID, err := s.runOrder(ctx, outcome, sessionID, "", workorder.TypeClassify,
		s.ClassifyContractID, workorder.InputContext{UserInput: userMessage}, 0)
	if err != nil {
		return nil, err
	}
	if classify.State != workorder.StateCompleted {
		outcome.FailureCode = classify.Error.Code
		outcome.FailureMessage = classify.Error.Message
		return outcome, nil
	}

	probeResults := make([]map[string]any, 0, len(s.Probes))
	for _, probe := range s.Probes {
		wo, _, err := s.runOrder(ctx, outcome, sessionID, rootID, workorder.TypeClassify,
			probe.ContractID, workorder.InputContext{UserInput: userMessage}, probe.TokenBudget)
		if err != nil {
			return nil, err
		}
		if wo.State != workorder.StateCompleted {
			// Probes inform arbitration but never sink the turn.
			s.log.Warn("probe failed", "probe", probe.Name, "wo_id", wo.WOID, "code", wo.Error.Code)
			continue
		}
		result := map[string]any{"probe": probe.Name}
		for k, v := range wo.Output {
			result[k] = v
		}
		probeResults = append(probeResults, result)
	}

	assembled := s.arbitrate(classify.Output, probeResults)
	prior := append([]map[string]any{classify.Output}, probeResults...)

	synth, _, err := s.runOrder(ctx, outcome, sessionID, rootID, workorder.TypeSynthesize,
		s.SynthesizeContractID, workorder.InputContext{
			UserInput:        userMessage,
			AssembledContext: assembled,
			PriorResults:     prior,
		}, 0)
	if err != nil {
		return nil, err
	}

	passed, response, err := s.qualityGate(ctx, outcome, sessionID, rootID, synth, 1)
	if err != nil {
		return nil, err
	}
	if !passed {
		retry, _, err := s.runOrder(ctx, outcome, sessionID, rootID, workorder.TypeSynthesize,
			s.SynthesizeContractID, synth.Input, s.tightened(synth.Constraints.TokenBudget))
		if err != nil {
			return nil, err
		}
		outcome.Retried = true
		passed, response, err = s.qualityGate(ctx, outcome, sessionID, rootID, retry, 2)
		if err != nil {
			return nil, err
		}
		synth = retry
	}

	traceHash, err := s.traceHash(sessionID, rootID)
	if err != nil {
		return nil, err
	}
	outcome.TraceHash = traceHash
	outcome.QualityPassed = passed
	outcome.ResponseText = response

	chainID, err := s.appendHO2(ctx, ledger.EventWOChainComplete, sessionID, synth.WOID, "", rootID,
		ledger.Outcome{Status: chainStatus(passed)}, traceHash,
		map[string]any{"orders": len(outcome.WorkOrders), "quality_passed": passed})
	if err != nil {
		return nil, err
	}
	outcome.LedgerEntryIDs = append(outcome.LedgerEntryIDs, chainID)

	if !passed {
		outcome.FailureCode = qualityFailureCode(synth)
		if synth.Error != nil {
			outcome.FailureMessage = synth.Error.Message
		}
	}
	return outcome, nil
}

func chainStatus(passed bool) string {
	if passed {
		return "success"
	}
	return "failed"
}

func qualityFailureCode(wo *workorder.WorkOrder) string {
	if wo.Error != nil {
		return wo.Error.Code
	}
	return "QUALITY_GATE_FAILED"
}

// runOrder plans, dispatches and executes one work order, recording
// WO_PLANNED and WO_DISPATCHED on the HO2 ledger. A budget rejection at
// planning time fails the order instead of erroring the turn.
func (s *Supervisor) runOrder(ctx context.Context, outcome *TurnOutcome, sessionID, rootID string,
	woType workorder.Type, contractID string, input workorder.InputContext, tokenBudget int) (*workorder.WorkOrder, string, error) {

	c, err := s.contracts.Get(contractID)
	if err != nil {
		return nil, "", fmt.Errorf("supervisor: %w", err)
	}
	if tokenBudget <= 0 {
		tokenBudget = c.BudgetDefaults.TokenBudget
	}
	if tokenBudget <= 0 {
		tokenBudget = s.cfg.Budget.WorkOrderTokens
	}
	timeout := c.BudgetDefaults.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.cfg.Gateway.ProviderTimeoutSec
	}

	wo := workorder.New(sessionID, s.nextSeq(sessionID), woType, s.agentClass, input, workorder.Constraints{
		PromptContractID: contractID,
		TokenBudget:      tokenBudget,
		TimeoutSeconds:   timeout,
	})
	outcome.WorkOrders = append(outcome.WorkOrders, wo)

	remaining, err := s.budgeter.Remaining(budget.ScopeKey{SessionID: sessionID})
	if err != nil {
		return nil, "", fmt.Errorf("supervisor: session scope: %w", err)
	}
	if err := wo.ValidatePlan(workorder.PlanValidation{
		ActiveSessionID:        sessionID,
		SessionTokensRemaining: remaining,
	}); err != nil {
		code := executor.CodeInvalidWO
		var berr *budget.Error
		if errors.As(err, &berr) {
			code = berr.Code
		}
		if failErr := wo.Fail(code, err.Error()); failErr != nil {
			return nil, "", failErr
		}
		return wo, rootID, nil
	}

	plannedID, err := s.appendHO2(ctx, ledger.EventWOPlanned, sessionID, wo.WOID, "", rootID,
		ledger.Outcome{Status: "planned"}, "", map[string]any{"wo_type": string(woType), "token_budget": tokenBudget})
	if err != nil {
		return nil, "", err
	}
	if rootID == "" {
		rootID = plannedID
	}
	outcome.LedgerEntryIDs = append(outcome.LedgerEntryIDs, plannedID)

	if _, err := s.budgeter.AllocateWorkOrder(sessionID, wo.WOID, tokenBudget); err != nil {
		if failErr := wo.Fail(budget.ErrBudgetExhausted, err.Error()); failErr != nil {
			return nil, "", failErr
		}
		return wo, rootID, nil
	}
	if err := wo.Transition(workorder.StateDispatched); err != nil {
		return nil, "", err
	}
	dispatchID, err := s.appendHO2(ctx, ledger.EventWODispatched, sessionID, wo.WOID, plannedID, rootID,
		ledger.Outcome{Status: "dispatched"}, "", nil)
	if err != nil {
		return nil, "", err
	}
	outcome.LedgerEntryIDs = append(outcome.LedgerEntryIDs, dispatchID)

	res, err := s.exec.Execute(ctx, wo, executor.Link{ParentEventID: dispatchID, RootEventID: rootID})
	if err != nil {
		return nil, "", err
	}
	outcome.LedgerEntryIDs = append(outcome.LedgerEntryIDs, res.LedgerEntryIDs...)
	return wo, rootID, nil
}

// arbitrate merges classification and probe results into the context the
// synthesizer must mention versus may mention.
func (s *Supervisor) arbitrate(classification map[string]any, probes []map[string]any) string {
	var b strings.Builder
	if intent, ok := classification["intent"].(string); ok && intent != "" {
		fmt.Fprintf(&b, "intent: %s\n", intent)
	}
	if must, ok := classification["must_mention"].([]any); ok && len(must) > 0 {
		items := make([]string, 0, len(must))
		for _, m := range must {
			if str, ok := m.(string); ok {
				items = append(items, str)
			}
		}
		fmt.Fprintf(&b, "must_mention: %s\n", strings.Join(items, ", "))
	}
	for _, probe := range probes {
		raw, err := json.Marshal(probe)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "candidate: %s\n", raw)
	}
	return strings.TrimRight(b.String(), "\n")
}

// qualityGate evaluates the terminal order and records WO_QUALITY_GATE with
// the trace hash as of this attempt.
func (s *Supervisor) qualityGate(ctx context.Context, outcome *TurnOutcome, sessionID, rootID string,
	wo *workorder.WorkOrder, attempt int) (bool, string, error) {

	response := ""
	passed := wo.State == workorder.StateCompleted
	if passed {
		response, _ = wo.Output["response_text"].(string)
		val, _, err := s.quality.Eval(map[string]any{
			"response_length": len(response),
			"llm_calls":       wo.Cost.LLMCalls,
		})
		if err != nil {
			return false, "", fmt.Errorf("supervisor: quality eval: %w", err)
		}
		passed, _ = val.Value().(bool)
	}

	traceHash, err := s.traceHash(sessionID, rootID)
	if err != nil {
		return false, "", err
	}
	status := "passed"
	if !passed {
		status = "failed"
	}
	gateID, err := s.appendHO2(ctx, ledger.EventWOQualityGate, sessionID, wo.WOID, "", rootID,
		ledger.Outcome{Status: status}, traceHash,
		map[string]any{"attempt": attempt, "response_length": len(response)})
	if err != nil {
		return false, "", err
	}
	outcome.LedgerEntryIDs = append(outcome.LedgerEntryIDs, gateID)
	return passed, response, nil
}

// tightened halves the retry budget so a flaky synthesis cannot spend the
// session twice over.
func (s *Supervisor) tightened(tokenBudget int) int {
	if half := tokenBudget / 2; half > 0 {
		return half
	}
	return 1
}

// traceHash digests the HO1 trace for this turn: every worker-ledger entry
// hash carrying the session and root event, in write order.
func (s *Supervisor) traceHash(sessionID, rootID string) (string, error) {
	entries, err := s.ho1.ReadAll()
	if err != nil {
		return "", fmt.Errorf("supervisor: reading trace: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.Metadata.Provenance.SessionID == sessionID && e.Metadata.Relational.RootEventID == rootID {
			hashes = append(hashes, e.EntryHash)
		}
	}
	return canonicalize.HashString(strings.Join(hashes, "")), nil
}

func (s *Supervisor) appendHO2(ctx context.Context, eventType, sessionID, woID, parentID, rootID string,
	outcome ledger.Outcome, traceHash string, detail map[string]any) (string, error) {

	var fp *ledger.ContextFingerprint
	if traceHash != "" {
		fp = &ledger.ContextFingerprint{ContextHash: traceHash}
	}
	id, err := s.ho2.Append(ctx, &ledger.Entry{
		EventType: eventType,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{
				AgentClass:  s.agentClass,
				WorkOrderID: woID,
				SessionID:   sessionID,
			},
			Scope:              ledger.Scope{Tier: string(layout.TierHO2)},
			Relational:         ledger.Relational{ParentEventID: parentID, RootEventID: rootID},
			Outcome:            outcome,
			ContextFingerprint: fp,
			Detail:             detail,
		},
	})
	if err != nil {
		return "", fmt.Errorf("supervisor: %s append: %w", eventType, err)
	}
	return id, nil
}
