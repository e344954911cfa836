package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabruni/Brain-Garden-sub005/pkg/authz"
	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/gateway"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/workorder"
)

// queueProvider returns scripted responses in call order, repeating the last.
type queueProvider struct {
	responses []*gateway.ProviderResponse
	errs      []error
	calls     int
	prompts   []string
}

func (p *queueProvider) Send(ctx context.Context, prompt string, c *contract.Contract, opts gateway.SendOptions) (*gateway.ProviderResponse, error) {
	p.prompts = append(p.prompts, prompt)
	i := p.calls
	p.calls++
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], p.errs[i]
}

func ok(content string, in, out int) *gateway.ProviderResponse {
	return &gateway.ProviderResponse{Content: content, Usage: gateway.Usage{InputTokens: in, OutputTokens: out}, FinishReason: "stop"}
}

func testContracts(t *testing.T) *contract.Store {
	t.Helper()
	store, err := contract.NewStore("")
	require.NoError(t, err)
	require.NoError(t, store.Put(&contract.Contract{
		ContractID: "CLASSIFY-V1",
		OutputSchema: map[string]interface{}{
			"type":       "object",
			"required":   []interface{}{"intent"},
			"properties": map[string]interface{}{"intent": map[string]interface{}{"type": "string"}},
		},
		Template:       "Classify: {{.UserInput}}",
		BudgetDefaults: contract.BudgetDefaults{TokenBudget: 200},
	}))
	require.NoError(t, store.Put(&contract.Contract{
		ContractID:     "SYNTH-V1",
		OutputSchema:   map[string]interface{}{"type": "string"},
		Template:       "Context:\n{{.AssembledContext}}\nRespond to: {{.UserInput}}",
		BudgetDefaults: contract.BudgetDefaults{TokenBudget: 300},
	}))
	require.NoError(t, store.Put(&contract.Contract{
		ContractID:     "PROBE-V1",
		OutputSchema:   map[string]interface{}{"type": "object"},
		Template:       "Probe: {{.UserInput}}",
		BudgetDefaults: contract.BudgetDefaults{TokenBudget: 100},
	}))
	return store
}

func testFactory(t *testing.T, p gateway.Provider) (*Factory, *budget.Budgeter) {
	t.Helper()
	cfg := config.Default()
	cfg.DevMode = true
	cfg.Gateway.BreakerThreshold = 3
	cfg.Gateway.BreakerWindowMs = 60000

	lay := layout.New(t.TempDir())
	b := budget.NewBudgeter()
	g := gateway.New(cfg, b, func(tier authz.Tier, sessionID string) (*ledger.Client, error) {
		return ledger.Open(lay.PrimaryLedgerPath(layout.TierHO1), ledger.Options{})
	})
	g.Register("primary", p)

	return NewFactory(StackDeps{
		Cfg:        cfg,
		Lay:        lay,
		Budgeter:   b,
		Gateway:    g,
		Contracts:  testContracts(t),
		ProviderID: "primary",
		ModelID:    "test-model",
	}), b
}

func TestHandleTurn_SequentialChain(t *testing.T) {
	p := &queueProvider{
		responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 10, 5), ok("Hello!", 20, 7)},
		errs:      []error{nil, nil},
	}
	f, b := testFactory(t, p)
	stack, err := f.Stack("DEV")
	require.NoError(t, err)

	_, err = b.AllocateSession("SES-T1", 5000)
	require.NoError(t, err)

	outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T1", "hi there")
	require.NoError(t, err)

	assert.True(t, outcome.QualityPassed)
	assert.Equal(t, "Hello!", outcome.ResponseText)
	require.Len(t, outcome.WorkOrders, 2)
	assert.Equal(t, workorder.StateCompleted, outcome.WorkOrders[0].State)
	assert.Equal(t, workorder.StateCompleted, outcome.WorkOrders[1].State)
	assert.Equal(t, 27, outcome.WorkOrders[1].Cost.TotalTokens)

	in, out := outcome.TokensUsed()
	assert.Equal(t, 30, in)
	assert.Equal(t, 12, out)

	entries, err := stack.HO2Ledger.ReadAll()
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.EventType)
	}
	assert.Equal(t, []string{
		ledger.EventWOPlanned, ledger.EventWODispatched,
		ledger.EventWOPlanned, ledger.EventWODispatched,
		ledger.EventWOQualityGate, ledger.EventWOChainComplete,
	}, events)

	last := entries[len(entries)-1]
	require.NotNil(t, last.Metadata.ContextFingerprint)
	assert.NotEmpty(t, outcome.TraceHash)
	assert.Equal(t, outcome.TraceHash, last.Metadata.ContextFingerprint.ContextHash)
	assert.Equal(t, entries[0].EntryID, last.Metadata.Relational.RootEventID)

	// The HO1 trace landed in this stack's partition.
	ho1, err := stack.HO1Ledger.ReadAll()
	require.NoError(t, err)
	assert.NotEmpty(t, ho1)
	for _, e := range ho1 {
		assert.Equal(t, "SES-T1", e.Metadata.Provenance.SessionID)
	}
}

func TestHandleTurn_BudgetExhaustedAtPlanning(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok("never", 1, 1)}, errs: []error{nil}}
	f, b := testFactory(t, p)
	stack, err := f.Stack("DEV")
	require.NoError(t, err)

	_, err = b.AllocateSession("SES-T2", 50)
	require.NoError(t, err)

	outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T2", "hi")
	require.NoError(t, err)

	assert.Equal(t, budget.ErrBudgetExhausted, outcome.FailureCode)
	require.Len(t, outcome.WorkOrders, 1)
	assert.Equal(t, workorder.StateFailed, outcome.WorkOrders[0].State)
	assert.Zero(t, p.calls, "no dispatch on an unplannable order")
	assert.Empty(t, outcome.ResponseText)
}

func TestHandleTurn_CircuitOpenIsNotSilent(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{nil}, errs: []error{errors.New("upstream 500")}}
	f, b := testFactory(t, p)
	stack, err := f.Stack("DEV")
	require.NoError(t, err)

	_, err = b.AllocateSession("SES-T3", 100000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T3", "hi")
		require.NoError(t, err)
		assert.Equal(t, gateway.CodeProviderError, outcome.FailureCode)
		require.Len(t, outcome.WorkOrders, 1, "failed classify must not synthesize")
	}

	outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T3", "hi")
	require.NoError(t, err)
	assert.Equal(t, gateway.CodeCircuitOpen, outcome.FailureCode)
	assert.NotEmpty(t, outcome.FailureMessage)
	require.Len(t, outcome.WorkOrders, 1)
	assert.Equal(t, 3, p.calls, "open breaker must not dispatch")
}

func TestHandleTurn_QualityRetry(t *testing.T) {
	p := &queueProvider{
		responses: []*gateway.ProviderResponse{
			ok(`{"intent":"question"}`, 10, 5),
			ok("", 15, 0),
			ok("Recovered answer", 12, 6),
		},
		errs: []error{nil, nil, nil},
	}
	f, b := testFactory(t, p)
	stack, err := f.Stack("DEV")
	require.NoError(t, err)

	_, err = b.AllocateSession("SES-T4", 5000)
	require.NoError(t, err)

	outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T4", "what now")
	require.NoError(t, err)

	assert.True(t, outcome.Retried)
	assert.True(t, outcome.QualityPassed)
	assert.Equal(t, "Recovered answer", outcome.ResponseText)
	require.Len(t, outcome.WorkOrders, 3)

	// Retry runs under half the original synthesis budget.
	assert.Equal(t, 150, outcome.WorkOrders[2].Constraints.TokenBudget)

	entries, err := stack.HO2Ledger.ReadAll()
	require.NoError(t, err)
	var gates []*ledger.Entry
	for _, e := range entries {
		if e.EventType == ledger.EventWOQualityGate {
			gates = append(gates, e)
		}
	}
	require.Len(t, gates, 2)
	assert.Equal(t, "failed", gates[0].Metadata.Outcome.Status)
	assert.Equal(t, "passed", gates[1].Metadata.Outcome.Status)
}

func TestHandleTurn_ProbeFeedsArbitration(t *testing.T) {
	p := &queueProvider{
		responses: []*gateway.ProviderResponse{
			ok(`{"intent":"status","must_mention":["deadline"]}`, 10, 5),
			ok(`{"signal":"queue_depth_high"}`, 8, 4),
			ok("All systems nominal.", 20, 7),
		},
		errs: []error{nil, nil, nil},
	}
	f, b := testFactory(t, p)
	f.deps.Probes = []ProbeSpec{{Name: "horizontal_scan", ContractID: "PROBE-V1", TokenBudget: 100}}
	stack, err := f.Stack("DEV")
	require.NoError(t, err)

	_, err = b.AllocateSession("SES-T5", 5000)
	require.NoError(t, err)

	outcome, err := stack.HO2.HandleTurn(context.Background(), "SES-T5", "status?")
	require.NoError(t, err)

	require.Len(t, outcome.WorkOrders, 3)
	synthInput := outcome.WorkOrders[2].Input
	assert.Contains(t, synthInput.AssembledContext, "intent: status")
	assert.Contains(t, synthInput.AssembledContext, "must_mention: deadline")
	assert.Contains(t, synthInput.AssembledContext, "queue_depth_high")
	require.Len(t, synthInput.PriorResults, 2)

	// The synthesis prompt actually carried the arbitrated context.
	require.Equal(t, 3, p.calls)
	assert.True(t, strings.Contains(p.prompts[2], "must_mention: deadline"))
}

func TestFactory_IsolatedPartitions(t *testing.T) {
	p := &queueProvider{
		responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 5, 2), ok("Hi.", 5, 2)},
		errs:      []error{nil, nil},
	}
	f, b := testFactory(t, p)

	dev, err := f.Stack("DEV")
	require.NoError(t, err)
	ops, err := f.Stack("OPS")
	require.NoError(t, err)

	again, err := f.Stack("DEV")
	require.NoError(t, err)
	assert.Same(t, dev, again)

	assert.NotEqual(t, dev.HO2LedgerPath, ops.HO2LedgerPath)
	assert.Contains(t, dev.HO2LedgerPath, "DEV")
	assert.Contains(t, ops.HO1LedgerPath, "OPS")

	_, err = b.AllocateSession("SES-T6", 5000)
	require.NoError(t, err)
	_, err = dev.HO2.HandleTurn(context.Background(), "SES-T6", "hi")
	require.NoError(t, err)

	assert.NotZero(t, dev.HO2Ledger.Len())
	assert.Zero(t, ops.HO2Ledger.Len(), "stacks must not share partitions")
}
