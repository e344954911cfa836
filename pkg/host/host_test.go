package host

import (
	"context"
	"os"
	"path/filepath"
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
	"github.com/rabruni/Brain-Garden-sub005/pkg/metering"
	"github.com/rabruni/Brain-Garden-sub005/pkg/observability"
	"github.com/rabruni/Brain-Garden-sub005/pkg/sandbox"
	"github.com/rabruni/Brain-Garden-sub005/pkg/supervisor"
)

type queueProvider struct {
	responses []*gateway.ProviderResponse
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
	return p.responses[i], nil
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
		Template:       "Respond to: {{.UserInput}}",
		BudgetDefaults: contract.BudgetDefaults{TokenBudget: 300},
	}))
	return store
}

func testHost(t *testing.T, cfg *config.Config, p gateway.Provider) *Host {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.DevMode = true

	lay := layout.New(t.TempDir())
	b := budget.NewBudgeter()
	g := gateway.New(cfg, b, func(tier authz.Tier, sessionID string) (*ledger.Client, error) {
		return ledger.Open(lay.PrimaryLedgerPath(layout.TierHO1), ledger.Options{})
	})
	g.Register("primary", p)

	factory := supervisor.NewFactory(supervisor.StackDeps{
		Cfg:        cfg,
		Lay:        lay,
		Budgeter:   b,
		Gateway:    g,
		Contracts:  testContracts(t),
		ProviderID: "primary",
		ModelID:    "test-model",
	})

	h := New(cfg, lay, factory, b, g)
	h.ProviderID = "primary"
	h.ModelID = "test-model"

	tracer, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	h.Tracer = tracer
	return h
}

func TestTurn_Success(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 10, 5), ok("Hello!", 20, 7)}}
	h := testHost(t, nil, p)

	meter, err := metering.Open(":memory:")
	require.NoError(t, err)
	defer meter.Close()
	h.Meter = meter

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "SES-"))

	res := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, TurnNumber: 1, UserMessage: "hi"})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Hello!", res.Response)
	assert.Equal(t, 30, res.TokensUsed.Input)
	assert.Equal(t, 12, res.TokensUsed.Output)
	assert.NotEmpty(t, res.LedgerEntryIDs)
	assert.Empty(t, res.Error)

	totals, err := meter.SessionTotals(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, totals.Total())

	entries, err := s.exec.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, ledger.EventSessionStarted, entries[0].EventType)
}

func TestTurn_DegradesWhenQualityGateFails(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{
		ok(`{"intent":"question"}`, 10, 5),
		ok("", 15, 0),
		ok("", 15, 0),
		ok("direct answer", 8, 4),
	}}
	h := testHost(t, nil, p)

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	res := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "explain"})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "direct answer", res.Response)

	// The fallback used the minimal contract: the prompt is the bare message.
	require.Equal(t, 4, p.calls)
	assert.Equal(t, "explain", p.prompts[3])

	entries, err := s.exec.ReadAll()
	require.NoError(t, err)
	var degraded bool
	for _, e := range entries {
		if e.EventType == ledger.EventDegraded {
			degraded = true
		}
	}
	assert.True(t, degraded, "degradation must be logged")
}

func TestTurn_BudgetExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.SessionTokens = 2
	cfg.Budget.WorkOrderTokens = 2
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok("never", 1, 1)}}
	h := testHost(t, cfg, p)

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	// Planning fails against the session ceiling, then the degraded direct
	// call is rejected by the gateway against the same scope.
	res := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "please review the full deployment plan"})
	assert.Equal(t, StatusBudgetExhausted, res.Status)
	assert.Contains(t, res.Error, budget.ErrBudgetExhausted)
	assert.Empty(t, res.Response)
	assert.Zero(t, p.calls)

	entries, err := s.exec.ReadAll()
	require.NoError(t, err)
	var degraded bool
	for _, e := range entries {
		if e.EventType == ledger.EventDegraded {
			degraded = true
		}
	}
	assert.True(t, degraded, "exhaustion still routes through the degraded fallback")
}

func TestTurn_SandboxFailClosed(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok(`{"intent":"build"}`, 10, 5), ok("Built it.", 20, 7)}}
	h := testHost(t, nil, p)

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	// The turn declares an artifact nothing ever writes.
	res := h.Turn(context.Background(), &TurnRequest{
		SessionID:       s.ID,
		UserMessage:     "build the report",
		DeclaredOutputs: []sandbox.DeclaredOutput{{Path: "report.txt", Role: "artifact"}},
	})
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, "CAPABILITY_VIOLATION", res.Error)
	assert.Empty(t, res.Response, "outputs are not promoted past a violation")

	assert.NotZero(t, s.evidence.Len(), "violation lands in the evidence ledger")
}

func TestTurn_EmptyDeclarationStillVerified(t *testing.T) {
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 10, 5), ok("Hello!", 20, 7)}}
	h := testHost(t, nil, p)

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	// A file appears in the output root during a turn that declared nothing.
	outDir := h.Lay.OutputDir(s.ID)
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "rogue.txt"), []byte("x"), 0o644))

	res := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "hi"})
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, "CAPABILITY_VIOLATION", res.Error)
	assert.Empty(t, res.Response)
	assert.NotZero(t, s.evidence.Len())
}

func TestTurn_RegistersConfiguredTools(t *testing.T) {
	cfg := config.Default()
	cfg.Tools = map[string]string{"wordcount": filepath.Join(t.TempDir(), "wordcount.wasm")}
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 10, 5), ok("Hello!", 20, 7)}}
	h := testHost(t, cfg, p)
	h.ToolRunner = sandbox.NewToolRunner(context.Background())
	defer h.ToolRunner.Close(context.Background())

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	res := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "hi"})
	require.Equal(t, StatusSuccess, res.Status)

	stack, err := h.Factory.Stack("DEV")
	require.NoError(t, err)
	wt, isWasm := stack.HO1.Tools["wordcount"].(*sandbox.WasmTool)
	require.True(t, isWasm, "configured module is bound as a sandboxed tool")
	assert.Equal(t, cfg.Tools["wordcount"], wt.Path)
}

func TestTurn_UnknownSessionRejected(t *testing.T) {
	h := testHost(t, nil, &queueProvider{responses: []*gateway.ProviderResponse{ok("x", 1, 1)}})
	res := h.Turn(context.Background(), &TurnRequest{SessionID: "SES-GHOST", UserMessage: "hi"})
	assert.Equal(t, StatusRejected, res.Status)
}

func TestTurn_TurnLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Session.TurnLimit = 1
	p := &queueProvider{responses: []*gateway.ProviderResponse{ok(`{"intent":"greeting"}`, 5, 2), ok("Hi.", 5, 2)}}
	h := testHost(t, cfg, p)

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)

	first := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "hi"})
	assert.Equal(t, StatusSuccess, first.Status)

	second := h.Turn(context.Background(), &TurnRequest{SessionID: s.ID, UserMessage: "again"})
	assert.Equal(t, StatusRejected, second.Status)
	assert.Contains(t, second.Error, "turn limit")
}

func TestEndSessionReleasesBudget(t *testing.T) {
	h := testHost(t, nil, &queueProvider{responses: []*gateway.ProviderResponse{ok("x", 1, 1)}})

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)
	require.NoError(t, h.EndSession(context.Background(), s.ID))

	_, err = h.Budgeter.Remaining(budget.ScopeKey{SessionID: s.ID})
	assert.Error(t, err, "scopes are gone after the session ends")

	entries, err := s.exec.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, ledger.EventSessionEnded, entries[len(entries)-1].EventType)

	assert.Error(t, h.EndSession(context.Background(), s.ID))
}

func TestCancelRecordsReason(t *testing.T) {
	h := testHost(t, nil, &queueProvider{responses: []*gateway.ProviderResponse{ok("x", 1, 1)}})

	s, err := h.StartSession(context.Background(), "DEV")
	require.NoError(t, err)
	require.NoError(t, h.Cancel(context.Background(), s.ID, "user abort"))

	entries, err := s.exec.ReadAll()
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.EventCancelled, last.EventType)
	assert.Equal(t, "user abort", last.Metadata.Detail["reason"])
}
