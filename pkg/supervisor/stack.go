package supervisor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabruni/Brain-Garden-sub005/pkg/attention"
	"github.com/rabruni/Brain-Garden-sub005/pkg/authz"
	"github.com/rabruni/Brain-Garden-sub005/pkg/budget"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/executor"
	"github.com/rabruni/Brain-Garden-sub005/pkg/gateway"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/query"
)

// Stack is one agent class's cognitive pair: an HO2 supervisor and an HO1
// executor over isolated ledger partitions. Stacks share code and
// configuration, never state.
type Stack struct {
	AgentClass string
	HO2        *Supervisor
	HO1        *executor.Executor

	HO2LedgerPath string
	HO1LedgerPath string

	HO2Ledger *ledger.Client
	HO1Ledger *ledger.Client
}

// StackDeps is everything NewStack wires into a stack. Shared services
// (gateway, budgeter, contract store) are passed by reference; per-stack
// state (ledgers, executor, supervisor) is built fresh.
type StackDeps struct {
	Cfg       *config.Config
	Lay       *layout.Layout
	Budgeter  *budget.Budgeter
	Gateway   *gateway.Gateway
	Contracts *contract.Store
	Templates *attention.TemplateStore
	Queries   *query.Engine
	Cache     attention.Cache

	ProviderID  string
	ModelID     string
	FrameworkID string
	Identity    *authz.Identity

	ClassifyContractID   string
	SynthesizeContractID string
	Probes               []ProbeSpec
	QualityPredicate     string

	Log *slog.Logger
}

// NewStack builds the HO2/HO1 pair for one agent class. Ledger partitions
// live under <tier>/ledger/<AGENT_CLASS>/.
func NewStack(agentClass string, deps StackDeps) (*Stack, error) {
	if agentClass == "" {
		return nil, fmt.Errorf("supervisor: empty agent class")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	ho2Path := deps.Lay.ClassLedgerPath(layout.TierHO2, agentClass)
	ho1Path := deps.Lay.ClassLedgerPath(layout.TierHO1, agentClass)

	ho2Ledger, err := ledger.Open(ho2Path, ledger.Options{
		MaxSegmentBytes:   deps.Cfg.Ledger.MaxSegmentBytes,
		MaxSegmentEntries: deps.Cfg.Ledger.MaxSegmentEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening %s partition: %w", agentClass, err)
	}
	ho1Ledger, err := ledger.Open(ho1Path, ledger.Options{
		MaxSegmentBytes:   deps.Cfg.Ledger.MaxSegmentBytes,
		MaxSegmentEntries: deps.Cfg.Ledger.MaxSegmentEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening %s partition: %w", agentClass, err)
	}

	var att *attention.Service
	if deps.Templates != nil {
		att, err = attention.NewService(deps.Cfg, deps.Templates, deps.Queries, deps.Cache, deps.Log)
		if err != nil {
			return nil, err
		}
	}

	exec := executor.New(deps.Contracts, att, deps.Gateway, deps.Budgeter, ho1Ledger)
	exec.ProviderID = deps.ProviderID
	exec.ModelID = deps.ModelID
	exec.AgentID = "agent-" + agentClass
	exec.AgentClass = agentClass
	exec.FrameworkID = deps.FrameworkID
	exec.Identity = deps.Identity
	exec.Log = deps.Log

	sup, err := New(deps.Cfg, agentClass, deps.Contracts, exec, deps.Budgeter, ho2Ledger, ho1Ledger, deps.QualityPredicate)
	if err != nil {
		return nil, err
	}
	sup.log = deps.Log
	if deps.ClassifyContractID != "" {
		sup.ClassifyContractID = deps.ClassifyContractID
	}
	if deps.SynthesizeContractID != "" {
		sup.SynthesizeContractID = deps.SynthesizeContractID
	}
	sup.Probes = deps.Probes

	return &Stack{
		AgentClass:    agentClass,
		HO2:           sup,
		HO1:           exec,
		HO2LedgerPath: ho2Path,
		HO1LedgerPath: ho1Path,
		HO2Ledger:     ho2Ledger,
		HO1Ledger:     ho1Ledger,
	}, nil
}

// Factory caches one stack per agent class.
type Factory struct {
	deps StackDeps

	mu     sync.Mutex
	stacks map[string]*Stack
}

func NewFactory(deps StackDeps) *Factory {
	return &Factory{deps: deps, stacks: make(map[string]*Stack)}
}

// Stack returns the cached stack for the class, building it on first use.
func (f *Factory) Stack(agentClass string) (*Stack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stacks[agentClass]; ok {
		return s, nil
	}
	s, err := NewStack(agentClass, f.deps)
	if err != nil {
		return nil, err
	}
	f.stacks[agentClass] = s
	return s, nil
}
