// Package contract loads and renders prompt contracts: the schema-bearing
// templates that define the input/output shape of a work order's LLM call.
// Contracts are HOT-owned data, read-only at runtime.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/rabruni/Brain-Garden-sub005/pkg/schema"
)

// LedgerQueryRef names a ledger query a contract wants in its context.
type LedgerQueryRef struct {
	EventType string `json:"event_type,omitempty"`
	Tier      string `json:"tier,omitempty"`
	MaxEntries int   `json:"max_entries,omitempty"`
	Recency   string `json:"recency,omitempty"`
}

// RequiredContext lists what must be assembled before the call.
type RequiredContext struct {
	LedgerQueries []LedgerQueryRef `json:"ledger_queries,omitempty"`
	FrameworkRefs []string         `json:"framework_refs,omitempty"`
	FileRefs      []string         `json:"file_refs,omitempty"`
}

// BudgetDefaults seeds WO constraints when the planner does not override.
type BudgetDefaults struct {
	TokenBudget    int `json:"token_budget,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Contract is one prompt contract.
type Contract struct {
	ContractID      string                 `json:"contract_id"`
	InputSchema     map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema    map[string]interface{} `json:"output_schema,omitempty"`
	Template        string                 `json:"template"`
	RequiredContext RequiredContext        `json:"required_context,omitempty"`
	Tools           []string               `json:"tools,omitempty"`
	BudgetDefaults  BudgetDefaults         `json:"budget_defaults,omitempty"`
}

// TextOutput reports whether the contract expects plain text rather than a
// JSON document. Text outputs are wrapped as {"response_text": content}.
func (c *Contract) TextOutput() bool {
	if c.OutputSchema == nil {
		return true
	}
	t, _ := c.OutputSchema["type"].(string)
	return t == "string"
}

// RenderInput is the data visible to the contract template.
type RenderInput struct {
	UserInput        string
	AssembledContext string
	PriorResults     []map[string]any
}

// Render executes the contract template against the input.
func (c *Contract) Render(in RenderInput) (string, error) {
	tmpl, err := template.New(c.ContractID).Option("missingkey=zero").Parse(c.Template)
	if err != nil {
		return "", fmt.Errorf("contract %s: template parse: %w", c.ContractID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("contract %s: template execute: %w", c.ContractID, err)
	}
	return buf.String(), nil
}

// ValidateOutput checks a provider response document against output_schema.
func (c *Contract) ValidateOutput(doc interface{}) error {
	if c.OutputSchema == nil || c.TextOutput() {
		return nil
	}
	return schema.ValidateInline(c.ContractID+"/output", c.OutputSchema, doc)
}

// Store holds contracts loaded from a directory of *.json files, keyed by
// contract_id.
type Store struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	validator *schema.Validator
}

// NewStore loads every contract under dir. dir may be empty for an
// in-memory-only store populated via Put.
func NewStore(dir string) (*Store, error) {
	v, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	s := &Store{contracts: make(map[string]*Contract), validator: v}
	if dir == "" {
		return s, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("contract: reading %s: %w", path, err)
		}
		var c Contract
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("contract: parsing %s: %w", path, err)
		}
		if err := s.Put(&c); err != nil {
			return nil, fmt.Errorf("contract: %s: %w", path, err)
		}
	}
	return s, nil
}

// Put validates and registers a contract.
func (s *Store) Put(c *Contract) error {
	if err := s.validator.Validate(schema.KindPromptContract, c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ContractID] = c
	return nil
}

// Get returns the contract or an error naming the missing id.
func (s *Store) Get(contractID string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract: unknown contract_id %q", contractID)
	}
	return c, nil
}

// IDs lists registered contract ids, for diagnostics.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contracts))
	for id := range s.contracts {
		ids = append(ids, id)
	}
	return ids
}

// MinimalContract is the degraded-path contract used when a stack cannot be
// built or every WO in a turn failed: plain text in, plain text out.
func MinimalContract() *Contract {
	return &Contract{
		ContractID:   "MINIMAL-DIRECT",
		OutputSchema: map[string]interface{}{"type": "string"},
		Template:     strings.TrimSpace("{{.UserInput}}"),
	}
}
