// Package attention assembles the context an agent sees before an LLM call:
// template-driven pipelines that pull from ledgers, registries and files under
// explicit token, query and time budgets.
package attention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/schema"
)

// Stage types.
const (
	StageTierSelect       = "tier_select"
	StageLedgerQuery      = "ledger_query"
	StageRegistryQuery    = "registry_query"
	StageFileRead         = "file_read"
	StageHorizontalSearch = "horizontal_search"
	StageStructuring      = "structuring"
	StageHalting          = "halting"
	StageCustom           = "custom"
)

// Fallback actions.
const (
	FallbackReturnPartial = "return_partial"
	FallbackFail          = "fail"
	FallbackUseCached     = "use_cached"
)

// AppliesTo selects which agents a template serves.
type AppliesTo struct {
	AgentClass  []string `json:"agent_class,omitempty"`
	FrameworkID []string `json:"framework_id,omitempty"`
	Tier        []string `json:"tier,omitempty"`
}

// Stage is one pipeline step.
type Stage struct {
	Stage   string         `json:"stage"`
	Type    string         `json:"type"`
	Enabled *bool          `json:"enabled,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

func (s Stage) enabled() bool { return s.Enabled == nil || *s.Enabled }

// Budget bounds one pipeline run. Zero fields inherit config defaults.
type Budget struct {
	MaxContextTokens int   `json:"max_context_tokens,omitempty"`
	MaxQueries       int   `json:"max_queries,omitempty"`
	TimeoutMs        int64 `json:"timeout_ms,omitempty"`
	CharsPerToken    int   `json:"chars_per_token,omitempty"`
}

// Fallback names the recovery action per failure class.
type Fallback struct {
	OnEmpty   string `json:"on_empty,omitempty"`
	OnTimeout string `json:"on_timeout,omitempty"`
}

// Template is one attention template. Templates are HOT-owned data.
type Template struct {
	TemplateID string    `json:"template_id"`
	AppliesTo  AppliesTo `json:"applies_to,omitempty"`
	Pipeline   []Stage   `json:"pipeline"`
	Budget     Budget    `json:"budget,omitempty"`
	Fallback   Fallback  `json:"fallback,omitempty"`
}

// TemplateStore loads and resolves templates.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
	validator *schema.Validator
}

// NewTemplateStore loads every *.json template under dir; dir may be empty.
func NewTemplateStore(dir string) (*TemplateStore, error) {
	v, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	s := &TemplateStore{templates: make(map[string]*Template), validator: v}
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
			return nil, fmt.Errorf("attention: reading %s: %w", path, err)
		}
		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("attention: parsing %s: %w", path, err)
		}
		if err := s.Put(&t); err != nil {
			return nil, fmt.Errorf("attention: %s: %w", path, err)
		}
	}
	return s, nil
}

// Put validates and registers a template.
func (s *TemplateStore) Put(t *Template) error {
	if err := s.validator.Validate(schema.KindAttentionTemplate, t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.TemplateID] = t
	return nil
}

// specificity ranks a match: framework beats class beats tier. Zero means no
// match at all.
func (t *Template) specificity(frameworkID, agentClass, tier string) int {
	if containsStr(t.AppliesTo.FrameworkID, frameworkID) {
		return 3
	}
	if containsStr(t.AppliesTo.AgentClass, agentClass) {
		return 2
	}
	if containsStr(t.AppliesTo.Tier, tier) {
		return 1
	}
	return 0
}

// Resolve picks the template for a request. An explicit id always wins.
// Among matches, higher specificity wins; a tie at the top specificity is
// ambiguous and fails closed. No match yields a synthetic minimal template
// that only reads the contract's file refs.
func (s *TemplateStore) Resolve(explicitID, frameworkID, agentClass, tier string, c *contract.Contract) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if explicitID != "" {
		t, ok := s.templates[explicitID]
		if !ok {
			return nil, fmt.Errorf("attention: unknown template_id %q", explicitID)
		}
		return t, nil
	}

	best := 0
	var matched []*Template
	for _, t := range s.templates {
		spec := t.specificity(frameworkID, agentClass, tier)
		if spec == 0 {
			continue
		}
		if spec > best {
			best = spec
			matched = matched[:0]
		}
		if spec == best {
			matched = append(matched, t)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return minimalTemplate(c), nil
	default:
		ids := make([]string, len(matched))
		for i, t := range matched {
			ids[i] = t.TemplateID
		}
		return nil, fmt.Errorf("attention: ambiguous template match at specificity %d: %v", best, ids)
	}
}

// minimalTemplate reads only the contract's file refs. Used when nothing
// matches; an empty contract yields an empty pipeline and empty context.
func minimalTemplate(c *contract.Contract) *Template {
	t := &Template{TemplateID: "MINIMAL-SYNTHETIC"}
	if c != nil && len(c.RequiredContext.FileRefs) > 0 {
		t.Pipeline = []Stage{{
			Stage:  "contract_files",
			Type:   StageFileRead,
			Config: map[string]any{"paths": toAnySlice(c.RequiredContext.FileRefs)},
		}}
	}
	return t
}

// mergeRequiredContext fills template gaps from the contract: ledger queries
// when the pipeline has no ledger_query stage, file refs when it has no
// file_read stage, framework refs when it has no registry_query stage.
// Existing stages are never duplicated.
func mergeRequiredContext(t *Template, c *contract.Contract) *Template {
	// Always a copy: pipeline stages may be relaxed in place during a run and
	// the stored template must stay pristine.
	merged := &Template{
		TemplateID: t.TemplateID,
		AppliesTo:  t.AppliesTo,
		Pipeline:   append([]Stage(nil), t.Pipeline...),
		Budget:     t.Budget,
		Fallback:   t.Fallback,
	}
	if c == nil {
		return merged
	}
	has := make(map[string]bool)
	for _, st := range t.Pipeline {
		has[st.Type] = true
	}

	rc := c.RequiredContext
	if !has[StageLedgerQuery] {
		for i, q := range rc.LedgerQueries {
			merged.Pipeline = append(merged.Pipeline, Stage{
				Stage: fmt.Sprintf("contract_query_%d", i),
				Type:  StageLedgerQuery,
				Config: map[string]any{
					"event_type":  q.EventType,
					"tier":        q.Tier,
					"max_entries": q.MaxEntries,
					"recency":     q.Recency,
				},
			})
		}
	}
	if !has[StageRegistryQuery] && len(rc.FrameworkRefs) > 0 {
		merged.Pipeline = append(merged.Pipeline, Stage{
			Stage:  "contract_frameworks",
			Type:   StageRegistryQuery,
			Config: map[string]any{"registry": "frameworks", "ids": toAnySlice(rc.FrameworkRefs)},
		})
	}
	if !has[StageFileRead] && len(rc.FileRefs) > 0 {
		merged.Pipeline = append(merged.Pipeline, Stage{
			Stage:  "contract_files",
			Type:   StageFileRead,
			Config: map[string]any{"paths": toAnySlice(rc.FileRefs)},
		})
	}
	return merged
}

func containsStr(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
