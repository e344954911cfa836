package attention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
	"github.com/rabruni/Brain-Garden-sub005/pkg/query"
	"github.com/rabruni/Brain-Garden-sub005/pkg/registry"
)

// Stage trace statuses.
const (
	StatusOK        = "ok"
	StatusTruncated = "truncated"
	StatusTimeout   = "timeout"
	StatusEmpty     = "empty"
	StatusSkipped   = "skipped"
)

// Request asks for context assembly before one LLM call.
type Request struct {
	TemplateID  string // explicit override, optional
	AgentID     string
	AgentClass  string
	FrameworkID string
	Tier        string
	WorkOrderID string
	SessionID   string
	Contract    *contract.Contract
	UserInput   string
}

// Fragment is one piece of assembled context.
type Fragment struct {
	Source         string  `json:"source"`
	SourceID       string  `json:"source_id"`
	Content        string  `json:"content"`
	TokenEstimate  int     `json:"token_estimate"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// StageTrace records one executed pipeline stage.
type StageTrace struct {
	Stage           string `json:"stage"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	TokensProduced  int    `json:"tokens_produced"`
	QueriesExecuted int    `json:"queries_executed"`
	ElapsedMs       int64  `json:"elapsed_ms"`
}

// AssembledContext is the pipeline result.
type AssembledContext struct {
	TemplateID    string       `json:"template_id"`
	ContextText   string       `json:"context_text"`
	ContextHash   string       `json:"context_hash"`
	Fragments     []Fragment   `json:"fragments"`
	PipelineTrace []StageTrace `json:"pipeline_trace"`
}

// CustomHandler runs a custom stage. It returns the fragments it produced.
type CustomHandler func(ctx context.Context, req *Request, stage Stage) ([]Fragment, error)

// Service assembles context from ledgers, registries and files.
type Service struct {
	cfg       *config.Config
	templates *TemplateStore
	queries   *query.Engine
	cache     Cache
	log       *slog.Logger

	// FileRoot bounds file_read paths; RegistryDir holds the CSV registries.
	FileRoot    string
	RegistryDir string

	handlers map[string]CustomHandler
	celEnv   *cel.Env
	now      func() time.Time
}

func NewService(cfg *config.Config, templates *TemplateStore, queries *query.Engine, cache Cache, log *slog.Logger) (*Service, error) {
	env, err := cel.NewEnv(
		cel.Variable("fragment_count", cel.IntType),
		cel.Variable("token_count", cel.IntType),
		cel.Variable("queries_executed", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("attention: cel env: %w", err)
	}
	if cache == nil {
		cache = NewCacheFromConfig(cfg)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		templates: templates,
		queries:   queries,
		cache:     cache,
		log:       log,
		handlers:  make(map[string]CustomHandler),
		celEnv:    env,
		now:       time.Now,
	}, nil
}

// RegisterHandler binds a custom stage name to a handler.
func (s *Service) RegisterHandler(name string, h CustomHandler) {
	s.handlers[name] = h
}

// run carries mutable pipeline state.
type run struct {
	req       *Request
	budget    Budget
	fragments []Fragment
	trace     []StageTrace
	tierScope string
	queries   int
	started   time.Time
	relaxed   bool
}

func (r *run) tokensAssembled() int {
	total := 0
	for _, f := range r.fragments {
		total += f.TokenEstimate
	}
	return total
}

func (s *Service) estimate(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = s.cfg.Attention.CharsPerToken
	}
	n := len(text) / charsPerToken
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}

// effectiveBudget overlays template budget fields on config defaults.
func (s *Service) effectiveBudget(t *Template) Budget {
	b := Budget{
		MaxContextTokens: s.cfg.Attention.MaxContextTokens,
		MaxQueries:       s.cfg.Attention.MaxQueries,
		TimeoutMs:        s.cfg.Attention.TimeoutMs,
		CharsPerToken:    s.cfg.Attention.CharsPerToken,
	}
	if t.Budget.MaxContextTokens > 0 {
		b.MaxContextTokens = t.Budget.MaxContextTokens
	}
	if t.Budget.MaxQueries > 0 {
		b.MaxQueries = t.Budget.MaxQueries
	}
	if t.Budget.TimeoutMs > 0 {
		b.TimeoutMs = t.Budget.TimeoutMs
	}
	if t.Budget.CharsPerToken > 0 {
		b.CharsPerToken = t.Budget.CharsPerToken
	}
	return b
}

// Assemble resolves a template, merges the contract's required context and
// executes the pipeline under budget.
func (s *Service) Assemble(ctx context.Context, req *Request) (*AssembledContext, error) {
	tmpl, err := s.templates.Resolve(req.TemplateID, req.FrameworkID, req.AgentClass, req.Tier, req.Contract)
	if err != nil {
		return nil, err
	}
	tmpl = mergeRequiredContext(tmpl, req.Contract)

	key := CacheKey{TemplateID: tmpl.TemplateID, AgentClass: req.AgentClass, WorkOrderID: req.WorkOrderID, SessionID: req.SessionID}
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached, nil
	}

	r := &run{req: req, budget: s.effectiveBudget(tmpl), started: s.now()}

	timedOut := false
	for i := 0; i < len(tmpl.Pipeline); i++ {
		stage := tmpl.Pipeline[i]
		if !stage.enabled() {
			r.trace = append(r.trace, StageTrace{Stage: stage.Stage, Type: stage.Type, Status: StatusSkipped})
			continue
		}
		if s.overBudget(r) || ctx.Err() != nil {
			timedOut = true
			break
		}

		rerun, err := s.runStage(ctx, r, tmpl, stage, i)
		if err != nil {
			return nil, err
		}
		if rerun >= 0 {
			// Halting asked for one relaxed re-run of a prior search stage.
			i = rerun - 1
		}
	}

	if timedOut {
		switch tmpl.Fallback.OnTimeout {
		case FallbackFail:
			return nil, fmt.Errorf("attention: budget exceeded for template %s", tmpl.TemplateID)
		case FallbackUseCached:
			if cached, ok := s.cache.Get(ctx, key); ok {
				return cached, nil
			}
			// No cached value: fall through to partial.
		case FallbackReturnPartial, "":
		}
		r.trace = append(r.trace, StageTrace{Stage: "budget", Type: "budget", Status: StatusTimeout})
	}

	ac := s.finalize(tmpl, r)
	if len(ac.Fragments) == 0 && tmpl.Fallback.OnEmpty == FallbackFail {
		return nil, fmt.Errorf("attention: empty context for template %s", tmpl.TemplateID)
	}
	s.cache.Set(ctx, key, ac)
	return ac, nil
}

func (s *Service) overBudget(r *run) bool {
	elapsed := s.now().Sub(r.started).Milliseconds()
	return r.tokensAssembled() >= r.budget.MaxContextTokens ||
		r.queries >= r.budget.MaxQueries ||
		elapsed >= r.budget.TimeoutMs
}

// runStage executes one stage. The returned index is >= 0 only when a halting
// stage requests a re-run starting at that pipeline position.
func (s *Service) runStage(ctx context.Context, r *run, tmpl *Template, stage Stage, pos int) (int, error) {
	start := s.now()
	queriesBefore := r.queries
	var produced []Fragment
	status := StatusOK
	rerun := -1

	switch stage.Type {
	case StageTierSelect:
		r.tierScope, _ = stage.Config["tier"].(string)

	case StageLedgerQuery:
		frags, err := s.runLedgerQuery(ctx, r, stage)
		if err != nil {
			return -1, err
		}
		produced = frags
		r.queries++

	case StageRegistryQuery:
		produced = s.runRegistryQuery(r, stage)
		r.queries++

	case StageFileRead:
		produced = s.runFileRead(r, stage)

	case StageHorizontalSearch:
		status = s.runHorizontalSearch(r, stage)

	case StageStructuring:
		status = s.runStructuring(r, stage)

	case StageHalting:
		var err error
		rerun, err = s.runHalting(r, tmpl, stage, pos)
		if err != nil {
			return -1, err
		}

	case StageCustom:
		name, _ := stage.Config["handler"].(string)
		h, ok := s.handlers[name]
		if !ok {
			return -1, fmt.Errorf("attention: no handler registered for custom stage %q", name)
		}
		frags, err := h(ctx, r.req, stage)
		if err != nil {
			return -1, err
		}
		produced = frags

	default:
		return -1, fmt.Errorf("attention: unknown stage type %q", stage.Type)
	}

	tokens := 0
	for _, f := range produced {
		tokens += f.TokenEstimate
	}
	if len(produced) == 0 && status == StatusOK &&
		(stage.Type == StageLedgerQuery || stage.Type == StageRegistryQuery || stage.Type == StageFileRead) {
		status = StatusEmpty
	}
	r.fragments = append(r.fragments, produced...)
	r.trace = append(r.trace, StageTrace{
		Stage:           stage.Stage,
		Type:            stage.Type,
		Status:          status,
		TokensProduced:  tokens,
		QueriesExecuted: r.queries - queriesBefore,
		ElapsedMs:       s.now().Sub(start).Milliseconds(),
	})
	return rerun, nil
}

func configInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	}
	return fallback
}

func configFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func (s *Service) runLedgerQuery(ctx context.Context, r *run, stage Stage) ([]Fragment, error) {
	tier, _ := stage.Config["tier"].(string)
	if tier == "" {
		tier = r.tierScope
	}
	eventType, _ := stage.Config["event_type"].(string)
	recency, _ := stage.Config["recency"].(string)
	maxEntries := configInt(stage.Config, "max_entries", 20)

	qreq := &query.Request{
		SessionID: r.req.SessionID,
		Recency:   recency,
		Limit:     maxEntries,
	}
	if eventType != "" {
		qreq.EventTypes = []string{eventType}
	}
	if tier != "" {
		qreq.Tiers = []string{tier}
	}
	res, err := s.queries.Query(ctx, qreq)
	if err != nil {
		return nil, fmt.Errorf("attention: ledger_query stage %s: %w", stage.Stage, err)
	}
	frags := make([]Fragment, 0, len(res.Entries))
	for _, en := range res.Entries {
		raw, err := json.Marshal(en)
		if err != nil {
			continue
		}
		frags = append(frags, Fragment{
			Source:        "ledger",
			SourceID:      en.EntryID,
			Content:       string(raw),
			TokenEstimate: s.estimate(string(raw), r.budget.CharsPerToken),
		})
	}
	return frags, nil
}

func (s *Service) runRegistryQuery(r *run, stage Stage) []Fragment {
	name, _ := stage.Config["registry"].(string)
	if name == "" {
		return nil
	}
	rows, err := registry.Read(filepath.Join(s.RegistryDir, name+".csv"))
	if err != nil {
		s.log.Warn("registry read failed", "registry", name, "error", err)
		return nil
	}

	filters := make(map[string]string)
	if raw, ok := stage.Config["filters"].(map[string]any); ok {
		for k, v := range raw {
			if sv, ok := v.(string); ok {
				filters[k] = sv
			}
		}
	}
	rows = registry.Filter(rows, filters)

	if ids, ok := stage.Config["ids"].([]any); ok && len(ids) > 0 {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			if sid, ok := id.(string); ok {
				want[sid] = true
			}
		}
		var kept []registry.Row
		for _, row := range rows {
			for _, v := range row {
				if want[v] {
					kept = append(kept, row)
					break
				}
			}
		}
		rows = kept
	}

	frags := make([]Fragment, 0, len(rows))
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			continue
		}
		frags = append(frags, Fragment{
			Source:        "registry",
			SourceID:      fmt.Sprintf("%s#%d", name, i),
			Content:       string(raw),
			TokenEstimate: s.estimate(string(raw), r.budget.CharsPerToken),
		})
	}
	return frags
}

func (s *Service) runFileRead(r *run, stage Stage) []Fragment {
	maxSize := configInt(stage.Config, "max_size_bytes", 64*1024)
	paths, _ := stage.Config["paths"].([]any)

	var frags []Fragment
	for _, p := range paths {
		rel, ok := p.(string)
		if !ok {
			continue
		}
		full := rel
		if s.FileRoot != "" {
			full = filepath.Join(s.FileRoot, rel)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			s.log.Warn("file_read skipping missing file", "path", rel, "error", err)
			continue
		}
		if len(data) > maxSize {
			data = data[:maxSize]
		}
		frags = append(frags, Fragment{
			Source:        "file",
			SourceID:      rel,
			Content:       string(data),
			TokenEstimate: s.estimate(string(data), r.budget.CharsPerToken),
		})
	}
	return frags
}

// runHorizontalSearch scores existing fragments against keywords and drops
// those under relevance_threshold.
func (s *Service) runHorizontalSearch(r *run, stage Stage) string {
	threshold := configFloat(stage.Config, "relevance_threshold", 0.0)

	var keywords []string
	if raw, ok := stage.Config["keywords"].([]any); ok {
		for _, k := range raw {
			if sk, ok := k.(string); ok {
				keywords = append(keywords, strings.ToLower(sk))
			}
		}
	}
	if len(keywords) == 0 {
		keywords = strings.Fields(strings.ToLower(r.req.UserInput))
	}
	if len(keywords) == 0 {
		return StatusSkipped
	}

	kept := r.fragments[:0:0]
	for _, f := range r.fragments {
		hits := 0
		lower := strings.ToLower(f.Content)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				hits++
			}
		}
		f.RelevanceScore = float64(hits) / float64(len(keywords))
		if f.RelevanceScore >= threshold {
			kept = append(kept, f)
		}
	}
	dropped := len(r.fragments) - len(kept)
	r.fragments = kept
	if dropped > 0 {
		return StatusTruncated
	}
	return StatusOK
}

// runStructuring dedupes fragments and enforces the token ceiling by dropping
// the least relevant fragments first.
func (s *Service) runStructuring(r *run, stage Stage) string {
	maxTokens := configInt(stage.Config, "max_tokens", r.budget.MaxContextTokens)
	strategy, _ := stage.Config["strategy"].(string)

	// Dedupe: identical content-hash prefixes, then full-substring containment.
	seen := make(map[string]bool)
	deduped := r.fragments[:0:0]
	for _, f := range r.fragments {
		prefix := canonicalize.HashString(f.Content)[:24]
		if seen[prefix] {
			continue
		}
		contained := false
		for _, kept := range deduped {
			if strings.Contains(kept.Content, f.Content) {
				contained = true
				break
			}
		}
		if contained {
			continue
		}
		seen[prefix] = true
		deduped = append(deduped, f)
	}
	r.fragments = deduped

	if strategy == "relevance" || strategy == "" {
		sort.SliceStable(r.fragments, func(i, j int) bool {
			return r.fragments[i].RelevanceScore > r.fragments[j].RelevanceScore
		})
	}

	status := StatusOK
	for r.tokensAssembled() > maxTokens && len(r.fragments) > 0 {
		// Lowest relevance goes first; ties drop from the tail.
		low := len(r.fragments) - 1
		for i, f := range r.fragments {
			if f.RelevanceScore < r.fragments[low].RelevanceScore {
				low = i
			}
		}
		r.fragments = append(r.fragments[:low], r.fragments[low+1:]...)
		status = StatusTruncated
	}
	return status
}

// runHalting decides whether to re-run the most recent search stage once with
// relaxed parameters. The satisfaction predicate is a CEL expression over
// fragment_count, token_count and queries_executed.
func (s *Service) runHalting(r *run, tmpl *Template, stage Stage, pos int) (int, error) {
	if r.relaxed {
		return -1, nil
	}
	minFragments := configInt(stage.Config, "min_fragments", 1)
	minTokens := configInt(stage.Config, "min_tokens", 0)

	below := len(r.fragments) < minFragments || r.tokensAssembled() < minTokens
	if !below || s.overBudget(r) {
		return -1, nil
	}

	if expr, ok := stage.Config["satisfaction"].(string); ok && expr != "" {
		ast, iss := s.celEnv.Compile(expr)
		if iss.Err() != nil {
			return -1, fmt.Errorf("attention: halting predicate: %w", iss.Err())
		}
		prog, err := s.celEnv.Program(ast)
		if err != nil {
			return -1, fmt.Errorf("attention: halting predicate: %w", err)
		}
		out, _, err := prog.Eval(map[string]any{
			"fragment_count":   int64(len(r.fragments)),
			"token_count":      int64(r.tokensAssembled()),
			"queries_executed": int64(r.queries),
		})
		if err != nil {
			return -1, fmt.Errorf("attention: halting predicate: %w", err)
		}
		if satisfied, ok := out.Value().(bool); ok && satisfied {
			return -1, nil
		}
	}

	// Find the nearest prior search stage and relax it in place for the
	// re-run. Relaxation doubles max_entries and halves any threshold.
	for i := pos - 1; i >= 0; i-- {
		t := tmpl.Pipeline[i].Type
		if t == StageLedgerQuery || t == StageRegistryQuery || t == StageHorizontalSearch {
			cfgCopy := make(map[string]any, len(tmpl.Pipeline[i].Config))
			for k, v := range tmpl.Pipeline[i].Config {
				cfgCopy[k] = v
			}
			cfgCopy["max_entries"] = configInt(cfgCopy, "max_entries", 20) * 2
			if th := configFloat(cfgCopy, "relevance_threshold", -1); th >= 0 {
				cfgCopy["relevance_threshold"] = th / 2
			}
			tmpl.Pipeline[i].Config = cfgCopy
			r.relaxed = true
			return i, nil
		}
	}
	return -1, nil
}

func (s *Service) finalize(tmpl *Template, r *run) *AssembledContext {
	var b strings.Builder
	for i, f := range r.fragments {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s:%s]\n%s", f.Source, f.SourceID, f.Content)
	}
	text := b.String()
	return &AssembledContext{
		TemplateID:    tmpl.TemplateID,
		ContextText:   text,
		ContextHash:   canonicalize.HashString(text),
		Fragments:     r.fragments,
		PipelineTrace: r.trace,
	}
}
