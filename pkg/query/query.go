// Package query answers provenance questions over the tier ledgers: filtered,
// paginated, optionally aggregated reads with cross-tier merging. Indexes are
// caches over the append-only ledgers and are rebuilt, never trusted blindly.
package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
)

// Sort orders.
const (
	SortTimestampDesc = "timestamp_desc"
	SortTimestampAsc  = "timestamp_asc"
	SortQualityDesc   = "quality_desc"
)

// Aggregation kinds.
const (
	AggCount      = "count"
	AggTokenSum   = "token_sum"
	AggQualityAvg = "quality_avg"
	AggGroupBy    = "group_by"
)

// Recency shortcuts.
const (
	RecencySession = "session"
	RecencyToday   = "today"
	RecencyAll     = "all"
)

// Request is one ledger query.
type Request struct {
	// Provenance filters. Empty fields do not filter.
	AgentID     string `json:"agent_id,omitempty"`
	AgentClass  string `json:"agent_class,omitempty"`
	FrameworkID string `json:"framework_id,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	EventTypes []string `json:"event_types,omitempty"`

	Status           string   `json:"status,omitempty"`
	MinQualitySignal *float64 `json:"min_quality_signal,omitempty"`

	Tiers      []string `json:"tiers,omitempty"`
	DomainTags []string `json:"domain_tags,omitempty"`

	// Since/Until accept ISO-8601 timestamps, durations (Nd|Nh|Nm) counted
	// back from now, or "session" which pins the query to SessionID instead
	// of a time bound.
	Since   string `json:"since,omitempty"`
	Until   string `json:"until,omitempty"`
	Recency string `json:"recency,omitempty"`

	ParentEventID string `json:"parent_event_id,omitempty"`
	RootEventID   string `json:"root_event_id,omitempty"`

	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Sort   string `json:"sort,omitempty"`

	Aggregate    string `json:"aggregate,omitempty"`
	GroupByField string `json:"group_by_field,omitempty"`
}

// Aggregation is the computed aggregate, when requested.
type Aggregation struct {
	Kind       string         `json:"kind"`
	Count      int            `json:"count,omitempty"`
	TokenSum   int            `json:"token_sum,omitempty"`
	QualityAvg float64        `json:"quality_avg,omitempty"`
	Groups     map[string]int `json:"groups,omitempty"`
}

// Result carries the matched page plus query metadata.
type Result struct {
	Entries       []*ledger.Entry `json:"entries"`
	Total         int             `json:"total"`
	TiersSearched []string        `json:"tiers_searched"`
	Aggregation   *Aggregation    `json:"aggregation,omitempty"`
}

// index is a point-in-time inverted index over one ledger. It is a cache:
// a stale index triggers refresh or full scan, never a wrong answer.
type index struct {
	builtAt time.Time
	entries []*ledger.Entry
	byField map[string]map[string][]int
}

type source struct {
	tier   string
	client *ledger.Client

	mu  sync.Mutex
	idx *index
}

// Engine executes queries over a set of tier ledgers.
type Engine struct {
	cfg     *config.Config
	mu      sync.RWMutex
	sources []*source
	now     func() time.Time
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// AddSource registers a tier ledger. Multiple sources may share a tier name;
// all are scanned when that tier is requested.
func (e *Engine) AddSource(tier string, client *ledger.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, &source{tier: tier, client: client})
}

var durationRe = regexp.MustCompile(`^(\d+)([dhm])$`)

// parseTimeBound resolves a since/until value. A "session" bound returns
// ok=false with sessionPin=true; callers then filter by session id instead.
func (e *Engine) parseTimeBound(v string) (t time.Time, ok bool, sessionPin bool, err error) {
	switch v {
	case "":
		return time.Time{}, false, false, nil
	case RecencySession:
		return time.Time{}, false, true, nil
	}
	if m := durationRe.FindStringSubmatch(v); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		}
		return e.now().Add(-time.Duration(n) * unit), true, false, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if parsed, perr := time.Parse(layout, v); perr == nil {
			return parsed, true, false, nil
		}
	}
	return time.Time{}, false, false, fmt.Errorf("query: unparseable time bound %q", v)
}

// bounds resolves Since/Until/Recency into concrete filters.
type bounds struct {
	since, until       time.Time
	hasSince, hasUntil bool
	pinSession         bool
}

func (e *Engine) resolveBounds(req *Request) (bounds, error) {
	var b bounds
	var err error
	b.since, b.hasSince, b.pinSession, err = e.parseTimeBound(req.Since)
	if err != nil {
		return b, err
	}
	var pinFromUntil bool
	b.until, b.hasUntil, pinFromUntil, err = e.parseTimeBound(req.Until)
	if err != nil {
		return b, err
	}
	b.pinSession = b.pinSession || pinFromUntil

	switch req.Recency {
	case RecencySession:
		b.pinSession = true
	case RecencyToday:
		y, m, d := e.now().UTC().Date()
		b.since = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		b.hasSince = true
	case RecencyAll, "":
	default:
		return b, fmt.Errorf("query: unknown recency %q", req.Recency)
	}
	if b.pinSession && req.SessionID == "" {
		return b, fmt.Errorf("query: recency %q requires session_id", RecencySession)
	}
	return b, nil
}

// indexed fields, keyed the way filters name them.
func fieldValues(en *ledger.Entry) map[string]string {
	return map[string]string{
		"agent_id":        en.Metadata.Provenance.AgentID,
		"agent_class":     en.Metadata.Provenance.AgentClass,
		"framework_id":    en.Metadata.Provenance.FrameworkID,
		"package_id":      en.Metadata.Provenance.PackageID,
		"work_order_id":   en.Metadata.Provenance.WorkOrderID,
		"session_id":      en.Metadata.Provenance.SessionID,
		"event_type":      en.EventType,
		"tier":            en.Metadata.Scope.Tier,
		"status":          en.Metadata.Outcome.Status,
		"parent_event_id": en.Metadata.Relational.ParentEventID,
		"root_event_id":   en.Metadata.Relational.RootEventID,
	}
}

func buildIndex(entries []*ledger.Entry, at time.Time) *index {
	idx := &index{builtAt: at, entries: entries, byField: make(map[string]map[string][]int)}
	for i, en := range entries {
		for field, value := range fieldValues(en) {
			if value == "" {
				continue
			}
			m, ok := idx.byField[field]
			if !ok {
				m = make(map[string][]int)
				idx.byField[field] = m
			}
			m[value] = append(m[value], i)
		}
	}
	return idx
}

// snapshot returns entries for one source, refreshing the lazy index when it
// has drifted past the rebuild threshold or TTL. On any read error the stale
// index is discarded and the error propagates; no partial answers.
func (s *source) snapshot(cfg *config.Config, now time.Time) (*index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := time.Duration(cfg.Query.IndexTTLSeconds) * time.Second
	total := s.client.Len()

	if s.idx != nil {
		drift := total - len(s.idx.entries)
		if drift == 0 && now.Sub(s.idx.builtAt) <= ttl {
			return s.idx, nil
		}
		if drift > 0 && drift <= cfg.Query.IndexRebuildThreshold && now.Sub(s.idx.builtAt) <= ttl {
			// Incremental: append the tail and extend postings.
			tail, err := s.client.ReadRange(len(s.idx.entries), total)
			if err != nil {
				s.idx = nil
				return nil, err
			}
			base := len(s.idx.entries)
			s.idx.entries = append(s.idx.entries, tail...)
			for i, en := range tail {
				for field, value := range fieldValues(en) {
					if value == "" {
						continue
					}
					m, ok := s.idx.byField[field]
					if !ok {
						m = make(map[string][]int)
						s.idx.byField[field] = m
					}
					m[value] = append(m[value], base+i)
				}
			}
			s.idx.builtAt = now
			return s.idx, nil
		}
	}

	entries, err := s.client.ReadAll()
	if err != nil {
		s.idx = nil
		return nil, err
	}
	s.idx = buildIndex(entries, now)
	return s.idx, nil
}

// candidates intersects index postings for the request's exact-match filters.
// Returns (nil, false) when no filter is indexable, meaning scan everything.
func (idx *index) candidates(req *Request) ([]int, bool) {
	filters := map[string]string{
		"agent_id":        req.AgentID,
		"agent_class":     req.AgentClass,
		"framework_id":    req.FrameworkID,
		"package_id":      req.PackageID,
		"work_order_id":   req.WorkOrderID,
		"session_id":      req.SessionID,
		"status":          req.Status,
		"parent_event_id": req.ParentEventID,
		"root_event_id":   req.RootEventID,
	}
	var postings [][]int
	for field, value := range filters {
		if value == "" {
			continue
		}
		postings = append(postings, idx.byField[field][value])
	}
	if len(req.EventTypes) == 1 {
		postings = append(postings, idx.byField["event_type"][req.EventTypes[0]])
	}
	if len(postings) == 0 {
		return nil, false
	}
	// Intersect starting from the smallest posting list.
	sort.Slice(postings, func(i, j int) bool { return len(postings[i]) < len(postings[j]) })
	result := postings[0]
	for _, p := range postings[1:] {
		set := make(map[int]struct{}, len(p))
		for _, i := range p {
			set[i] = struct{}{}
		}
		kept := result[:0:0]
		for _, i := range result {
			if _, ok := set[i]; ok {
				kept = append(kept, i)
			}
		}
		result = kept
	}
	return result, true
}

func matches(en *ledger.Entry, req *Request, b bounds) bool {
	fv := fieldValues(en)
	for field, want := range map[string]string{
		"agent_id":        req.AgentID,
		"agent_class":     req.AgentClass,
		"framework_id":    req.FrameworkID,
		"package_id":      req.PackageID,
		"work_order_id":   req.WorkOrderID,
		"session_id":      req.SessionID,
		"status":          req.Status,
		"parent_event_id": req.ParentEventID,
		"root_event_id":   req.RootEventID,
	} {
		if want != "" && fv[field] != want {
			return false
		}
	}
	if len(req.EventTypes) > 0 {
		found := false
		for _, et := range req.EventTypes {
			if en.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.MinQualitySignal != nil && en.Metadata.Outcome.QualitySignal < *req.MinQualitySignal {
		return false
	}
	if len(req.DomainTags) > 0 {
		have := make(map[string]struct{}, len(en.Metadata.Scope.DomainTags))
		for _, tag := range en.Metadata.Scope.DomainTags {
			have[tag] = struct{}{}
		}
		for _, tag := range req.DomainTags {
			if _, ok := have[tag]; !ok {
				return false
			}
		}
	}
	if b.pinSession && en.Metadata.Provenance.SessionID != req.SessionID {
		return false
	}
	if b.hasSince || b.hasUntil {
		ts, err := time.Parse(time.RFC3339Nano, en.Timestamp)
		if err != nil {
			return false
		}
		if b.hasSince && ts.Before(b.since) {
			return false
		}
		if b.hasUntil && ts.After(b.until) {
			return false
		}
	}
	return true
}

// Query runs one request across the requested tiers.
func (e *Engine) Query(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Query.QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	b, err := e.resolveBounds(req)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > e.cfg.Query.MaxPageSize {
		limit = e.cfg.Query.MaxPageSize
	}

	e.mu.RLock()
	sources := make([]*source, 0, len(e.sources))
	for _, s := range e.sources {
		if len(req.Tiers) > 0 && !containsString(req.Tiers, s.tier) {
			continue
		}
		sources = append(sources, s)
	}
	e.mu.RUnlock()

	now := e.now()
	perTier := make([][]*ledger.Entry, 0, len(sources))
	tiersSearched := make(map[string]struct{})
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		idx, err := s.snapshot(e.cfg, now)
		if err != nil {
			return nil, fmt.Errorf("query: tier %s: %w", s.tier, err)
		}
		tiersSearched[s.tier] = struct{}{}

		var matched []*ledger.Entry
		if cand, ok := idx.candidates(req); ok {
			for _, i := range cand {
				if matches(idx.entries[i], req, b) {
					matched = append(matched, idx.entries[i])
				}
			}
		} else {
			for _, en := range idx.entries {
				if matches(en, req, b) {
					matched = append(matched, en)
				}
			}
		}
		perTier = append(perTier, matched)
	}

	all := mergeByTimestamp(perTier)
	switch req.Sort {
	case SortTimestampAsc:
		reverse(all)
	case SortQualityDesc:
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Metadata.Outcome.QualitySignal > all[j].Metadata.Outcome.QualitySignal
		})
	case SortTimestampDesc, "":
	default:
		return nil, fmt.Errorf("query: unknown sort %q", req.Sort)
	}

	res := &Result{Total: len(all), TiersSearched: sortedKeys(tiersSearched)}

	if req.Aggregate != "" {
		agg, err := aggregate(all, req)
		if err != nil {
			return nil, err
		}
		res.Aggregation = agg
	}

	start := req.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	res.Entries = all[start:end]
	return res, nil
}

func entryTime(en *ledger.Entry) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, en.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// mergeByTimestamp k-way merges per-tier slices (each already ascending by
// append order) into one descending-by-timestamp slice.
func mergeByTimestamp(perTier [][]*ledger.Entry) []*ledger.Entry {
	// Cursors start at each tail; every step takes the latest head.
	cursors := make([]int, len(perTier))
	total := 0
	for i, list := range perTier {
		cursors[i] = len(list) - 1
		total += len(list)
	}
	out := make([]*ledger.Entry, 0, total)
	for {
		best := -1
		for i, c := range cursors {
			if c < 0 {
				continue
			}
			if best == -1 || entryTime(perTier[i][c]).After(entryTime(perTier[best][cursors[best]])) {
				best = i
			}
		}
		if best == -1 {
			return out
		}
		out = append(out, perTier[best][cursors[best]])
		cursors[best]--
	}
}

func aggregate(entries []*ledger.Entry, req *Request) (*Aggregation, error) {
	agg := &Aggregation{Kind: req.Aggregate}
	switch req.Aggregate {
	case AggCount:
		agg.Count = len(entries)
	case AggTokenSum:
		for _, en := range entries {
			if fp := en.Metadata.ContextFingerprint; fp != nil && fp.TokensUsed != nil {
				agg.TokenSum += fp.TokensUsed.Input + fp.TokensUsed.Output
			}
		}
	case AggQualityAvg:
		n := 0
		sum := 0.0
		for _, en := range entries {
			if en.Metadata.Outcome.QualitySignal != 0 {
				sum += en.Metadata.Outcome.QualitySignal
				n++
			}
		}
		if n > 0 {
			agg.QualityAvg = sum / float64(n)
		}
	case AggGroupBy:
		if req.GroupByField == "" {
			return nil, fmt.Errorf("query: group_by requires group_by_field")
		}
		agg.Groups = make(map[string]int)
		for _, en := range entries {
			v := fieldValues(en)[req.GroupByField]
			if v == "" {
				v = "(none)"
			}
			agg.Groups[v]++
		}
	default:
		return nil, fmt.Errorf("query: unknown aggregate %q", req.Aggregate)
	}
	return agg, nil
}

// QueryProvenance returns every entry produced under one work order.
func (e *Engine) QueryProvenance(ctx context.Context, workOrderID string) (*Result, error) {
	return e.Query(ctx, &Request{WorkOrderID: workOrderID, Sort: SortTimestampAsc})
}

// QueryAgentHistory returns an agent's most recent entries.
func (e *Engine) QueryAgentHistory(ctx context.Context, agentID string, limit int) (*Result, error) {
	return e.Query(ctx, &Request{AgentID: agentID, Limit: limit})
}

// QuerySession returns all entries for a session in causal order.
func (e *Engine) QuerySession(ctx context.Context, sessionID string) (*Result, error) {
	return e.Query(ctx, &Request{SessionID: sessionID, Sort: SortTimestampAsc})
}

// QueryOutcomes returns outcome-bearing entries for a framework since a bound.
func (e *Engine) QueryOutcomes(ctx context.Context, frameworkID, since string) (*Result, error) {
	return e.Query(ctx, &Request{
		FrameworkID: frameworkID,
		Since:       since,
		EventTypes:  []string{ledger.EventWOCompleted, ledger.EventWOFailed, ledger.EventWOQualityGate},
	})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func reverse(entries []*ledger.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
