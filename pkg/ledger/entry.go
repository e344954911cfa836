// Package ledger implements the append-only, hash-chained JSONL ledgers that
// record every kernel state transition. One Client owns one logical ledger,
// physically stored as rotated segment files <name>.NNNNN.jsonl.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
)

// Event types written by the kernel. New event types are data, not code:
// the ledger stores whatever the tiers emit.
const (
	EventSessionStarted      = "SESSION_STARTED"
	EventSessionEnded        = "SESSION_ENDED"
	EventWOPlanned           = "WO_PLANNED"
	EventWODispatched        = "WO_DISPATCHED"
	EventWOExecuting         = "WO_EXECUTING"
	EventWOCompleted         = "WO_COMPLETED"
	EventWOFailed            = "WO_FAILED"
	EventWOChainComplete     = "WO_CHAIN_COMPLETE"
	EventWOQualityGate       = "WO_QUALITY_GATE"
	EventLLMCall             = "LLM_CALL"
	EventToolCall            = "TOOL_CALL"
	EventPromptSent          = "PROMPT_SENT"
	EventPromptReceived      = "PROMPT_RECEIVED"
	EventCapabilityViolation = "CAPABILITY_VIOLATION"
	EventInstallStarted      = "INSTALL_STARTED"
	EventInstalled           = "INSTALLED"
	EventInstallFailed       = "INSTALL_FAILED"
	EventDegraded            = "DEGRADED"
	EventCancelled           = "CANCELLED"
)

// Provenance identifies who produced an entry.
type Provenance struct {
	AgentID     string `json:"agent_id,omitempty"`
	AgentClass  string `json:"agent_class,omitempty"`
	FrameworkID string `json:"framework_id,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Scope carries the originating tier and optional domain tags.
type Scope struct {
	Tier       string   `json:"tier"`
	DomainTags []string `json:"domain_tags,omitempty"`
}

// Artifact is a (type, id) reference resolved via registries.
type Artifact struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relational links an entry into its causal chain.
type Relational struct {
	ParentEventID    string     `json:"parent_event_id,omitempty"`
	RootEventID      string     `json:"root_event_id,omitempty"`
	RelatedArtifacts []Artifact `json:"related_artifacts,omitempty"`
}

// Outcome records the result of the action the entry describes.
type Outcome struct {
	Status        string  `json:"status,omitempty"`
	QualitySignal float64 `json:"quality_signal,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// TokenUsage mirrors provider-reported token counts.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ContextFingerprint binds an entry to the exact context and model it saw.
type ContextFingerprint struct {
	ContextHash  string      `json:"context_hash,omitempty"`
	PromptPackID string      `json:"prompt_pack_id,omitempty"`
	TokensUsed   *TokenUsage `json:"tokens_used,omitempty"`
	ModelID      string      `json:"model_id,omitempty"`
}

// Metadata groups the namespaced entry fields.
type Metadata struct {
	Provenance         Provenance          `json:"provenance"`
	Scope              Scope               `json:"scope"`
	Relational         Relational          `json:"relational"`
	Outcome            Outcome             `json:"outcome"`
	ContextFingerprint *ContextFingerprint `json:"context_fingerprint,omitempty"`
	Detail             map[string]any      `json:"detail,omitempty"`
}

// Entry is one immutable ledger record.
//
// Invariant: EntryHash = SHA256(canonicalize(entry without entry_hash)), and
// PreviousHash equals the prior entry's EntryHash within the same segment
// chain.
type Entry struct {
	EntryID      string   `json:"entry_id"`
	EventType    string   `json:"event_type"`
	Timestamp    string   `json:"timestamp"`
	PreviousHash string   `json:"previous_hash"`
	EntryHash    string   `json:"entry_hash,omitempty"`
	Metadata     Metadata `json:"metadata"`
}

// ComputeHash returns the canonical hash of the entry with entry_hash
// excluded.
func (e *Entry) ComputeHash() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal for hashing: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("ledger: unmarshal for hashing: %w", err)
	}
	delete(generic, "entry_hash")
	return canonicalize.CanonicalHash(generic)
}

// Seal sets PreviousHash and computes EntryHash.
func (e *Entry) Seal(previousHash string) error {
	e.PreviousHash = previousHash
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EntryHash = h
	return nil
}
