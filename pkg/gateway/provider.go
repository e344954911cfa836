// Package gateway routes every LLM call in the system through one pipeline:
// auth, budget, circuit breaker, dispatch, ledger pre/post logging, debit.
// Callers must inspect PromptResponse.Outcome; rejection paths always carry
// empty content.
package gateway

import (
	"context"

	"github.com/rabruni/Brain-Garden-sub005/pkg/contract"
)

// Usage mirrors provider-reported token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// SendOptions bound one provider call.
type SendOptions struct {
	TimeoutMs int64
	ModelID   string
	DevMode   bool
}

// ProviderResponse is the raw provider result.
type ProviderResponse struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
	Error        string `json:"error,omitempty"`
}

// Provider is the external LLM backend. Implementations live outside the
// kernel; dispatch aborts best-effort when ctx is cancelled.
type Provider interface {
	Send(ctx context.Context, prompt string, c *contract.Contract, opts SendOptions) (*ProviderResponse, error)
}
