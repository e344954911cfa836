package metering

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
)

func TestRecordAndTotals(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Record(ctx, Record{SessionID: "SES-A", WorkOrderID: "WO-SES-A-001", InputTokens: 40, OutputTokens: 12}))
	require.NoError(t, m.Record(ctx, Record{SessionID: "SES-A", WorkOrderID: "WO-SES-A-002", InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, m.Record(ctx, Record{SessionID: "SES-B", InputTokens: 7, OutputTokens: 3}))

	totals, err := m.SessionTotals(ctx, "SES-A")
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, 50, totals.InputTokens)
	assert.Equal(t, 17, totals.OutputTokens)
	assert.Equal(t, 67, totals.Total())

	assert.Error(t, m.Record(ctx, Record{InputTokens: 1}))
}

func TestRebuildFromLedger(t *testing.T) {
	dir := t.TempDir()
	lc, err := ledger.Open(filepath.Join(dir, "worker.jsonl"), ledger.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = lc.Append(ctx, &ledger.Entry{
		EventType: ledger.EventPromptReceived,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{SessionID: "SES-R", WorkOrderID: "WO-SES-R-001", AgentClass: "DEV"},
			Scope:      ledger.Scope{Tier: "ho1"},
			ContextFingerprint: &ledger.ContextFingerprint{
				ModelID:    "test-model",
				TokensUsed: &ledger.TokenUsage{Input: 20, Output: 7},
			},
		},
	})
	require.NoError(t, err)
	// A rejected call carries no usage and must not be metered.
	_, err = lc.Append(ctx, &ledger.Entry{
		EventType: ledger.EventPromptReceived,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{SessionID: "SES-R"},
			Scope:      ledger.Scope{Tier: "ho1"},
			Outcome:    ledger.Outcome{Status: "rejected", Error: "CIRCUIT_OPEN"},
		},
	})
	require.NoError(t, err)
	_, err = lc.Append(ctx, &ledger.Entry{
		EventType: ledger.EventWOCompleted,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{SessionID: "SES-R"},
			Scope:      ledger.Scope{Tier: "ho1"},
		},
	})
	require.NoError(t, err)

	m, err := Open(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	defer m.Close()

	// Stale rows disappear on rebuild.
	require.NoError(t, m.Record(ctx, Record{SessionID: "SES-STALE", InputTokens: 999, OutputTokens: 999}))

	require.NoError(t, m.Rebuild(ctx, lc))

	totals, err := m.SessionTotals(ctx, "SES-R")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Calls)
	assert.Equal(t, 27, totals.Total())

	stale, err := m.SessionTotals(ctx, "SES-STALE")
	require.NoError(t, err)
	assert.Zero(t, stale.Calls)
}
