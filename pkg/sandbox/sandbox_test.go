package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/workorder"
)

func testLayout(t *testing.T) *layout.Layout {
	t.Helper()
	return layout.New(t.TempDir())
}

func TestEnterRedirectsTempAndExitRestores(t *testing.T) {
	lay := testLayout(t)

	orig := os.Getenv("TMPDIR")
	t.Setenv("TMPDIR", "/original/tmpdir")

	sb, err := Enter(lay, "SES-1", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, sb.TmpRoot, os.Getenv("TMPDIR"))
	assert.Equal(t, sb.TmpRoot, os.Getenv("TEMP"))
	assert.Equal(t, sb.TmpRoot, os.Getenv("TMP"))
	assert.Equal(t, "1", os.Getenv("PYTHONDONTWRITEBYTECODE"))
	assert.DirExists(t, sb.TmpRoot)
	assert.DirExists(t, sb.OutRoot)

	sb.Exit()
	assert.Equal(t, "/original/tmpdir", os.Getenv("TMPDIR"))
	_ = orig
}

func TestVerifyWrites_ExactMatch(t *testing.T) {
	lay := testLayout(t)
	sb, err := Enter(lay, "SES-2", []DeclaredOutput{
		{Path: "report.md", Role: "primary"},
		{Path: "data/summary.json", Role: "aux"},
	}, nil)
	require.NoError(t, err)
	defer sb.Exit()

	require.NoError(t, os.MkdirAll(filepath.Join(sb.OutRoot, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sb.OutRoot, "report.md"), []byte("# done"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.OutRoot, "data/summary.json"), []byte("{}"), 0o644))

	res, err := sb.VerifyWrites(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
	require.Len(t, res.Realized, 2)
	assert.NotEmpty(t, res.Realized[0].Hash)
}

func TestVerifyWrites_FailClosed(t *testing.T) {
	lay := testLayout(t)
	evidence, err := ledger.Open(filepath.Join(t.TempDir(), "evidence.jsonl"), ledger.Options{})
	require.NoError(t, err)

	sb, err := Enter(lay, "SES-3", []DeclaredOutput{{Path: "expected.txt", Role: "primary"}}, evidence)
	require.NoError(t, err)
	defer sb.Exit()

	// Declared file missing, undeclared file present: both violations.
	require.NoError(t, os.WriteFile(filepath.Join(sb.OutRoot, "rogue.txt"), []byte("oops"), 0o644))

	res, err := sb.VerifyWrites(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "missing_declared", res.Violations[0].Kind)
	assert.Equal(t, "expected.txt", res.Violations[0].Path)
	assert.Equal(t, "undeclared_write", res.Violations[1].Kind)

	entries, err := evidence.QueryByEventType(ledger.EventCapabilityViolation)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CAPABILITY_VIOLATION", entries[0].Metadata.Outcome.Error)
	assert.Equal(t, "SES-3", entries[0].Metadata.Provenance.SessionID)
}

func TestVerifyWrites_TmpIsScratchButInspected(t *testing.T) {
	lay := testLayout(t)
	sb, err := Enter(lay, "SES-4", nil, nil)
	require.NoError(t, err)
	defer sb.Exit()

	// Scratch files in tmp never count against the write surface, but the
	// walk still records and hashes them.
	require.NoError(t, os.WriteFile(filepath.Join(sb.TmpRoot, "scratch.tmp"), []byte("x"), 0o644))

	res, err := sb.VerifyWrites(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Realized)
	require.Len(t, res.Scratch, 1)
	assert.Equal(t, "scratch.tmp", res.Scratch[0].Path)
	assert.NotEmpty(t, res.Scratch[0].Hash)
}

func TestPromote_RefusesOnViolation(t *testing.T) {
	lay := testLayout(t)
	sb, err := Enter(lay, "SES-5", []DeclaredOutput{{Path: "ok.txt", Role: "primary"}}, nil)
	require.NoError(t, err)
	defer sb.Exit()

	require.NoError(t, os.WriteFile(filepath.Join(sb.OutRoot, "ok.txt"), []byte("fine"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.OutRoot, "extra.txt"), []byte("rogue"), 0o644))

	finalDir := t.TempDir()
	err = sb.Promote(context.Background(), finalDir)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(finalDir, "ok.txt"), "nothing promotes on violation")

	// Remove the rogue write and promotion succeeds.
	require.NoError(t, os.Remove(filepath.Join(sb.OutRoot, "extra.txt")))
	require.NoError(t, sb.Promote(context.Background(), finalDir))
	assert.FileExists(t, filepath.Join(finalDir, "ok.txt"))
}

func TestWasmTool_MissingModule(t *testing.T) {
	lay := testLayout(t)
	sb, err := Enter(lay, "SES-6", nil, nil)
	require.NoError(t, err)
	defer sb.Exit()

	tr := NewToolRunner(context.Background())
	defer tr.Close(context.Background())

	tool := &WasmTool{Runner: tr, Box: sb, Path: filepath.Join(t.TempDir(), "missing.wasm")}
	_, err = tool.Invoke(context.Background(), []string{"-l"}, workorder.InputContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.wasm")
}
