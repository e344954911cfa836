package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testEntry(eventType, tier string) *Entry {
	return &Entry{
		EventType: eventType,
		Metadata: Metadata{
			Provenance: Provenance{SessionID: "SES-test", AgentClass: "admin"},
			Scope:      Scope{Tier: tier},
		},
	}
}

func openTest(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "worker.jsonl"), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c
}

func TestAppend_ChainsHashes(t *testing.T) {
	c := openTest(t, Options{})
	ctx := context.Background()

	id1, err := c.Append(ctx, testEntry(EventWOPlanned, "ho2"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 == "" {
		t.Fatal("empty entry id")
	}
	if _, err := c.Append(ctx, testEntry(EventWODispatched, "ho2")); err != nil {
		t.Fatal(err)
	}

	entries, err := c.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].PreviousHash != "" {
		t.Errorf("first previous_hash = %q, want empty", entries[0].PreviousHash)
	}
	if entries[1].PreviousHash != entries[0].EntryHash {
		t.Error("chain link broken between entries")
	}

	ok, brk, err := c.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("verify failed at %+v", brk)
	}
}

func TestAppend_RejectsMissingEventType(t *testing.T) {
	c := openTest(t, Options{})
	_, err := c.Append(context.Background(), &Entry{})
	if err == nil || !strings.Contains(err.Error(), "LEDGER_WRITE_FAILED") {
		t.Errorf("err = %v, want LEDGER_WRITE_FAILED", err)
	}
}

func TestSegmentRotation_CarriesTerminalHash(t *testing.T) {
	c := openTest(t, Options{MaxSegmentEntries: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Append(ctx, testEntry(EventLLMCall, "ho1")); err != nil {
			t.Fatal(err)
		}
	}

	segments, err := c.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	if !strings.HasSuffix(segments[1], ".00001.jsonl") {
		t.Errorf("segment name = %s", segments[1])
	}

	// First entry of segment 1 must carry segment 0's terminal hash.
	seg0, _ := readSegment(segments[0])
	seg1, _ := readSegment(segments[1])
	if seg1[0].PreviousHash != seg0[len(seg0)-1].EntryHash {
		t.Error("non-zero segment does not embed prior segment terminal hash")
	}

	ok, brk, err := c.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("verify failed at %+v", brk)
	}
}

func TestResume_ContinuesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workorder.jsonl")
	ctx := context.Background()

	c1, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c1.Append(ctx, testEntry(EventWOPlanned, "ho2")); err != nil {
		t.Fatal(err)
	}
	lastHash := c1.LastHash()

	c2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c2.LastHash() != lastHash {
		t.Error("resumed client lost terminal hash")
	}
	if _, err := c2.Append(ctx, testEntry(EventWODispatched, "ho2")); err != nil {
		t.Fatal(err)
	}

	ok, brk, _ := c2.VerifyChain()
	if !ok {
		t.Fatalf("verify failed after resume at %+v", brk)
	}
	if c2.Len() != 2 {
		t.Errorf("len = %d", c2.Len())
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governance.jsonl")
	ctx := context.Background()

	c, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Append(ctx, testEntry(EventInstalled, "hot")); err != nil {
			t.Fatal(err)
		}
	}

	// Tamper with the middle entry on disk.
	segments, _ := c.Segments()
	data, _ := os.ReadFile(segments[0])
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var middle map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &middle); err != nil {
		t.Fatal(err)
	}
	middle["event_type"] = "FORGED"
	forged, _ := json.Marshal(middle)
	lines[1] = string(forged)
	if err := os.WriteFile(segments[0], []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, brk, err := c.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered chain verified")
	}
	if brk == nil || brk.Position != 1 {
		t.Errorf("break = %+v, want position 1", brk)
	}
}

func TestReadHelpers(t *testing.T) {
	c := openTest(t, Options{})
	ctx := context.Background()

	for _, et := range []string{EventWOPlanned, EventLLMCall, EventLLMCall, EventWOCompleted} {
		if _, err := c.Append(ctx, testEntry(et, "ho1")); err != nil {
			t.Fatal(err)
		}
	}

	ranged, err := c.ReadRange(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 2 || ranged[0].EventType != EventLLMCall {
		t.Errorf("range = %d entries", len(ranged))
	}

	recent, err := c.ReadRecent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[1].EventType != EventWOCompleted {
		t.Errorf("recent tail = %v", recent)
	}

	calls, err := c.QueryByEventType(EventLLMCall)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Errorf("llm calls = %d", len(calls))
	}
}

func TestMerkleRoot_SummarizesChain(t *testing.T) {
	c := openTest(t, Options{})
	ctx := context.Background()

	empty, err := c.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}
	if empty != "" {
		t.Errorf("empty ledger root = %q, want empty", empty)
	}

	if _, err := c.Append(ctx, testEntry(EventWOPlanned, "ho2")); err != nil {
		t.Fatal(err)
	}
	one, err := c.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}
	if one == "" {
		t.Fatal("root empty after append")
	}

	if _, err := c.Append(ctx, testEntry(EventWODispatched, "ho2")); err != nil {
		t.Fatal(err)
	}
	two, err := c.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}
	if two == one {
		t.Error("root unchanged after second append")
	}
}
