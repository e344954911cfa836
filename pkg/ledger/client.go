package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/merkle"
)

// ErrWriteFailed is the system-unsafe ledger write error. Callers must abort
// the surrounding operation without committing adjacent state.
var ErrWriteFailed = errors.New("LEDGER_WRITE_FAILED")

// ChainBreak describes the first point where chain verification failed.
type ChainBreak struct {
	Segment  string
	Position int // global entry index
	EntryID  string
	Reason   string
}

// Options controls segment rotation.
type Options struct {
	MaxSegmentBytes   int64
	MaxSegmentEntries int
	Clock             func() time.Time
}

// Client appends to and reads one logical ledger. A logical path
// <dir>/<name>.jsonl maps to physical segments <dir>/<name>.NNNNN.jsonl;
// the first entry of a non-zero segment carries the prior segment's terminal
// entry_hash as its previous_hash.
type Client struct {
	mu   sync.Mutex
	dir  string
	stem string
	opts Options

	segIndex   int
	segEntries int
	segBytes   int64
	lastHash   string
	total      int
}

// Open creates or resumes a ledger at the logical path.
func Open(logicalPath string, opts Options) (*Client, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 1 << 20
	}
	if opts.MaxSegmentEntries <= 0 {
		opts.MaxSegmentEntries = 10000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	dir := filepath.Dir(logicalPath)
	stem := strings.TrimSuffix(filepath.Base(logicalPath), ".jsonl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: creating %s: %w", dir, err)
	}

	c := &Client{dir: dir, stem: stem, opts: opts}
	if err := c.resume(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) segmentPath(index int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.%05d.jsonl", c.stem, index))
}

// Segments returns existing segment paths in rotation order.
func (c *Client) Segments() ([]string, error) {
	pattern := filepath.Join(c.dir, c.stem+".*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *Client) resume() error {
	segments, err := c.Segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		c.segIndex = 0
		return nil
	}

	last := segments[len(segments)-1]
	if _, err := fmt.Sscanf(filepath.Base(last), c.stem+".%05d.jsonl", &c.segIndex); err != nil {
		return fmt.Errorf("ledger: unparseable segment name %s: %w", last, err)
	}

	for i, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return err
		}
		c.total += len(entries)
		if i == len(segments)-1 {
			c.segEntries = len(entries)
			if info, err := os.Stat(seg); err == nil {
				c.segBytes = info.Size()
			}
		}
		if len(entries) > 0 {
			c.lastHash = entries[len(entries)-1].EntryHash
		}
	}
	return nil
}

// Append seals and writes an entry, returning its entry_id. The write is
// atomic with respect to readers: the full line is buffered and fsynced
// before Append returns. Any failure surfaces ErrWriteFailed and commits
// nothing.
func (c *Client) Append(ctx context.Context, e *Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = c.opts.Clock().UTC().Format(time.RFC3339Nano)
	}
	if e.EventType == "" {
		return "", fmt.Errorf("%w: entry missing event_type", ErrWriteFailed)
	}

	if err := e.Seal(c.lastHash); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	line, err := canonicalize.JCS(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	line = append(line, '\n')

	if c.segEntries >= c.opts.MaxSegmentEntries ||
		(c.segBytes > 0 && c.segBytes+int64(len(line)) > c.opts.MaxSegmentBytes) {
		c.segIndex++
		c.segEntries = 0
		c.segBytes = 0
	}

	path := c.segmentPath(c.segIndex)
	if err := c.writeLocked(path, line); err != nil {
		return "", err
	}

	c.lastHash = e.EntryHash
	c.segEntries++
	c.segBytes += int64(len(line))
	c.total++
	return e.EntryID, nil
}

// writeLocked appends one line under an advisory file lock and fsyncs.
func (c *Client) writeLocked(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrWriteFailed, path, err)
	}
	defer f.Close()

	if err := flock(f); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrWriteFailed, path, err)
	}
	defer funlock(f)

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrWriteFailed, path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrWriteFailed, path, err)
	}
	return nil
}

func readSegment(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("ledger: %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, &e)
	}
	return entries, scanner.Err()
}

// ReadAll returns every entry across all segments in write order.
func (c *Client) ReadAll() ([]*Entry, error) {
	segments, err := c.Segments()
	if err != nil {
		return nil, err
	}
	var all []*Entry
	for _, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// ReadRange returns entries with global index in [start, end).
func (c *Client) ReadRange(start, end int) ([]*Entry, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("ledger: invalid range [%d, %d)", start, end)
	}
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	if start >= len(all) {
		return nil, nil
	}
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// ReadRecent returns the last n entries in write order.
func (c *Client) ReadRecent(n int) ([]*Entry, error) {
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	if n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// QueryByEventType returns entries matching the event type, in write order.
func (c *Client) QueryByEventType(eventType string) ([]*Entry, error) {
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the committed entry count.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// LastHash returns the terminal entry hash of the chain.
func (c *Client) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// VerifyChain replays every segment, recomputing each entry hash and checking
// hash links within and across segments. Corruption is reported, never
// repaired.
func (c *Client) VerifyChain() (bool, *ChainBreak, error) {
	segments, err := c.Segments()
	if err != nil {
		return false, nil, err
	}

	prevHash := ""
	position := 0
	for _, seg := range segments {
		entries, err := readSegment(seg)
		if err != nil {
			return false, &ChainBreak{Segment: seg, Position: position, Reason: err.Error()}, nil
		}
		for _, e := range entries {
			if e.PreviousHash != prevHash {
				return false, &ChainBreak{
					Segment: seg, Position: position, EntryID: e.EntryID,
					Reason: fmt.Sprintf("previous_hash %s does not match prior entry_hash %s", e.PreviousHash, prevHash),
				}, nil
			}
			recomputed, err := e.ComputeHash()
			if err != nil {
				return false, &ChainBreak{Segment: seg, Position: position, EntryID: e.EntryID, Reason: err.Error()}, nil
			}
			if recomputed != e.EntryHash {
				return false, &ChainBreak{
					Segment: seg, Position: position, EntryID: e.EntryID,
					Reason: "entry_hash does not match canonical recomputation",
				}, nil
			}
			prevHash = e.EntryHash
			position++
		}
	}
	return true, nil, nil
}

// MerkleRoot summarizes the whole chain as a Merkle root over entry hashes.
// Two planes with equal roots hold byte-identical histories. An empty ledger
// has an empty root.
func (c *Client) MerkleRoot() (string, error) {
	entries, err := c.ReadAll()
	if err != nil {
		return "", err
	}
	ids := make([]string, len(entries))
	hashes := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
		hashes[i] = e.EntryHash
	}
	tree, err := merkle.Build(ids, hashes)
	if err != nil {
		return "", err
	}
	return tree.Root, nil
}
