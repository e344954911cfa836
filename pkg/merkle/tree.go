// Package merkle builds Merkle trees over ledger entry hashes so segment
// files can be summarized and verified without replaying every entry.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain-separation prefixes. Leaf and node hashes must never collide.
const (
	leafPrefix = "bg:ledger:leaf:v1"
	nodePrefix = "bg:ledger:node:v1"
)

// Leaf is one hashed ledger entry in tree position order.
type Leaf struct {
	EntryID   string
	EntryHash string
	LeafHash  string
}

// Tree is a Merkle tree over an ordered run of ledger entries.
type Tree struct {
	Leaves []Leaf
	Levels [][]string
	Root   string
}

// Build constructs a tree from (entry_id, entry_hash) pairs in ledger order.
// An empty input yields a tree with an empty root.
func Build(entryIDs, entryHashes []string) (*Tree, error) {
	if len(entryIDs) != len(entryHashes) {
		return nil, fmt.Errorf("merkle: %d ids vs %d hashes", len(entryIDs), len(entryHashes))
	}
	if len(entryIDs) == 0 {
		return &Tree{Root: ""}, nil
	}

	leaves := make([]Leaf, len(entryIDs))
	for i := range entryIDs {
		leaves[i] = Leaf{
			EntryID:   entryIDs[i],
			EntryHash: entryHashes[i],
			LeafHash:  leafHash(entryIDs[i], entryHashes[i]),
		}
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}

	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Proof is an inclusion path from a leaf to the root.
type Proof struct {
	LeafHash string
	Path     []ProofStep
}

// ProofStep is one sibling hash on the way up.
type ProofStep struct {
	Hash string
	Left bool // sibling is on the left
}

// Prove returns the inclusion proof for the leaf at index i.
func (t *Tree) Prove(i int) (*Proof, error) {
	if i < 0 || i >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range", i)
	}
	proof := &Proof{LeafHash: t.Leaves[i].LeafHash}
	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibIdx := idx ^ 1
		sib := level[len(level)-1] // odd level: duplicated last
		if sibIdx < len(level) {
			sib = level[sibIdx]
		}
		proof.Path = append(proof.Path, ProofStep{Hash: sib, Left: idx%2 == 1})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a proof.
func (p *Proof) Verify(root string) bool {
	h := p.LeafHash
	for _, step := range p.Path {
		if step.Left {
			h = nodeHash(step.Hash, h)
		} else {
			h = nodeHash(h, step.Hash)
		}
	}
	return h == root
}

func leafHash(entryID, entryHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(entryID)
	buf.WriteByte(0)
	buf.WriteString(entryHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
