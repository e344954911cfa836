package merkle

import "testing"

func hashes(n int) ([]string, []string) {
	ids := make([]string, n)
	hs := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = string(rune('a' + i))
		hs[i] = sha256Hex([]byte{byte(i)})
	}
	return ids, hs
}

func TestBuild_Empty(t *testing.T) {
	tree, err := Build(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Root != "" {
		t.Errorf("empty tree root = %q", tree.Root)
	}
}

func TestBuild_SingleLeaf(t *testing.T) {
	ids, hs := hashes(1)
	tree, err := Build(ids, hs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Root != tree.Leaves[0].LeafHash {
		t.Errorf("single-leaf root should equal leaf hash")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	ids, hs := hashes(5)
	t1, _ := Build(ids, hs)
	t2, _ := Build(ids, hs)
	if t1.Root != t2.Root {
		t.Error("roots differ for identical input")
	}

	// Changing one entry hash must change the root.
	hs[2] = sha256Hex([]byte("tampered"))
	t3, _ := Build(ids, hs)
	if t3.Root == t1.Root {
		t.Error("root unchanged after leaf tamper")
	}
}

func TestBuild_MismatchedInput(t *testing.T) {
	if _, err := Build([]string{"a"}, nil); err == nil {
		t.Error("expected error for mismatched input lengths")
	}
}

func TestProof_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 8} {
		ids, hs := hashes(n)
		tree, err := Build(ids, hs)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Prove(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !proof.Verify(tree.Root) {
				t.Errorf("n=%d i=%d: proof did not verify", n, i)
			}
			if proof.Verify(sha256Hex([]byte("wrong"))) {
				t.Errorf("n=%d i=%d: proof verified against wrong root", n, i)
			}
		}
	}
}

func TestProve_OutOfRange(t *testing.T) {
	ids, hs := hashes(2)
	tree, _ := Build(ids, hs)
	if _, err := tree.Prove(5); err == nil {
		t.Error("expected out-of-range error")
	}
}
