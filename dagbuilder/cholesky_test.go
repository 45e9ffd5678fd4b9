package dagbuilder

import "testing"

// TestBuildCholeskySingleBlock covers spec scenario S2: a 1x1 tile
// matrix produces exactly one compute block (the diagonal factorization)
// before the program package appends its synthetic EXIT block.
func TestBuildCholeskySingleBlock(t *testing.T) {
	blocks := BuildCholesky("m", 1, 2)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block for a single-tile matrix, got %d", len(blocks))
	}
	if blocks[0].Label != "chol-0" {
		t.Fatalf("expected the sole block to be the diagonal factorization, got %q", blocks[0].Label)
	}
}

// TestBuildCholesky2x2 covers spec scenario S1: a 2-block-by-2-block
// matrix produces exactly 4 blocks (1 local chol, 1 column update, 1
// low-rank update) before EXIT is appended.
func TestBuildCholesky2x2(t *testing.T) {
	blocks := BuildCholesky("m", 2, 2)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 compute blocks for a 2x2 tile matrix, got %d", len(blocks))
	}

	wantLabels := map[string]bool{"chol-0": false, "trsm-1-0": false, "syrk-1-1-0": false}
	for _, b := range blocks {
		if _, ok := wantLabels[b.Label]; !ok {
			t.Fatalf("unexpected block label %q", b.Label)
		}
		wantLabels[b.Label] = true
	}
	for label, seen := range wantLabels {
		if !seen {
			t.Fatalf("expected a block labeled %q", label)
		}
	}
}

// TestBuildCholeskyIDsAreSequential ensures the builder hands the
// program package a topologically-consistent, densely-indexed block
// list, since Program.New does not re-sort its input.
func TestBuildCholeskyIDsAreSequential(t *testing.T) {
	blocks := BuildCholesky("m", 3, 2)
	for i, b := range blocks {
		if b.ID != i {
			t.Fatalf("block %d has ID %d, want %d", i, b.ID, i)
		}
	}
}
