package instr

import (
	"testing"

	"github.com/swarmguard/lambdapack/tile"
)

// TestComputeFlopsFormulas pins down the exact FLOPs accounting from
// spec §4.7: property test 4 (program.flops == sum of block flops)
// depends on these being exact, not approximate.
func TestComputeFlopsFormulas(t *testing.T) {
	chol := &Instruction{Op: CHOL}
	chol.ComputeFlops(2, 0, 0, 0)
	if want := 8.0/3.0 + 4.0/3.0; chol.Flops != want {
		t.Fatalf("CHOL(2x2) flops = %v, want %v", chol.Flops, want)
	}

	trsm := &Instruction{Op: TRSM}
	trsm.ComputeFlops(2, 2, 3, 0)
	if trsm.Flops != 12 {
		t.Fatalf("TRSM(m=2,n=2,k=3) flops = %v, want 12", trsm.Flops)
	}

	syrk := &Instruction{Op: SYRK}
	syrk.ComputeFlops(2, 0, 1, 4)
	if syrk.Flops != 12 {
		t.Fatalf("SYRK(m=2,k=1,size(C)=4) flops = %v, want 12", syrk.Flops)
	}

	load := &Instruction{Op: LOAD}
	load.ComputeFlops(5, 5, 5, 0)
	if load.Flops != 0 {
		t.Fatalf("LOAD should carry no flops, got %v", load.Flops)
	}
}

func TestRanMarkRanClear(t *testing.T) {
	i := &Instruction{ID: "x", Op: LOAD}
	if i.Ran() {
		t.Fatalf("fresh instruction should not be marked ran")
	}
	i.MarkRan()
	if !i.Ran() {
		t.Fatalf("expected Ran() true after MarkRan")
	}
	i.Result = tile.NewDense(1, 1)
	i.Clear()
	if i.Ran() {
		t.Fatalf("expected Clear to reset the replay guard")
	}
	if i.Result != nil {
		t.Fatalf("expected Clear to drop the transient result")
	}
}
