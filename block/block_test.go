package block

import (
	"testing"

	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/tile"
)

func TestTotalFlopsAndIO(t *testing.T) {
	a := &instr.Instruction{Op: instr.LOAD, ReadSize: 100}
	b := &instr.Instruction{Op: instr.CHOL, Flops: 42}
	c := &instr.Instruction{Op: instr.STORE, WriteSize: 50}
	blk := New(0, "b", a, b, c)

	if got := blk.TotalFlops(); got != 42 {
		t.Fatalf("total flops = %v, want 42", got)
	}
	read, write := blk.TotalIO()
	if read != 100 || write != 50 {
		t.Fatalf("total io = read=%d write=%d, want read=100 write=50", read, write)
	}
}

func TestClearDropsTransientState(t *testing.T) {
	a := &instr.Instruction{Op: instr.LOAD, Result: tile.NewDense(1, 1)}
	a.MarkRan()
	blk := New(0, "b", a)
	blk.Clear()
	if a.Result != nil {
		t.Fatalf("expected Clear to drop instruction result")
	}
	if a.Ran() {
		t.Fatalf("expected Clear to reset replay guard")
	}
}

func TestAutoLabelIsUnique(t *testing.T) {
	b1 := New(0, "", &instr.Instruction{Op: instr.BARRIER})
	b2 := New(1, "", &instr.Instruction{Op: instr.BARRIER})
	if b1.Label == "" || b2.Label == "" {
		t.Fatalf("expected auto-generated labels, got %q and %q", b1.Label, b2.Label)
	}
	if b1.Label == b2.Label {
		t.Fatalf("expected distinct auto-generated labels")
	}
}
