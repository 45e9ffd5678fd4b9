// Package instr defines the instruction set executed inside one
// InstructionBlock: LOAD/STORE move tiles between the tile store and the
// local cache, CHOL/TRSM/SYRK/GEMM run dense-linear-algebra kernels over
// cached tiles, RET marks the synthetic EXIT block, and BARRIER is a
// no-op synchronization point. Executing RET is itself a no-op: the
// program's final status is written by the post-op of the EXIT block.
//
// Instructions are a tagged struct rather than an interface hierarchy:
// dispatch is a switch on OpCode, matching the rest of the scheduler's
// preference for flat data over polymorphism.
package instr

import (
	"time"

	"github.com/swarmguard/lambdapack/tile"
)

// OpCode identifies the instruction kind.
type OpCode int

const (
	LOAD OpCode = iota
	STORE
	CHOL
	TRSM
	SYRK
	GEMM
	RET
	BARRIER
)

func (op OpCode) String() string {
	switch op {
	case LOAD:
		return "LOAD"
	case STORE:
		return "STORE"
	case CHOL:
		return "CHOL"
	case TRSM:
		return "TRSM"
	case SYRK:
		return "SYRK"
	case GEMM:
		return "GEMM"
	case RET:
		return "RET"
	case BARRIER:
		return "BARRIER"
	default:
		return "UNKNOWN"
	}
}

// Instruction is one step of an InstructionBlock. Reads/Writes list the
// tile references it depends on or produces; dependency analysis in the
// program package only looks at these two slices, never at Op-specific
// fields, so every instruction kind must populate them faithfully.
type Instruction struct {
	ID    string
	Op    OpCode
	Reads []tile.Ref
	// Writes lists the tiles this instruction produces. The executor's
	// STORE and compute handlers only use the first entry. Program
	// construction rejects a tile written by more than one block; it does
	// not limit how many entries one instruction lists.
	Writes []tile.Ref

	// ReturnLoc is the program hash recorded on the EXIT block's RET.
	// Only set when Op == RET; the executor does not read it.
	ReturnLoc string

	// run guards against same-process replay: set true the first time
	// the executor begins running this instruction, checked before any
	// re-entry from a redelivered queue message (spec: re-execution is
	// tolerated, but the in-process half of a block must never run an
	// instruction a second time on the same worker).
	run bool

	StartTime time.Time
	EndTime   time.Time
	RetCode   int

	ReadSize  int64
	WriteSize int64
	Flops     float64

	// Result is the transient in-memory payload (a loaded/produced
	// tile.Dense). It is cleared once the owning block finishes so a
	// completed block doesn't pin tile memory for the lifetime of the
	// worker process.
	Result *tile.Dense
}

// Ran reports whether this instruction has already started executing in
// this process.
func (i *Instruction) Ran() bool { return i.run }

// MarkRan flags the instruction as started; idempotent.
func (i *Instruction) MarkRan() { i.run = true }

// Clear drops the transient result and replay flag once the block has
// finished and been reported, mirroring RemoteInstruction.clear() in the
// original scheduler.
func (i *Instruction) Clear() {
	i.Result = nil
	i.run = false
}

// ComputeFlops fills in i.Flops for compute instructions, using the
// exact formulas below. LOAD/STORE/RET/BARRIER carry no FLOPs.
//
//	CHOL(n):        1/3 n^3 + 2/3 n
//	TRSM(m,n,k):    k * m * n
//	SYRK(m,k):      size(C) + 2*m*m*k
//	GEMM(m,n,k):    2*m*n*k
func (i *Instruction) ComputeFlops(m, n, k int, cSize int64) {
	switch i.Op {
	case CHOL:
		nf := float64(m)
		i.Flops = nf*nf*nf/3.0 + 2.0*nf/3.0
	case TRSM:
		i.Flops = float64(k * m * n)
	case SYRK:
		i.Flops = float64(cSize) + 2.0*float64(m)*float64(m)*float64(k)
	case GEMM:
		i.Flops = 2.0 * float64(m) * float64(n) * float64(k)
	default:
		i.Flops = 0
	}
}
