// Package block groups instructions into the unit of scheduling: an
// InstructionBlock runs to completion on one worker before the program's
// post-op protocol fans out to its children.
package block

import (
	"strings"
	"sync/atomic"

	"github.com/swarmguard/lambdapack/instr"
)

var blockCounter int64

// nextLabel mints an auto-incrementing debug label, mirroring
// InstructionBlock.block_count in the original scheduler.
func nextLabel(prefix string) string {
	n := atomic.AddInt64(&blockCounter, 1)
	return prefix + "-" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Block is one InstructionBlock: a sequence of instructions executed
// in-order by a single Executor invocation, a human-readable label, and
// a scheduling priority assigned by critical-path donation.
type Block struct {
	ID       int
	Label    string
	Priority int
	Instrs   []*instr.Instruction
}

// New creates a block with an auto-generated label if label is empty.
func New(id int, label string, instrs ...*instr.Instruction) *Block {
	if label == "" {
		label = nextLabel("block")
	}
	return &Block{ID: id, Label: label, Instrs: instrs}
}

// TotalFlops sums the FLOPs of every instruction in the block.
func (b *Block) TotalFlops() float64 {
	var total float64
	for _, in := range b.Instrs {
		total += in.Flops
	}
	return total
}

// TotalIO sums read and write byte counts across all instructions.
func (b *Block) TotalIO() (read, write int64) {
	for _, in := range b.Instrs {
		read += in.ReadSize
		write += in.WriteSize
	}
	return
}

// Clear releases transient per-instruction state once the block has
// finished and been reported via post-op.
func (b *Block) Clear() {
	for _, in := range b.Instrs {
		in.Clear()
	}
}

func (b *Block) String() string {
	var sb strings.Builder
	sb.WriteString(b.Label)
	sb.WriteString(": [")
	for i, in := range b.Instrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.Op.String())
	}
	sb.WriteString("]")
	return sb.String()
}
