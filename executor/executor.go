// Package executor runs a single InstructionBlock to completion (and, on
// eager fusion, chains directly into whichever child block that run
// unblocked) inside one worker process.
//
// Grounded on the original scheduler's job_runner.LambdaPackExecutor.run:
// the work-list loop over pc, the node-status switch, the replay guard,
// and the flops/read/write accumulation into the program's shared
// counters all mirror that function. The NOT_READY case is redesigned
// per the rewrite's invariant: the original did a bare `raise`, which
// the new behavior replaces with a logged skip.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/lambdapack/cache"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kernels"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/tile"
	"github.com/swarmguard/lambdapack/tilestore"
)

// ErrReplay is returned when an instruction that already ran once in
// this process is asked to run again, the same-machine-replay guard
// from RemoteSYRK/RemoteTRSM's compute() in the original scheduler.
type ErrReplay struct{ InstrID string }

func (e *ErrReplay) Error() string {
	return fmt.Sprintf("executor: instruction %s already ran on this worker (same-machine replay)", e.InstrID)
}

// Executor runs blocks against a shared tile cache and a single-thread
// compute offload queue (one goroutine drains Compute, so CPU-bound
// kernels never run concurrently with each other on one worker, mirroring
// the original's single-thread ThreadPoolExecutor(1)).
type Executor struct {
	Tiles   tilestore.Store
	Cache   *cache.LRU
	Compute chan func()
}

// New builds an Executor and starts its single-goroutine compute worker.
// The returned stop function must be called to drain and terminate the
// compute goroutine when the worker shuts down.
func New(tiles tilestore.Store, c *cache.LRU) (*Executor, func()) {
	compute := make(chan func(), 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for fn := range compute {
			fn()
		}
	}()
	e := &Executor{Tiles: tiles, Cache: c, Compute: compute}
	stop := func() {
		close(compute)
		<-done
	}
	return e, stop
}

// Run executes startPC and, as long as eager fusion keeps handing back a
// next block to run in-line, keeps going without a queue round-trip. It
// returns every pc it actually executed (including via eager fusion),
// for the caller to mark FINISHED on the queue side (delete message).
func (e *Executor) Run(ctx context.Context, prog *program.Program, startPC int) ([]int, error) {
	var executed []int
	pc := startPC
	for {
		status, err := prog.NodeStatus(ctx, pc)
		if err != nil {
			return executed, fmt.Errorf("executor: read status of %d: %w", pc, err)
		}

		switch status {
		case program.Finished:
			return executed, nil

		case program.NotReady:
			// Redesigned behavior: the original scheduler bare-`raise`d
			// here. A block reaching the executor before its
			// dependencies are satisfied is a scheduling anomaly, not
			// fatal to this worker; log and move on instead of crashing
			// the whole event loop.
			slog.Warn("executor: block not ready, skipping", "pc", pc)
			return executed, nil

		case program.PostOpStatus:
			// Re-entry: a previous attempt finished running
			// instructions and crashed (or was replaced) before
			// post-op completed. Re-run post-op directly; it is
			// idempotent.
			next, hasNext, err := prog.PostOp(ctx, pc, nil)
			executed = append(executed, pc)
			if err != nil {
				return executed, err
			}
			if !hasNext {
				return executed, nil
			}
			pc = next
			continue
		}

		if err := prog.MarkRunning(ctx, pc); err != nil {
			return executed, fmt.Errorf("executor: mark %d running: %w", pc, err)
		}

		execErr := e.runBlock(ctx, prog, pc)
		if execErr != nil {
			if _, _, postErr := prog.PostOp(ctx, pc, execErr); postErr != nil {
				slog.Error("executor: post_op after failure also failed", "pc", pc, "error", postErr)
			}
			return executed, execErr
		}

		next, hasNext, err := prog.PostOp(ctx, pc, nil)
		executed = append(executed, pc)
		if err != nil {
			return executed, err
		}
		if !hasNext {
			return executed, nil
		}
		pc = next
	}
}

// runBlock runs every instruction of block pc in order, threading
// computed tiles between instructions via a block-scoped result map
// (the Go stand-in for the original's direct object references between
// RemoteInstructions in the same InstructionBlock).
func (e *Executor) runBlock(ctx context.Context, prog *program.Program, pc int) error {
	blk := prog.Blocks[pc]
	results := make(map[string]*tile.Dense)

	for _, in := range blk.Instrs {
		if in.Ran() {
			return &ErrReplay{InstrID: in.ID}
		}
		in.MarkRan()
		in.StartTime = time.Now()

		if err := e.runInstruction(ctx, in, results); err != nil {
			return fmt.Errorf("executor: instruction %s (%s) failed: %w", in.ID, in.Op, err)
		}

		in.EndTime = time.Now()
		if in.ReadSize > 0 {
			if _, err := prog.IncrRead(ctx, in.ReadSize); err != nil {
				return err
			}
		}
		if in.WriteSize > 0 {
			if _, err := prog.IncrWrite(ctx, in.WriteSize); err != nil {
				return err
			}
		}
		if in.Flops > 0 {
			if _, err := prog.IncrFlops(ctx, int64(in.Flops)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) runInstruction(ctx context.Context, in *instr.Instruction, results map[string]*tile.Dense) error {
	switch in.Op {
	case instr.BARRIER, instr.RET:
		return nil

	case instr.LOAD:
		ref := in.Reads[0]
		if cached, ok := e.Cache.Get(ref); ok {
			in.Result = cached
			results[ref.Key()] = cached
			in.ReadSize = cached.Size()
			return nil
		}
		val, err := e.Tiles.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("load %s: %w", ref.Key(), err)
		}
		e.Cache.Put(ref, val)
		results[ref.Key()] = val
		in.Result = val
		in.ReadSize = val.Size()
		return nil

	case instr.STORE:
		src := in.Reads[0]
		val, ok := results[src.Key()]
		if !ok {
			return fmt.Errorf("store: no local value for %s", src.Key())
		}
		dst := in.Writes[0]
		if err := e.Tiles.Put(ctx, dst, val); err != nil {
			return fmt.Errorf("store %s: %w", dst.Key(), err)
		}
		e.Cache.Put(dst, val)
		in.WriteSize = val.Size()
		return nil

	case instr.CHOL:
		a := results[in.Reads[0].Key()]
		if a == nil {
			return fmt.Errorf("chol: missing input %s", in.Reads[0].Key())
		}
		out, err := e.computeOn(func() (*tile.Dense, error) { return kernels.Cholesky(a) })
		if err != nil {
			return err
		}
		in.ComputeFlops(a.Rows, 0, 0, 0)
		results[in.Writes[0].Key()] = out
		in.Result = out
		return nil

	case instr.TRSM:
		col := results[in.Reads[0].Key()]
		lbb := results[in.Reads[1].Key()]
		if col == nil || lbb == nil {
			return fmt.Errorf("trsm: missing inputs")
		}
		out, err := e.computeOn(func() (*tile.Dense, error) { return kernels.TRSM(col, lbb) })
		if err != nil {
			return err
		}
		in.ComputeFlops(col.Rows, col.Cols, lbb.Rows, 0)
		results[in.Writes[0].Key()] = out
		in.Result = out
		return nil

	case instr.SYRK:
		old := results[in.Reads[0].Key()]
		b2 := results[in.Reads[1].Key()]
		b1 := results[in.Reads[2].Key()]
		if old == nil || b2 == nil || b1 == nil {
			return fmt.Errorf("syrk: missing inputs")
		}
		out, err := e.computeOn(func() (*tile.Dense, error) { return kernels.SYRKUpdate(old, b2, b1) })
		if err != nil {
			return err
		}
		in.ComputeFlops(b2.Rows, 0, b2.Cols, int64(old.Rows*old.Cols))
		results[in.Writes[0].Key()] = out
		in.Result = out
		return nil

	case instr.GEMM:
		a := results[in.Reads[0].Key()]
		b := results[in.Reads[1].Key()]
		if a == nil || b == nil {
			return fmt.Errorf("gemm: missing inputs")
		}
		out, err := e.computeOn(func() (*tile.Dense, error) { return kernels.GEMM(a, b) })
		if err != nil {
			return err
		}
		in.ComputeFlops(a.Cols, b.Cols, a.Rows, 0)
		results[in.Writes[0].Key()] = out
		in.Result = out
		return nil

	default:
		return fmt.Errorf("unknown opcode %v", in.Op)
	}
}

// computeOn offloads fn to the executor's single compute goroutine and
// blocks for its result, keeping every CPU kernel for this worker
// serialized on that one goroutine.
func (e *Executor) computeOn(fn func() (*tile.Dense, error)) (*tile.Dense, error) {
	type result struct {
		val *tile.Dense
		err error
	}
	done := make(chan result, 1)
	e.Compute <- func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}
	r := <-done
	return r.val, r.err
}
