package program

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
)

// profilingRecord is what gets serialized to the object store for a
// finished block, standing in for the original scheduler's pickled
// InstructionBlock (set_profiling_info); it only keeps the numbers a
// profiling dump actually needs.
type profilingRecord struct {
	Label     string  `json:"label"`
	Priority  int     `json:"priority"`
	Flops     float64 `json:"flops"`
	ReadSize  int64   `json:"read_size"`
	WriteSize int64   `json:"write_size"`
}

// PostOp is the correctness-critical propagation step: it runs once a
// block has finished executing (successfully or not), fans its
// completion out to every dependent block via the atomic conditional
// increment, and returns the single highest-priority now-ready child to
// run in-line (eager fusion) if one exists and eager mode is enabled.
//
// PostOp is itself idempotent: if pc has already reached FINISHED
// (e.g. the message carrying this completion was redelivered after
// post-op already ran once), it is a no-op. Grounded on
// LambdaPackProgram.post_op/post_op_async.
func (p *Program) PostOp(ctx context.Context, pc int, execErr error) (nextPC int, hasNext bool, err error) {
	ctx, span := p.tracer.Start(ctx, "program.post_op", trace.WithAttributes(
		attribute.String("program_hash", p.Hash),
		attribute.Int("pc", pc),
	))
	defer span.End()
	start := time.Now()

	status, err := p.NodeStatus(ctx, pc)
	if err != nil {
		return 0, false, fmt.Errorf("program: post_op: read node status: %w", err)
	}
	if status == Finished {
		return 0, false, nil
	}

	if err := p.setNodeStatus(ctx, pc, PostOpStatus); err != nil {
		return 0, false, fmt.Errorf("program: post_op: set POST_OP: %w", err)
	}

	// Best-effort propagation: a failing block still counts as "done"
	// for dependency purposes, so its children still get a chance to
	// run and any terminator downstream of it still closes out. Only
	// the program's overall status reflects the failure.
	if execErr != nil {
		if err := p.handleException(ctx, pc, execErr); err != nil {
			return 0, false, err
		}
	}

	var readyChildren []int
	for _, child := range p.Children[pc] {
		sumKey := kv.EdgeSumKey(p.Hash, child)
		flagKey := kv.EdgeDeliveredFlagKey(p.Hash, pc, child)
		val, err := p.KV.ConditionalIncrement(ctx, sumKey, flagKey, 1)
		if err != nil {
			return 0, false, fmt.Errorf("program: post_op: conditional increment edge %d->%d: %w", pc, child, err)
		}
		childStatus, err := p.NodeStatus(ctx, child)
		if err != nil {
			return 0, false, fmt.Errorf("program: post_op: read child %d status: %w", child, err)
		}
		if val == int64(len(p.Parents[child])) && childStatus != Finished {
			if err := p.setNodeStatus(ctx, child, Ready); err != nil {
				return 0, false, fmt.Errorf("program: post_op: mark child %d ready: %w", child, err)
			}
			readyChildren = append(readyChildren, child)
		}
	}

	// Eager fusion only chains into a child the caller is guaranteed to
	// keep running in-line. A failing block's Executor re-raises and
	// abandons its work list (spec §4.6 step 6), so skip eager selection
	// here and enqueue every ready child normally instead of risking one
	// silently dropped.
	if execErr == nil && p.Eager && len(readyChildren) >= 1 {
		nextPC = p.pickEagerChild(readyChildren)
		hasNext = true
		readyChildren = removeValue(readyChildren, nextPC)
	}

	for _, child := range readyChildren {
		if err := p.enqueue(ctx, child); err != nil {
			return 0, false, fmt.Errorf("program: post_op: enqueue child %d: %w", child, err)
		}
	}

	read, write := p.Blocks[pc].TotalIO()
	rec := profilingRecord{
		Label:     p.Blocks[pc].Label,
		Priority:  p.Blocks[pc].Priority,
		Flops:     p.Blocks[pc].TotalFlops(),
		ReadSize:  read,
		WriteSize: write,
	}
	if raw, err := json.Marshal(rec); err == nil && p.Blobs != nil {
		_ = p.Blobs.Put(ctx, objectstore.ProfilingKey(p.Hash, pc), raw)
	}
	p.Blocks[pc].Clear()

	if err := p.setNodeStatus(ctx, pc, Finished); err != nil {
		return 0, false, fmt.Errorf("program: post_op: set FINISHED: %w", err)
	}

	if pc == len(p.Blocks)-1 {
		// EXIT closing out never promotes an EXCEPTION program back to
		// SUCCESS: best-effort propagation lets terminators still run
		// after a failure elsewhere, but the overall outcome stays
		// EXCEPTION once any block has reported one.
		curStatus, statusErr := p.Status(ctx)
		if statusErr != nil {
			return 0, false, fmt.Errorf("program: post_op: read program status: %w", statusErr)
		}
		if curStatus == ExceptionStatus {
			span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
			return nextPC, hasNext, nil
		}
		if err := p.setProgramStatus(ctx, SuccessStatus); err != nil {
			return 0, false, fmt.Errorf("program: post_op: set SUCCESS: %w", err)
		}
	}

	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nextPC, hasNext, nil
}

// pickEagerChild selects the highest-priority ready child, breaking
// ties by lowest block index. This deliberately diverges from the
// original scheduler's max()-over-ready_children, which did not break
// ties deterministically; the rewrite upgrades it to a stable choice.
func (p *Program) pickEagerChild(readyChildren []int) int {
	best := readyChildren[0]
	for _, c := range readyChildren[1:] {
		if p.Blocks[c].Priority > p.Blocks[best].Priority ||
			(p.Blocks[c].Priority == p.Blocks[best].Priority && c < best) {
			best = c
		}
	}
	return best
}

func removeValue(xs []int, v int) []int {
	out := xs[:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// handleException persists the traceback and flips the whole program to
// EXCEPTION status, matching LambdaPackProgram.handle_exception's write
// to <hash>/EXCEPTION.<block> followed by a program-status transition.
// It deliberately does not abort post-op: per spec §4.4 step 3,
// propagation to children continues best-effort so any terminator
// downstream of this block still closes out and wait() returns.
func (p *Program) handleException(ctx context.Context, pc int, cause error) error {
	if p.Blobs != nil {
		_ = p.Blobs.Put(ctx, objectstore.ExceptionKey(p.Hash, pc), []byte(cause.Error()))
	}
	if err := p.setProgramStatus(ctx, ExceptionStatus); err != nil {
		return fmt.Errorf("program: handle_exception: set EXCEPTION: %w", err)
	}
	return nil
}
