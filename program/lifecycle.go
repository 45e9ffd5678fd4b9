package program

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/lambdapack/kv"
)

// Start transitions the program to RUNNING and makes every starter
// block (one with no parents) READY and visible on its priority queue.
func (p *Program) Start(ctx context.Context) error {
	if err := p.setProgramStatus(ctx, RunningProgram); err != nil {
		return err
	}
	for _, s := range p.Starters {
		if err := p.setNodeStatus(ctx, s, Ready); err != nil {
			return err
		}
		if err := p.enqueue(ctx, s); err != nil {
			return fmt.Errorf("program: enqueue starter %d: %w", s, err)
		}
	}
	return nil
}

func (p *Program) enqueue(ctx context.Context, node int) error {
	body := []byte(fmt.Sprintf("%s:%d", p.Hash, node))
	return p.Queue.Send(ctx, p.Blocks[node].Priority, body)
}

// Wait polls the program status until it leaves RUNNING, sleeping
// pollInterval between checks, mirroring LambdaPackProgram.wait.
func (p *Program) Wait(ctx context.Context, pollInterval time.Duration) (ProgramStatus, error) {
	for {
		status, err := p.Status(ctx)
		if err != nil {
			return status, err
		}
		if status != RunningProgram {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Free deletes this program's priority queues and removes its KV state,
// invoked once the program has reached a terminal status. Grounded on
// LambdaPackProgram.free (which drops its SQS queues); extended here to
// also prune the KV namespace, since the janitor and Free share the
// same cleanup responsibility. Only keys that KV.ListKeys returns are
// deleted; BBoltStore's per-edge delivery flags are not among them and
// remain.
func (p *Program) Free(ctx context.Context) error {
	if err := p.Queue.Purge(ctx); err != nil {
		return fmt.Errorf("program: purge queues: %w", err)
	}
	if err := p.Queue.Close(); err != nil {
		return fmt.Errorf("program: close queue: %w", err)
	}
	keys, err := p.KV.ListKeys(ctx, kv.ProgramKeyPrefix(p.Hash))
	if err != nil {
		return fmt.Errorf("program: list keys: %w", err)
	}
	for _, k := range keys {
		if err := p.KV.Delete(ctx, k); err != nil {
			return fmt.Errorf("program: delete key %s: %w", k, err)
		}
	}
	return nil
}

func (p *Program) Status(ctx context.Context) (ProgramStatus, error) {
	raw, ok, err := p.KV.Get(ctx, kv.ProgramStatusKey(p.Hash))
	if err != nil {
		return 0, err
	}
	if !ok {
		return NotStarted, nil
	}
	return ProgramStatus(raw[0]), nil
}

func (p *Program) setProgramStatus(ctx context.Context, s ProgramStatus) error {
	return p.KV.Put(ctx, kv.ProgramStatusKey(p.Hash), []byte{byte(s)})
}

func (p *Program) NodeStatus(ctx context.Context, node int) (NodeStatus, error) {
	raw, ok, err := p.KV.Get(ctx, kv.NodeStatusKey(p.Hash, node))
	if err != nil {
		return 0, err
	}
	if !ok {
		return NotReady, nil
	}
	return NodeStatus(raw[0]), nil
}

func (p *Program) setNodeStatus(ctx context.Context, node int, s NodeStatus) error {
	return p.KV.Put(ctx, kv.NodeStatusKey(p.Hash, node), []byte{byte(s)})
}

// MarkRunning transitions node to RUNNING. Exported for the executor,
// which must set this status itself right before dispatching a block's
// instructions (idempotently: re-marking an already-RUNNING node on
// redelivery is harmless).
func (p *Program) MarkRunning(ctx context.Context, node int) error {
	return p.setNodeStatus(ctx, node, Running)
}

// IncrUp/IncrPoolSize/IncrFlops/IncrRead/IncrWrite adjust the program's
// shared counters (spec's "up, poolsize, flops, read, write" counters).
func (p *Program) IncrUp(ctx context.Context, delta int64) (int64, error) {
	return p.KV.Incr(ctx, kv.ProgramUpKey(p.Hash), delta)
}

func (p *Program) IncrPoolSize(ctx context.Context, delta int64) (int64, error) {
	return p.KV.Incr(ctx, kv.ProgramPoolSizeKey(p.Hash), delta)
}

func (p *Program) IncrFlops(ctx context.Context, delta int64) (int64, error) {
	return p.KV.Incr(ctx, kv.ProgramFlopsKey(p.Hash), delta)
}

func (p *Program) IncrRead(ctx context.Context, delta int64) (int64, error) {
	return p.KV.Incr(ctx, kv.ProgramReadKey(p.Hash), delta)
}

func (p *Program) IncrWrite(ctx context.Context, delta int64) (int64, error) {
	return p.KV.Incr(ctx, kv.ProgramWriteKey(p.Hash), delta)
}

// SetMaxPC best-effort records the highest program counter observed
// across all workers, a debug aid carried over from the original
// scheduler's set_max_pc/get_max_pc.
func (p *Program) SetMaxPC(ctx context.Context, pc int) error {
	cur, ok, err := p.KV.Get(ctx, kv.ProgramMaxPCKey(p.Hash))
	if err != nil {
		return err
	}
	if ok && len(cur) == 8 && beInt64(cur) >= int64(pc) {
		return nil
	}
	return p.KV.Put(ctx, kv.ProgramMaxPCKey(p.Hash), beEncode(int64(pc)))
}

func beInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func beEncode(v int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
