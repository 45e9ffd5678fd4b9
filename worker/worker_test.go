package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/lambdapack/block"
	"github.com/swarmguard/lambdapack/cache"
	"github.com/swarmguard/lambdapack/executor"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tile"
	"github.com/swarmguard/lambdapack/tilestore"
)

func newWorkerHarness(t *testing.T) (kv.Store, *queue.MemQueue, objectstore.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := kv.OpenBBolt(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.NewMemQueue(3, 30*time.Second)
	blobs := objectstore.NewMemStore()
	return st, q, blobs
}

func ref(name string) tile.Ref {
	return tile.Ref{MatrixID: "m", Bucket: name, Index: [2]int{0, 0}}
}

func chainBlock(label string, reads []tile.Ref, writes tile.Ref) *block.Block {
	var instrs []*instr.Instruction
	for _, r := range reads {
		instrs = append(instrs, &instr.Instruction{ID: label + "-load-" + r.Bucket, Op: instr.LOAD, Reads: []tile.Ref{r}})
	}
	instrs = append(instrs, &instr.Instruction{ID: label + "-store", Op: instr.STORE, Reads: reads[:1], Writes: []tile.Ref{writes}})
	return block.New(0, label, instrs...)
}

// TestIdleShutdown covers spec scenario S5: a worker with nothing to do
// exits between its idle timeout and a small grace window, leaving the
// program's RUNNING status untouched.
func TestIdleShutdown(t *testing.T) {
	kvStore, q, blobs := newWorkerHarness(t)
	a := chainBlock("A", []tile.Ref{ref("seed")}, ref("x"))
	a.ID = 0
	p, err := program.New([]*block.Block{a}, kvStore, q, blobs, program.Config{NumPriorities: 2})
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Drain the starter message so the worker truly sees an empty
	// queue, matching S5's "start a worker with an empty queue".
	for prio := p.NumPriorities - 1; prio >= 0; prio-- {
		for {
			msg, ok, err := q.Receive(ctx, prio, 0)
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			if !ok {
				break
			}
			_ = q.Delete(ctx, prio, msg.ReceiptHandle)
		}
	}

	tiles := tilestore.NewMemStore()
	exec, stop := executor.New(tiles, cache.New(4))
	defer stop()

	cfg := Config{PipelineWidth: 2, MsgVisTimeout: 2 * time.Second, Timeout: 30 * time.Second, IdleTimeout: 1 * time.Second, ReceiveWaitSecs: 0}
	start := time.Now()
	if _, err := Run(ctx, cfg, p, exec); err != nil {
		t.Fatalf("worker run: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < cfg.IdleTimeout {
		t.Fatalf("worker exited too early after %v, idle timeout was %v", elapsed, cfg.IdleTimeout)
	}
	if elapsed > cfg.IdleTimeout+3*time.Second {
		t.Fatalf("worker took too long to exit: %v", elapsed)
	}

	status, err := p.Status(ctx)
	if err != nil || status != program.RunningProgram {
		t.Fatalf("expected program status to remain RUNNING, got %v err=%v", status, err)
	}
}

// TestEagerFusionSkipsQueueRoundTrip covers spec scenario S6: in a
// chain A -> B -> C where B's only parent is A and C's only parent is
// B, enabling eager fusion means the same worker runs B and C in-line
// after A completes, without a visible queue send for either.
func TestEagerFusionSkipsQueueRoundTrip(t *testing.T) {
	kvStore, q, blobs := newWorkerHarness(t)
	a := chainBlock("A", []tile.Ref{ref("seed")}, ref("x"))
	b := chainBlock("B", []tile.Ref{ref("x")}, ref("y"))
	c := chainBlock("C", []tile.Ref{ref("y")}, ref("z"))
	a.ID, b.ID, c.ID = 0, 1, 2
	p, err := program.New([]*block.Block{a, b, c}, kvStore, q, blobs, program.Config{NumPriorities: 2, Eager: true})
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	tiles := tilestore.NewMemStore()
	if err := tiles.Put(ctx, ref("seed"), tile.NewDense(1, 1)); err != nil {
		t.Fatalf("seed tile: %v", err)
	}
	exec, stop := executor.New(tiles, cache.New(8))
	defer stop()

	// Receive A's starter message and run it directly through the
	// Executor, the same call the worker pipeline would make; eager
	// fusion should chain straight through B and C (and EXIT) without
	// any of their completions ever touching the queue.
	msg, ok, err := q.Receive(ctx, p.Blocks[0].Priority, 0)
	if err != nil || !ok {
		t.Fatalf("receive starter: ok=%v err=%v", ok, err)
	}
	executed, err := exec.Run(ctx, p, 0)
	if err != nil {
		t.Fatalf("exec run: %v", err)
	}
	_ = q.Delete(ctx, p.Blocks[0].Priority, msg.ReceiptHandle)

	if len(executed) != 4 {
		t.Fatalf("expected eager fusion to run all 4 blocks (A,B,C,EXIT) in one call, executed %v", executed)
	}
	if depth := q.Depth(); depth != 0 {
		t.Fatalf("expected eager fusion to leave nothing queued, got depth %d", depth)
	}
	status, err := p.Status(ctx)
	if err != nil || status != program.SuccessStatus {
		t.Fatalf("expected SUCCESS, got %v err=%v", status, err)
	}
}
