package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/lambdapack/block"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tile"
)

// memRegistry is a minimal in-process Registry stand-in for a program
// submitted directly against the scheduler core (no control-plane
// service in this repo).
type memRegistry struct {
	progs []*program.Program
}

func (r *memRegistry) Finished(ctx context.Context, retention time.Duration) ([]*program.Program, error) {
	var out []*program.Program
	for _, p := range r.progs {
		status, err := p.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status == program.SuccessStatus || status == program.ExceptionStatus {
			out = append(out, p)
		}
	}
	return out, nil
}

func newJanitorTestProgram(t *testing.T) *program.Program {
	t.Helper()
	dir := t.TempDir()
	kvStore, err := kv.OpenBBolt(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kvStore.Close() })
	q := queue.NewMemQueue(2, 30*time.Second)
	blobs := objectstore.NewMemStore()

	ref := tile.Ref{MatrixID: "m", Bucket: "seed", Index: [2]int{0, 0}}
	a := block.New(0, "A",
		&instr.Instruction{ID: "a-load", Op: instr.LOAD, Reads: []tile.Ref{ref}},
		&instr.Instruction{ID: "a-store", Op: instr.STORE, Reads: []tile.Ref{ref}, Writes: []tile.Ref{ref}},
	)
	p, err := program.New([]*block.Block{a}, kvStore, q, blobs, program.Config{NumPriorities: 1})
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	return p
}

// TestSweepFreesFinishedPrograms covers the janitor's sole
// responsibility: a program whose status has gone terminal gets its
// queues purged and its KV namespace emptied.
func TestSweepFreesFinishedPrograms(t *testing.T) {
	p := newJanitorTestProgram(t)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.MarkRunning(ctx, 0); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, _, err := p.PostOp(ctx, 0, nil); err != nil {
		t.Fatalf("post_op A: %v", err)
	}
	if err := p.MarkRunning(ctx, 1); err != nil {
		t.Fatalf("mark running EXIT: %v", err)
	}
	if _, _, err := p.PostOp(ctx, 1, nil); err != nil {
		t.Fatalf("post_op EXIT: %v", err)
	}
	status, err := p.Status(ctx)
	if err != nil || status != program.SuccessStatus {
		t.Fatalf("expected SUCCESS before sweep, got %v err=%v", status, err)
	}

	registry := &memRegistry{progs: []*program.Program{p}}
	j := New(registry, 0)
	j.sweep(ctx)

	keys, err := p.KV.ListKeys(ctx, kv.ProgramKeyPrefix(p.Hash))
	if err != nil {
		t.Fatalf("list keys after sweep: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected sweep to delete all KV state for %s, found %v", p.Hash, keys)
	}
}

// TestSweepSkipsUnfinishedPrograms covers the terminal-status filter: a
// still-RUNNING program is left untouched.
func TestSweepSkipsUnfinishedPrograms(t *testing.T) {
	p := newJanitorTestProgram(t)
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	registry := &memRegistry{progs: []*program.Program{p}}
	j := New(registry, time.Hour)
	j.sweep(ctx)

	status, err := p.Status(ctx)
	if err != nil || status != program.RunningProgram {
		t.Fatalf("expected sweep to leave a RUNNING program alone, got %v err=%v", status, err)
	}
}
