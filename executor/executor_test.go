package executor

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/lambdapack/cache"
	"github.com/swarmguard/lambdapack/dagbuilder"
	"github.com/swarmguard/lambdapack/instr"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tile"
	"github.com/swarmguard/lambdapack/tilestore"
)

func newHarness(t *testing.T) (kv.Store, queue.Service, objectstore.Store, *tilestore.MemStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := kv.OpenBBolt(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.NewMemQueue(5, 30*time.Second)
	blobs := objectstore.NewMemStore()
	tiles := tilestore.NewMemStore()
	return st, q, blobs, tiles
}

func seedTile(t *testing.T, tiles *tilestore.MemStore, ref tile.Ref, rows, cols int, vals ...float64) {
	t.Helper()
	d := tile.NewDense(rows, cols)
	copy(d.Data, vals)
	if err := tiles.Put(context.Background(), ref, d); err != nil {
		t.Fatalf("seed tile %s: %v", ref.Key(), err)
	}
}

// TestExecutorSingleBlockCholesky covers spec scenario S2: a single 1x1
// tile [[9]] factors to [[3]] through one LOAD/CHOL/STORE block plus
// EXIT.
func TestExecutorSingleBlockCholesky(t *testing.T) {
	kvStore, q, blobs, tiles := newHarness(t)
	blocks := dagbuilder.BuildCholesky("m", 1, 1)
	p, err := program.New(blocks, kvStore, q, blobs, program.Config{NumPriorities: 3})
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	seedTile(t, tiles, tile.Ref{MatrixID: "m", Bucket: "input", Index: [2]int{0, 0}}, 1, 1, 9)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	exec, stop := New(tiles, cache.New(8))
	defer stop()

	if err := drainQueue(ctx, p, exec); err != nil {
		t.Fatalf("drain: %v", err)
	}

	status, err := p.Status(ctx)
	if err != nil || status != program.SuccessStatus {
		t.Fatalf("expected SUCCESS, got %v err=%v", status, err)
	}
	out, err := tiles.Get(ctx, tile.Ref{MatrixID: "m", Bucket: "output", Index: [2]int{0, 0}})
	if err != nil {
		t.Fatalf("get output tile: %v", err)
	}
	if out.At(0, 0) != 3 {
		t.Fatalf("expected output [[3]], got %v", out.At(0, 0))
	}
}

// TestExecutorCholesky2x2 covers spec scenario S1: a 2x2 block SPD
// matrix [[4,2],[2,3]] factors to the lower-triangular L = [[2,0],[1,
// sqrt(2)]] across the full chol/trsm/syrk DAG that BuildCholesky
// assembles for numBlocks=2.
func TestExecutorCholesky2x2(t *testing.T) {
	kvStore, q, blobs, tiles := newHarness(t)
	blocks := dagbuilder.BuildCholesky("m", 2, 1)
	// chol-0, trsm-1-0, syrk-1-1-0, chol-1, plus EXIT.
	if len(blocks) != 4 {
		t.Fatalf("expected 4 compute blocks for a 2x2 factorization, got %d", len(blocks))
	}
	p, err := program.New(blocks, kvStore, q, blobs, program.Config{NumPriorities: 3})
	if err != nil {
		t.Fatalf("new program: %v", err)
	}

	seedTile(t, tiles, tile.Ref{MatrixID: "m", Bucket: "input", Index: [2]int{0, 0}}, 1, 1, 4)
	seedTile(t, tiles, tile.Ref{MatrixID: "m", Bucket: "input", Index: [2]int{1, 0}}, 1, 1, 2)
	seedTile(t, tiles, tile.Ref{MatrixID: "m", Bucket: "input", Index: [2]int{1, 1}}, 1, 1, 3)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	exec, stop := New(tiles, cache.New(8))
	defer stop()

	if err := drainQueue(ctx, p, exec); err != nil {
		t.Fatalf("drain: %v", err)
	}

	status, err := p.Status(ctx)
	if err != nil || status != program.SuccessStatus {
		t.Fatalf("expected SUCCESS, got %v err=%v", status, err)
	}

	want := map[[2]int]float64{
		{0, 0}: 2,
		{1, 0}: 1,
		{1, 1}: math.Sqrt(2),
	}
	for idx, expected := range want {
		out, err := tiles.Get(ctx, tile.Ref{MatrixID: "m", Bucket: "output", Index: idx})
		if err != nil {
			t.Fatalf("get output tile %v: %v", idx, err)
		}
		if math.Abs(out.At(0, 0)-expected) > 1e-9 {
			t.Fatalf("output tile %v = %v, want %v", idx, out.At(0, 0), expected)
		}
	}
}

// TestExecutorReplayGuard checks the pieces of the replay guard: an
// instruction reports already-ran after MarkRan, and ErrReplay works
// with errors.As. It does not run a block twice through the executor.
func TestExecutorReplayGuard(t *testing.T) {
	in := &instr.Instruction{ID: "x", Op: instr.BARRIER}
	in.MarkRan()
	if !in.Ran() {
		t.Fatalf("expected instruction to report already-ran")
	}
	var errReplay *ErrReplay
	if !errors.As(error(&ErrReplay{InstrID: in.ID}), &errReplay) {
		t.Fatalf("expected ErrReplay to satisfy errors.As")
	}
}

// drainQueue is a single-threaded stand-in for the worker pipeline: it
// keeps pulling and running messages from every priority queue,
// highest first, until all are empty.
func drainQueue(ctx context.Context, p *program.Program, exec *Executor) error {
	for {
		progressed := false
		for prio := p.NumPriorities - 1; prio >= 0; prio-- {
			msg, ok, err := p.Queue.Receive(ctx, prio, 0)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			progressed = true
			pc := parseBody(p.Hash, msg.Body)
			if _, err := exec.Run(ctx, p, pc); err != nil {
				_ = p.Queue.Delete(ctx, prio, msg.ReceiptHandle)
				return err
			}
			if err := p.Queue.Delete(ctx, prio, msg.ReceiptHandle); err != nil {
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

func parseBody(hash string, body []byte) int {
	s := string(body)
	i := len(hash) + 1
	n := 0
	for ; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
