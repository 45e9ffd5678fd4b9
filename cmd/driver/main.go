// Command driver builds a blocked-Cholesky program over a small
// diagonally-dominant matrix, starts it, runs it to completion with an
// in-process worker pool, and prints the final status, with the
// recorded exception text of each failed block on EXCEPTION.
//
// Grounded on the teacher's services/orchestrator/main.go for service
// bootstrap (logging, otel) and on the spec's own "CLI/profiling-dump
// utilities" callout: this is the minimal driver that exercises the
// scheduler end-to-end without a real S3/NATS deployment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmguard/lambdapack/cache"
	"github.com/swarmguard/lambdapack/dagbuilder"
	"github.com/swarmguard/lambdapack/executor"
	"github.com/swarmguard/lambdapack/internal/logging"
	"github.com/swarmguard/lambdapack/internal/otelinit"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tile"
	"github.com/swarmguard/lambdapack/tilestore"
	"github.com/swarmguard/lambdapack/worker"
)

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// seedSPDMatrix fills the lower triangle of a numBlocks x numBlocks
// grid of blockSize x blockSize tiles with a diagonally-dominant
// symmetric matrix, positive definite by construction.
func seedSPDMatrix(ctx context.Context, tiles tilestore.Store, matrixID string, numBlocks, blockSize int) error {
	rng := rand.New(rand.NewSource(1))
	full := numBlocks * blockSize
	a := make([][]float64, full)
	for i := range a {
		a[i] = make([]float64, full)
	}
	for i := 0; i < full; i++ {
		for j := 0; j <= i; j++ {
			v := rng.Float64()
			a[i][j] = v
			a[j][i] = v
		}
		a[i][i] += float64(full) // diagonal dominance
	}
	for bi := 0; bi < numBlocks; bi++ {
		for bj := 0; bj <= bi; bj++ {
			d := tile.NewDense(blockSize, blockSize)
			for r := 0; r < blockSize; r++ {
				for c := 0; c < blockSize; c++ {
					d.Set(r, c, a[bi*blockSize+r][bj*blockSize+c])
				}
			}
			ref := tile.Ref{MatrixID: matrixID, Bucket: "input", Index: [2]int{bi, bj}}
			if err := tiles.Put(ctx, ref, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func main() {
	service := "lambdapack-driver"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)
	defer func() {
		otelinit.Flush(ctx, shutdownTrace)
		_ = shutdownMetrics(ctx)
	}()

	numBlocks := envInt("LAMBDAPACK_NUM_BLOCKS", 2)
	blockSize := envInt("LAMBDAPACK_BLOCK_SIZE", 4)
	matrixID := "driver-matrix"

	kvStore, err := kv.OpenBBolt(os.TempDir() + "/lambdapack-driver-kv.db")
	if err != nil {
		slog.Error("open kv store failed", "error", err)
		os.Exit(1)
	}
	defer kvStore.Close()

	q := queue.NewMemQueue(5, 30*time.Second)
	blobs := objectstore.Store(objectstore.NewMemStore())
	tiles := tilestore.Store(tilestore.NewMemStore())

	if err := seedSPDMatrix(ctx, tiles, matrixID, numBlocks, blockSize); err != nil {
		slog.Error("seed matrix failed", "error", err)
		os.Exit(1)
	}

	blocks := dagbuilder.BuildCholesky(matrixID, numBlocks, blockSize)
	p, err := program.New(blocks, kvStore, q, blobs, program.Config{NumPriorities: 5, Eager: true})
	if err != nil {
		slog.Error("build program failed", "error", err)
		os.Exit(1)
	}
	slog.Info("program built", "hash", p.Hash, "blocks", len(p.Blocks))

	if err := p.Start(ctx); err != nil {
		slog.Error("start program failed", "error", err)
		os.Exit(1)
	}

	exec, stopExec := executor.New(tiles, cache.New(64))
	defer stopExec()

	cfg := worker.Config{PipelineWidth: 4, IdleTimeout: 3 * time.Second, Timeout: 60 * time.Second}
	if _, err := worker.Run(ctx, cfg, p, exec); err != nil {
		slog.Error("worker run failed", "error", err)
		os.Exit(1)
	}

	status, err := p.Status(ctx)
	if err != nil {
		slog.Error("read final status failed", "error", err)
		os.Exit(1)
	}

	switch status {
	case program.SuccessStatus:
		fmt.Printf("program %s: SUCCESS (%d blocks)\n", p.Hash, len(p.Blocks))
	case program.ExceptionStatus:
		fmt.Printf("program %s: EXCEPTION\n", p.Hash)
		for pc := range p.Blocks {
			raw, err := blobs.Get(ctx, objectstore.ExceptionKey(p.Hash, pc))
			if err == nil {
				fmt.Printf("  block %d: %s\n", pc, string(raw))
			}
		}
	default:
		fmt.Printf("program %s: did not finish, status=%v\n", p.Hash, status)
	}
}
