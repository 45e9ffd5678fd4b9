// Command worker is the serverless worker's entry point: given a
// program hash already registered in the KV store and queue service, it
// runs the cooperative execution pipeline (worker.Run) until there is
// no more work or the wall/idle timeout elapses, then exits.
//
// Grounded on the teacher's services/orchestrator/main.go for service
// bootstrap (logging, otel, signal handling, graceful shutdown); the
// HTTP workflow-submission API that file also wires is not carried here
// since this process's job is driven by program/queue state, not
// inbound HTTP requests.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmguard/lambdapack/cache"
	"github.com/swarmguard/lambdapack/executor"
	"github.com/swarmguard/lambdapack/internal/logging"
	"github.com/swarmguard/lambdapack/internal/otelinit"
	"github.com/swarmguard/lambdapack/kv"
	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/program"
	"github.com/swarmguard/lambdapack/queue"
	"github.com/swarmguard/lambdapack/tilestore"
	"github.com/swarmguard/lambdapack/worker"
)

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

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

func main() {
	service := "lambdapack-worker"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)
	defer func() {
		otelinit.Flush(ctx, shutdownTrace)
		_ = shutdownMetrics(ctx)
	}()

	programHash := os.Getenv("LAMBDAPACK_PROGRAM_HASH")
	if programHash == "" {
		slog.Error("LAMBDAPACK_PROGRAM_HASH is required")
		os.Exit(1)
	}

	kvPath := envDefault("LAMBDAPACK_KV_PATH", "/tmp/lambdapack-kv.db")
	kvStore, err := kv.OpenBBolt(kvPath)
	if err != nil {
		slog.Error("open kv store failed", "error", err)
		os.Exit(1)
	}
	defer kvStore.Close()

	natsURL := envDefault("LAMBDAPACK_NATS_URL", defaultNATSURL)
	numPriorities := envInt("LAMBDAPACK_NUM_PRIORITIES", 5)
	visTimeout := envDurationSeconds("LAMBDAPACK_MSG_VIS_TIMEOUT_SECS", 30*time.Second)
	q, err := queue.NewNATSQueue(natsURL, programHash, numPriorities, visTimeout)
	if err != nil {
		slog.Error("open queue failed", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	cacheSize := envInt("LAMBDAPACK_CACHE_SIZE", 64)
	tileCache := cache.New(cacheSize)

	tiles := tilestore.Store(tilestore.NewMemStore())
	blobDir := envDefault("LAMBDAPACK_BLOB_DIR", "/tmp/lambdapack-blobs")
	localBlobs, err := objectstore.NewLocalStore(blobDir)
	if err != nil {
		slog.Error("open object store failed", "error", err)
		os.Exit(1)
	}
	blobs := objectstore.Store(localBlobs)

	exec, stopExec := executor.New(tiles, tileCache)
	defer stopExec()

	// The DAG shape (blocks, parents/children, priorities) must already
	// have been published to the object store as a manifest by whichever
	// process built the program (Program.PublishManifest); every worker
	// invocation is a fresh process that reloads its own read-only copy
	// instead of sharing memory with that process or other workers.
	// cmd/driver runs its own in-process workers and does not publish a
	// manifest.
	prog, err := program.LoadManifest(ctx, programHash, kvStore, blobs, q)
	if err != nil {
		slog.Error("load program manifest failed", "error", err)
		os.Exit(1)
	}

	cfg := worker.Config{
		PipelineWidth:   envInt("LAMBDAPACK_PIPELINE_WIDTH", 4),
		MsgVisTimeout:   visTimeout,
		Timeout:         envDurationSeconds("LAMBDAPACK_TIMEOUT_SECS", 300*time.Second),
		IdleTimeout:     envDurationSeconds("LAMBDAPACK_IDLE_TIMEOUT_SECS", 30*time.Second),
		ReceiveWaitSecs: envInt("LAMBDAPACK_RECEIVE_WAIT_SECS", 5),
	}

	busy, err := worker.Run(ctx, cfg, prog, exec)
	if err != nil {
		slog.Error("worker run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker exiting", "busy_time", busy.String())
}

const defaultNATSURL = "nats://127.0.0.1:4222"
