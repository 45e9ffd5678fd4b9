// Package worker implements the serverless worker's event loop: a
// cooperative pipeline of in-flight executors sharing one tile cache and
// one compute-offload goroutine, a per-message visibility heartbeat, and
// an idle/wall-timeout watchdog that shuts the whole loop down once
// there is no more work or time has run out.
//
// Grounded on the original scheduler's job_runner.lambdapack_run /
// lambdapack_run_async / reset_msg_visibility / check_program_state: the
// goroutine-and-channel structure replaces that function's single
// asyncio event loop running pipeline_width coroutines, per the
// rewrite's coroutine-to-goroutine design note.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/lambdapack/executor"
	"github.com/swarmguard/lambdapack/program"
)

// Config mirrors the worker entry point parameters: pipeline width,
// message visibility timeout, wall timeout, and idle timeout.
type Config struct {
	PipelineWidth   int
	MsgVisTimeout   time.Duration
	Timeout         time.Duration
	IdleTimeout     time.Duration
	ReceiveWaitSecs int
}

func (c Config) withDefaults() Config {
	if c.PipelineWidth <= 0 {
		c.PipelineWidth = 1
	}
	if c.MsgVisTimeout <= 0 {
		c.MsgVisTimeout = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ReceiveWaitSecs <= 0 {
		c.ReceiveWaitSecs = 5
	}
	return c
}

// sharedState is the Go stand-in for the original scheduler's
// shared_state dict threaded by closure into every coroutine: a small
// struct shared by reference across all pipeline goroutines and the
// watchdog, instead of a Python dict captured by a closure.
type sharedState struct {
	busyWorkers  int64
	lastBusyNano int64
}

func (s *sharedState) markBusy()   { atomic.AddInt64(&s.busyWorkers, 1) }
func (s *sharedState) markIdle()   { atomic.AddInt64(&s.busyWorkers, -1); atomic.StoreInt64(&s.lastBusyNano, time.Now().UnixNano()) }
func (s *sharedState) busy() int64 { return atomic.LoadInt64(&s.busyWorkers) }
func (s *sharedState) idleFor() time.Duration {
	last := atomic.LoadInt64(&s.lastBusyNano)
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Run executes the worker's cooperative pipeline against prog until the
// idle/wall timeout watchdog decides there is nothing left to do or the
// program leaves RUNNING status. It mirrors lambdapack_run's return
// shape by reporting total busy time across all pipeline slots.
func Run(ctx context.Context, cfg Config, prog *program.Program, exec *executor.Executor) (busyTime time.Duration, err error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := prog.IncrUp(ctx, 1); err != nil {
		return 0, fmt.Errorf("worker: incr up: %w", err)
	}
	defer func() {
		if _, derr := prog.IncrUp(context.Background(), -1); derr != nil {
			slog.Error("worker: decr up on shutdown failed", "error", derr)
		}
	}()

	state := &sharedState{lastBusyNano: time.Now().UnixNano()}

	var wg sync.WaitGroup
	var totalBusyNanos int64

	go watchdog(ctx, cancel, state, cfg, prog)

	for i := 0; i < cfg.PipelineWidth; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			pipelineSlot(ctx, slot, cfg, prog, exec, state, &totalBusyNanos)
		}(i)
	}
	wg.Wait()

	return time.Duration(atomic.LoadInt64(&totalBusyNanos)), nil
}

// pipelineSlot is one of PipelineWidth concurrent receive/execute loops,
// scanning priorities from highest to lowest each iteration, matching
// `for queue_url in program.queue_urls[::-1]` in the original.
func pipelineSlot(ctx context.Context, slot int, cfg Config, prog *program.Program, exec *executor.Executor, state *sharedState, totalBusyNanos *int64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, found, priority := receiveAny(ctx, prog, cfg)
		if !found {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		pc, ok := parsePC(prog.Hash, msg.Body)
		if !ok {
			_ = prog.Queue.Delete(ctx, priority, msg.ReceiptHandle)
			continue
		}

		stopHeartbeat := startHeartbeat(ctx, prog, priority, msg.ReceiptHandle, cfg.MsgVisTimeout)

		busyStart := time.Now()
		state.markBusy()
		executed, runErr := exec.Run(ctx, prog, pc)
		state.markIdle()
		atomic.AddInt64(totalBusyNanos, int64(time.Since(busyStart)))

		stopHeartbeat()

		if err := prog.Queue.Delete(ctx, priority, msg.ReceiptHandle); err != nil {
			slog.Error("worker: delete message failed", "priority", priority, "error", err)
		}

		if runErr != nil {
			slog.Error("worker: block execution failed", "slot", slot, "pc", pc, "error", runErr)
		} else {
			slog.Debug("worker: block chain executed", "slot", slot, "blocks", executed)
		}
	}
}

// receiveAny polls every priority queue from highest to lowest and
// returns the first message found.
func receiveAny(ctx context.Context, prog *program.Program, cfg Config) (msg queueMessage, found bool, priority int) {
	for p := prog.NumPriorities - 1; p >= 0; p-- {
		m, ok, err := prog.Queue.Receive(ctx, p, cfg.ReceiveWaitSecs)
		if err != nil {
			slog.Error("worker: receive failed", "priority", p, "error", err)
			continue
		}
		if ok {
			return queueMessage{Body: m.Body, ReceiptHandle: m.ReceiptHandle}, true, p
		}
	}
	return queueMessage{}, false, 0
}

type queueMessage struct {
	Body          []byte
	ReceiptHandle string
}

func parsePC(hash string, body []byte) (int, bool) {
	parts := strings.SplitN(string(body), ":", 2)
	if len(parts) != 2 || parts[0] != hash {
		return 0, false
	}
	pc, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return pc, true
}

// startHeartbeat launches the visibility-extension task for one
// in-flight message, grounded on reset_msg_visibility: instead of the
// original's mutable single-element lock list, it uses a stop channel.
func startHeartbeat(ctx context.Context, prog *program.Program, priority int, receiptHandle string, visTimeout time.Duration) func() {
	stop := make(chan struct{})
	interval := visTimeout - 5*time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := prog.Queue.ChangeVisibility(ctx, priority, receiptHandle, int(visTimeout.Seconds())); err != nil {
					slog.Warn("worker: visibility heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() { close(stop) }
}

// watchdog mirrors check_program_state: it shuts the worker down once
// every pipeline slot is idle and either the wall timeout or the idle
// timeout has elapsed, or once the program leaves RUNNING status.
func watchdog(ctx context.Context, cancel context.CancelFunc, state *sharedState, cfg Config, prog *program.Program) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastStatusCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state.busy() == 0 && (time.Since(start) > cfg.Timeout || state.idleFor() > cfg.IdleTimeout) {
				cancel()
				return
			}
			if time.Since(lastStatusCheck) > 10*time.Second {
				lastStatusCheck = time.Now()
				status, err := prog.Status(ctx)
				if err == nil && status != program.RunningProgram {
					cancel()
					return
				}
			}
		}
	}
}
