// Package janitor periodically sweeps finished programs out of the KV
// store and deletes their queues, an operational concern the scheduler
// itself has no opinion about but that every long-running deployment
// needs. Grounded on the teacher's scheduler.go, which drives its own
// periodic workflow-store maintenance off a robfig/cron.Cron instance.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/lambdapack/program"
)

// Registry is implemented by whatever tracks live programs (typically a
// small in-process map maintained by cmd/driver or a control service);
// the janitor only needs to enumerate and free them.
type Registry interface {
	// Finished returns programs whose ProgramStatus has been terminal
	// for at least retention.
	Finished(ctx context.Context, retention time.Duration) ([]*program.Program, error)
}

// Janitor runs a cron-scheduled sweep that frees finished programs.
type Janitor struct {
	cron      *cron.Cron
	registry  Registry
	retention time.Duration
}

// New builds a Janitor that frees programs the registry reports as
// finished for at least retention. The schedule is given to Start.
func New(registry Registry, retention time.Duration) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		registry:  registry,
		retention: retention,
	}
}

// Start schedules the sweep on spec (standard 5-field cron syntax) and
// begins running it in the background.
func (j *Janitor) Start(ctx context.Context, spec string) error {
	_, err := j.cron.AddFunc(spec, func() { j.sweep(ctx) })
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight sweep.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep(ctx context.Context) {
	progs, err := j.registry.Finished(ctx, j.retention)
	if err != nil {
		slog.Error("janitor: list finished programs failed", "error", err)
		return
	}
	for _, p := range progs {
		if err := p.Free(ctx); err != nil {
			slog.Error("janitor: free program failed", "program_hash", p.Hash, "error", err)
			continue
		}
		slog.Info("janitor: freed program", "program_hash", p.Hash)
	}
}
