package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/kernel"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/state"
)

type Options struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Janitor periodically sweeps for tasks stuck in processing whose worker
// stopped heartbeating, fails them terminally, and runs the same fan-in
// check the normal completion path uses so a stage never waits forever on a
// dead worker.
type Janitor struct {
	state state.Store
	krn   *kernel.Kernel
	emit  *observability.Emitter
	log   *logger.Logger
	opts  Options
}

func New(st state.Store, krn *kernel.Kernel, emit *observability.Emitter, baseLog *logger.Logger, opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 10 * time.Minute
	}
	return &Janitor{
		state: st,
		krn:   krn,
		emit:  emit,
		log:   baseLog.With("component", "Janitor"),
		opts:  opts,
	}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one scan-and-reap pass.
func (j *Janitor) Sweep(ctx context.Context) {
	j.emit.Emit(observability.Checkpoint{Code: observability.CodeJanitorScan, Phase: observability.PhaseStart})
	stale, err := j.state.StaleTaskScan(ctx, j.opts.StaleThreshold)
	if err != nil {
		j.log.Warn("Stale task scan failed", "error", err)
		j.emit.Emit(observability.Checkpoint{Code: observability.CodeJanitorScan, Phase: observability.PhaseFail, Err: err})
		return
	}
	j.emit.Emit(observability.Checkpoint{Code: observability.CodeJanitorScan, Phase: observability.PhaseOK})
	if len(stale) == 0 {
		return
	}

	for _, task := range stale {
		taskErr := &domain.TaskError{
			Kind:    domain.KindStaleTimeout,
			Message: fmt.Sprintf("no heartbeat for over %s, worker presumed dead", j.opts.StaleThreshold),
		}
		if err := j.krn.FailTaskTerminally(ctx, task, taskErr); err != nil {
			j.log.Warn("Failed to reap stale task", "task_id", task.ID, "error", err)
			continue
		}
		j.emit.Emit(observability.Checkpoint{
			Code: observability.CodeJanitorReap, Phase: observability.PhaseOK,
			JobID: task.ParentJobID, TaskID: task.ID, Stage: task.Stage,
			ErrorKind: domain.KindStaleTimeout,
		})
	}
	j.log.Info("Reaped stale tasks", "count", len(stale))
}
