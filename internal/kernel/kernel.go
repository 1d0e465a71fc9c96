package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/observability"
	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
)

// Outcome tells the consumer loop how to settle the message.
type Outcome int

const (
	Ack Outcome = iota
	Abandon
	DeadLetter
)

type Config struct {
	JobQueue          string
	TaskQueue         string
	HeartbeatInterval time.Duration
}

// Kernel drives jobs through their stages. It owns no state of its own: the
// store is authoritative, the queues carry intent, and every mutation is a
// CAS so concurrent kernels on other workers are safe.
type Kernel struct {
	state   state.Store
	queue   queue.Queue
	reg     *registry.Registry
	invoker *Invoker
	policy  RetryPolicy
	emit    *observability.Emitter
	metrics *observability.Metrics
	log     *logger.Logger
	cfg     Config
}

func New(st state.Store, q queue.Queue, reg *registry.Registry, invoker *Invoker, policy RetryPolicy, emit *observability.Emitter, metrics *observability.Metrics, baseLog *logger.Logger, cfg Config) *Kernel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Kernel{
		state:   st,
		queue:   q,
		reg:     reg,
		invoker: invoker,
		policy:  policy,
		emit:    emit,
		metrics: metrics,
		log:     baseLog.With("component", "Kernel"),
		cfg:     cfg,
	}
}

// -------------------- job messages --------------------

// ProcessJobMessage fans one stage of a job out into tasks.
func (k *Kernel) ProcessJobMessage(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := domain.DecodeJobMessage(body)
	if err != nil {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeMsgMalformed, Phase: observability.PhaseFail, Err: err})
		return DeadLetter, err
	}
	log := k.log.With("job_id", msg.JobID, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	job, err := k.state.GetJob(ctx, msg.JobID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		// Submission creates the row before the message; a missing row means
		// the message cannot ever be processed.
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeMsgMalformed, Phase: observability.PhaseFail, JobID: msg.JobID, Err: err})
		return DeadLetter, err
	}
	if err != nil {
		return Abandon, err
	}
	if job.Status.Terminal() {
		return Ack, nil
	}
	if msg.Stage < job.Stage {
		return Ack, nil // stale duplicate of an already-finished stage
	}
	if msg.Stage > job.Stage {
		err := fmt.Errorf("job message for stage %d but job is at stage %d", msg.Stage, job.Stage)
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeMsgMalformed, Phase: observability.PhaseFail, JobID: msg.JobID, Stage: msg.Stage, Err: err})
		return DeadLetter, err
	}

	ok, err := k.state.MarkJobProcessing(ctx, msg.JobID)
	if err != nil {
		return Abandon, err
	}
	if !ok {
		return Ack, nil
	}
	if msg.Stage == 1 {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeJobStart, Phase: observability.PhaseOK, CorrelationID: msg.CorrelationID, JobID: msg.JobID})
	}

	def, ok := k.reg.JobDef(msg.JobType)
	if !ok {
		return k.failJob(ctx, msg.JobID, &domain.JobError{
			Kind:    domain.KindUnknownJobType,
			Message: fmt.Sprintf("no job definition registered for job_type=%s", msg.JobType),
		}, msg.CorrelationID)
	}
	stageDef, ok := def.StageByNumber(msg.Stage)
	if !ok || def.TotalStages() != job.TotalStages {
		return k.failJob(ctx, msg.JobID, &domain.JobError{
			Kind:    domain.KindDefinitionError,
			Message: fmt.Sprintf("definition for job_type=%s does not match stored job (stage %d of %d)", msg.JobType, msg.Stage, job.TotalStages),
		}, msg.CorrelationID)
	}

	k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageFanout, Phase: observability.PhaseStart, CorrelationID: msg.CorrelationID, JobID: msg.JobID, Stage: msg.Stage})

	specs, err := safeCreateTasks(def, msg.Stage, msg.Parameters, msg.JobID, msg.PreviousResults())
	if err != nil {
		return k.failJob(ctx, msg.JobID, &domain.JobError{
			Kind:    domain.KindDefinitionError,
			Message: fmt.Sprintf("create_tasks_for_stage %d: %v", msg.Stage, err),
		}, msg.CorrelationID)
	}
	if len(specs) == 0 {
		if !stageDef.AllowEmpty {
			return k.failJob(ctx, msg.JobID, &domain.JobError{
				Kind:    domain.KindDefinitionError,
				Message: fmt.Sprintf("stage %d produced zero tasks", msg.Stage),
			}, msg.CorrelationID)
		}
		// Conditional fan-out yielded nothing: the stage is complete with
		// empty results.
		log.Debug("Empty stage permitted, advancing immediately")
		return k.advanceOrComplete(ctx, msg.JobID, msg.Stage, msg.CorrelationID)
	}

	tasks := make([]*domain.Task, 0, len(specs))
	bodies := make([][]byte, 0, len(specs))
	now := time.Now()
	for i, spec := range specs {
		taskType := spec.TaskType
		if taskType == "" {
			taskType = stageDef.TaskType
		}
		paramsJSON, mErr := json.Marshal(spec.Parameters)
		if mErr != nil {
			return k.failJob(ctx, msg.JobID, &domain.JobError{
				Kind:    domain.KindDefinitionError,
				Message: fmt.Sprintf("stage %d task %d parameters not serializable: %v", msg.Stage, i, mErr),
			}, msg.CorrelationID)
		}
		taskID := domain.TaskID(msg.JobID, msg.Stage, i)
		dispatched := now
		tasks = append(tasks, &domain.Task{
			ID:           taskID,
			ParentJobID:  msg.JobID,
			JobType:      msg.JobType,
			TaskType:     taskType,
			Stage:        msg.Stage,
			TaskIndex:    i,
			Parameters:   datatypes.JSON(paramsJSON),
			Status:       domain.TaskQueued,
			DispatchedAt: &dispatched,
		})
		tm := domain.TaskMessage{
			TaskID:        taskID,
			ParentJobID:   msg.JobID,
			JobType:       msg.JobType,
			TaskType:      taskType,
			Stage:         msg.Stage,
			TaskIndex:     i,
			Parameters:    spec.Parameters,
			CorrelationID: msg.CorrelationID,
		}
		b, mErr := json.Marshal(tm)
		if mErr != nil {
			return Abandon, mErr
		}
		bodies = append(bodies, b)
	}

	if err := k.policy.RetryTransient(ctx, func() error {
		return k.state.CreateTasks(ctx, tasks)
	}); err != nil {
		return Abandon, err
	}
	if err := k.policy.RetryTransient(ctx, func() error {
		return k.queue.SendBatch(ctx, k.cfg.TaskQueue, bodies)
	}); err != nil {
		return Abandon, err
	}

	k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageFanout, Phase: observability.PhaseOK, CorrelationID: msg.CorrelationID, JobID: msg.JobID, Stage: msg.Stage})
	log.Debug("Stage fanned out", "tasks", len(tasks))
	return Ack, nil
}

// -------------------- task messages --------------------

// ProcessTaskMessage executes one task and runs the fan-in check.
func (k *Kernel) ProcessTaskMessage(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := domain.DecodeTaskMessage(body)
	if err != nil {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeMsgMalformed, Phase: observability.PhaseFail, Err: err})
		return DeadLetter, err
	}

	claimed, err := k.state.UpdateTaskStatus(ctx, msg.TaskID, domain.TaskQueued, domain.TaskProcessing, nil)
	if err != nil {
		return Abandon, err
	}
	if !claimed {
		return k.handleDuplicateTask(ctx, msg)
	}
	k.emit.Emit(observability.Checkpoint{Code: observability.CodeTaskStart, Phase: observability.PhaseOK, CorrelationID: msg.CorrelationID, JobID: msg.ParentJobID, TaskID: msg.TaskID, Stage: msg.Stage})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go k.heartbeatLoop(hbCtx, msg.TaskID)

	out := k.invoker.Invoke(ctx, msg)
	stopHeartbeat()

	if !out.Succeeded() && k.policy.ShouldRetryTask(out.Kind, msg.RetryCount) {
		return k.retryTask(ctx, msg, out)
	}

	status := domain.TaskCompleted
	if !out.Succeeded() {
		status = domain.TaskFailed
	}
	var cres *state.CompletionResult
	if err := k.policy.RetryTransient(ctx, func() error {
		var cErr error
		cres, cErr = k.state.CompleteTaskAndCheckStage(ctx, state.CompletionRequest{
			TaskID: msg.TaskID,
			JobID:  msg.ParentJobID,
			Stage:  msg.Stage,
			Status: status,
			Result: out.Result,
			Error:  out.TaskError(),
		})
		return cErr
	}); err != nil {
		return Abandon, err
	}

	if cres.StageComplete {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageLastTask, Phase: observability.PhaseOK, CorrelationID: msg.CorrelationID, JobID: msg.ParentJobID, TaskID: msg.TaskID, Stage: msg.Stage})
		return k.advanceOrComplete(ctx, msg.ParentJobID, msg.Stage, msg.CorrelationID)
	}
	return Ack, nil
}

// handleDuplicateTask deals with a redelivered message whose claim CAS
// failed. A task still processing belongs to another worker (or the janitor
// will reap it); a terminal task re-runs the counting step so a crash after
// the terminal write but before stage advancement heals.
func (k *Kernel) handleDuplicateTask(ctx context.Context, msg *domain.TaskMessage) (Outcome, error) {
	tasks, err := k.state.GetTasks(ctx, msg.ParentJobID, state.TaskFilter{Stage: &msg.Stage})
	if err != nil {
		return Abandon, err
	}
	var task *domain.Task
	for _, t := range tasks {
		if t.ID == msg.TaskID {
			task = t
			break
		}
	}
	if task == nil || !task.Status.Terminal() {
		return Ack, nil
	}
	var cres *state.CompletionResult
	if err := k.policy.RetryTransient(ctx, func() error {
		var cErr error
		cres, cErr = k.state.CompleteTaskAndCheckStage(ctx, state.CompletionRequest{
			TaskID: msg.TaskID,
			JobID:  msg.ParentJobID,
			Stage:  msg.Stage,
			Status: task.Status,
		})
		return cErr
	}); err != nil {
		return Abandon, err
	}
	if cres.StageComplete {
		return k.advanceOrComplete(ctx, msg.ParentJobID, msg.Stage, msg.CorrelationID)
	}
	return Ack, nil
}

func (k *Kernel) retryTask(ctx context.Context, msg *domain.TaskMessage, out *InvokeOutcome) (Outcome, error) {
	requeued, err := k.state.RequeueTaskForRetry(ctx, msg.TaskID)
	if err != nil {
		return Abandon, err
	}
	if !requeued {
		return Ack, nil
	}
	next := *msg
	next.RetryCount++
	b, err := json.Marshal(&next)
	if err != nil {
		return Abandon, err
	}
	if err := k.policy.RetryTransient(ctx, func() error {
		return k.queue.Send(ctx, k.cfg.TaskQueue, b)
	}); err != nil {
		return Abandon, err
	}
	if k.metrics != nil {
		k.metrics.ObserveRetry(msg.TaskType)
	}
	k.emit.Emit(observability.Checkpoint{
		Code: observability.CodeTaskRetry, Phase: observability.PhaseOK,
		CorrelationID: msg.CorrelationID, JobID: msg.ParentJobID, TaskID: msg.TaskID, Stage: msg.Stage,
		ErrorKind: out.Kind,
	})
	return Ack, nil
}

func (k *Kernel) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(k.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.state.HeartbeatTask(ctx, taskID); err != nil {
				k.log.Warn("Task heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// -------------------- stage advancement --------------------

// advanceOrComplete runs after the completion detector reported the stage
// done: applies the failure policy, advances the job or finalizes it.
func (k *Kernel) advanceOrComplete(ctx context.Context, jobID string, stage int, correlationID string) (Outcome, error) {
	results, err := k.state.GetStageResults(ctx, jobID, stage)
	if err != nil {
		return Abandon, err
	}
	job, err := k.state.GetJob(ctx, jobID)
	if err != nil {
		return Abandon, err
	}
	if job.Status.Terminal() {
		return Ack, nil
	}
	def, ok := k.reg.JobDef(job.JobType)
	if !ok {
		return k.failJob(ctx, jobID, &domain.JobError{
			Kind:    domain.KindUnknownJobType,
			Message: fmt.Sprintf("no job definition registered for job_type=%s", job.JobType),
		}, correlationID)
	}
	stageDef, ok := def.StageByNumber(stage)
	if !ok {
		return k.failJob(ctx, jobID, &domain.JobError{
			Kind:    domain.KindDefinitionError,
			Message: fmt.Sprintf("stage %d not in definition for job_type=%s", stage, job.JobType),
		}, correlationID)
	}

	if !stageDef.ContinueOnTaskFailure {
		for _, r := range results {
			if r.Status == domain.TaskFailed {
				jobErr := &domain.JobError{
					Kind:    domain.KindHandlerFailure,
					Message: fmt.Sprintf("stage %d task %s failed", stage, r.TaskID),
					TaskID:  r.TaskID,
				}
				if r.Error != nil {
					jobErr.Kind = r.Error.Kind
					jobErr.Message = fmt.Sprintf("stage %d task %s failed: %s", stage, r.TaskID, r.Error.Message)
				}
				return k.failJob(ctx, jobID, jobErr, correlationID)
			}
		}
	}

	if stage < def.TotalStages() {
		return k.advanceStage(ctx, job, stage, results, correlationID)
	}
	return k.completeJob(ctx, job, def, stage, results, correlationID)
}

func (k *Kernel) advanceStage(ctx context.Context, job *domain.Job, stage int, results []domain.TaskResult, correlationID string) (Outcome, error) {
	advanced, err := k.state.AdvanceJobStage(ctx, job.ID, stage, stage+1, results)
	if err != nil {
		return Abandon, err
	}
	if !advanced {
		// Benign: either another caller advanced, or the job went terminal.
		// Reload and fall through to the send check so a crash between
		// advance and enqueue still gets its stage+1 message.
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageAdvFail, Phase: observability.PhaseOK, CorrelationID: correlationID, JobID: job.ID, Stage: stage})
	} else {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageComplete, Phase: observability.PhaseOK, CorrelationID: correlationID, JobID: job.ID, Stage: stage})
	}

	fresh, err := k.state.GetJob(ctx, job.ID)
	if err != nil {
		return Abandon, err
	}
	if fresh.Status != domain.JobProcessing || fresh.Stage != stage+1 {
		return Ack, nil
	}

	decoded, err := fresh.DecodeStageResults()
	if err != nil {
		return Abandon, err
	}
	stageResults := map[string][]domain.TaskResult{}
	for s, rs := range decoded {
		stageResults[fmt.Sprintf("%d", s)] = rs
	}
	next := domain.JobMessage{
		JobID:         fresh.ID,
		JobType:       fresh.JobType,
		Stage:         stage + 1,
		Parameters:    fresh.DecodeParameters(),
		StageResults:  stageResults,
		CorrelationID: domain.NewCorrelationID(),
	}
	b, err := json.Marshal(&next)
	if err != nil {
		return Abandon, err
	}
	if err := k.policy.RetryTransient(ctx, func() error {
		return k.queue.Send(ctx, k.cfg.JobQueue, b)
	}); err != nil {
		return Abandon, err
	}
	k.emit.Emit(observability.Checkpoint{Code: observability.CodeStageAdvance, Phase: observability.PhaseOK, CorrelationID: next.CorrelationID, JobID: job.ID, Stage: stage + 1})
	return Ack, nil
}

func (k *Kernel) completeJob(ctx context.Context, job *domain.Job, def *domain.JobDefinition, stage int, results []domain.TaskResult, correlationID string) (Outcome, error) {
	decoded, err := job.DecodeStageResults()
	if err != nil {
		return Abandon, err
	}
	decoded[stage] = results
	resultData, err := safeFinalize(def, domain.FinalizeContext{
		JobID:        job.ID,
		Parameters:   job.DecodeParameters(),
		StageResults: decoded,
	})
	if err != nil {
		return k.failJob(ctx, job.ID, &domain.JobError{
			Kind:    domain.KindDefinitionError,
			Message: fmt.Sprintf("finalize_job: %v", err),
		}, correlationID)
	}
	completed, err := k.state.CompleteJob(ctx, job.ID, stage, results, resultData)
	if err != nil {
		return Abandon, err
	}
	if completed {
		k.emit.Emit(observability.Checkpoint{Code: observability.CodeJobComplete, Phase: observability.PhaseOK, CorrelationID: correlationID, JobID: job.ID, Stage: stage})
	}
	return Ack, nil
}

func (k *Kernel) failJob(ctx context.Context, jobID string, jobErr *domain.JobError, correlationID string) (Outcome, error) {
	failed, err := k.state.FailJob(ctx, jobID, jobErr)
	if err != nil {
		return Abandon, err
	}
	if failed {
		k.emit.Emit(observability.Checkpoint{
			Code: observability.CodeJobFail, Phase: observability.PhaseFail,
			CorrelationID: correlationID, JobID: jobID,
			ErrorKind: jobErr.Kind, Err: jobErr,
		})
	}
	return Ack, nil
}

// FailTaskTerminally marks a task failed outside the normal execution path
// (janitor reaping a stale task) and runs the fan-in check plus advancement.
func (k *Kernel) FailTaskTerminally(ctx context.Context, task *domain.Task, taskErr *domain.TaskError) error {
	cres, err := k.state.CompleteTaskAndCheckStage(ctx, state.CompletionRequest{
		TaskID: task.ID,
		JobID:  task.ParentJobID,
		Stage:  task.Stage,
		Status: domain.TaskFailed,
		Error:  taskErr,
	})
	if err != nil {
		return err
	}
	if cres.StageComplete {
		if _, err := k.advanceOrComplete(ctx, task.ParentJobID, task.Stage, domain.NewCorrelationID()); err != nil {
			return err
		}
	}
	return nil
}

// -------------------- definition hook safety --------------------

func safeCreateTasks(def *domain.JobDefinition, stage int, params map[string]any, jobID string, prev []domain.TaskResult) (specs []domain.TaskSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.CreateTasksForStage(stage, params, jobID, prev)
}

func safeFinalize(def *domain.JobDefinition, fc domain.FinalizeContext) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.FinalizeJob(fc)
}
