package state

import (
	"context"
	"time"

	"github.com/yungbote/taskfabric/internal/domain"
)

// TaskFilter narrows GetTasks reads for the monitoring API.
type TaskFilter struct {
	Stage  *int
	Status *domain.TaskStatus
	Limit  int
}

// StageProgress summarizes one stage's task counts for the read API.
type StageProgress struct {
	Stage      int `json:"stage"`
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// CompletionRequest is the input to the fan-in primitive. Status must be a
// terminal task status; Result/Error mirror the handler outcome.
type CompletionRequest struct {
	TaskID string
	JobID  string
	Stage  int
	Status domain.TaskStatus
	Result map[string]any
	Error  *domain.TaskError
}

// CompletionResult reports what the detector observed. Exactly one caller per
// (job, stage) sees StageComplete true.
type CompletionResult struct {
	TaskUpdated      bool
	StageComplete    bool
	RemainingInStage int
	JobCompleteHint  bool
}

// TerminalPayload carries the result or error written alongside a task's
// transition into a terminal status.
type TerminalPayload struct {
	Result map[string]any
	Error  *domain.TaskError
}

// Store is the durable job/task catalog port. All operations are safe under
// concurrent callers; every status mutation is a compare-and-set whose bool
// return reports whether the transition happened (false means another caller
// got there first, which the kernel treats as a benign duplicate).
type Store interface {
	// CreateJob inserts the job row. Idempotent on job_id: a second call with
	// the same id is a no-op that returns existed=true.
	CreateJob(ctx context.Context, job *domain.Job) (existed bool, err error)

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// MarkJobProcessing CAS-transitions queued -> processing. Returns true if
	// the job is now processing (including the already-processing case).
	MarkJobProcessing(ctx context.Context, jobID string) (bool, error)

	// AdvanceJobStage bumps stage from->to (to must be from+1) and appends the
	// stage's results, atomically, only while status is processing and the
	// current stage equals from.
	AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, results []domain.TaskResult) (bool, error)

	// CompleteJob CAS-transitions processing -> completed, writing result_data
	// and folding the final stage's results into stage_results.
	CompleteJob(ctx context.Context, jobID string, finalStage int, results []domain.TaskResult, resultData map[string]any) (bool, error)

	// FailJob CAS-transitions any non-terminal status -> failed.
	FailJob(ctx context.Context, jobID string, jobErr *domain.JobError) (bool, error)

	// CreateTasks inserts the batch all-or-nothing; rows whose task_id already
	// exists are silently skipped.
	CreateTasks(ctx context.Context, tasks []*domain.Task) error

	// UpdateTaskStatus CAS-transitions one task. payload is only consulted for
	// terminal targets.
	UpdateTaskStatus(ctx context.Context, taskID string, from, to domain.TaskStatus, payload *TerminalPayload) (bool, error)

	// RequeueTaskForRetry CAS-moves a processing task back to queued with
	// retry_count incremented. This is the only path back from processing; it
	// exists solely for the kernel's bounded retry re-enqueue.
	RequeueTaskForRetry(ctx context.Context, taskID string) (bool, error)

	// HeartbeatTask refreshes last_heartbeat while the task is processing.
	HeartbeatTask(ctx context.Context, taskID string) error

	GetStageResults(ctx context.Context, jobID string, stage int) ([]domain.TaskResult, error)
	GetTasks(ctx context.Context, jobID string, filter TaskFilter) ([]*domain.Task, error)
	GetStageProgress(ctx context.Context, jobID string) ([]StageProgress, error)

	// StaleTaskScan returns processing tasks whose heartbeat is older than the
	// threshold. Janitor input.
	StaleTaskScan(ctx context.Context, threshold time.Duration) ([]*domain.Task, error)

	// CompleteTaskAndCheckStage atomically applies the terminal task update and
	// answers "am I the last in this stage?" under a per-(job,stage) advisory
	// lock. A CAS miss on the task update still runs the counting step, so a
	// duplicate replay can heal a missed advancement.
	CompleteTaskAndCheckStage(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}
