package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
)

const (
	testJobQueue  = "jobs"
	testTaskQueue = "tasks"
)

type env struct {
	krn *Kernel
	q   *queue.MemoryQueue
	st  state.Store
	reg *registry.Registry
}

func newEnv(t *testing.T, maxRetries int) *env {
	t.Helper()
	reg := registry.New()
	st := state.NewMemoryStore()
	q := queue.NewMemoryQueue()
	log := logger.NewNop()
	emit := observability.NewEmitter(log, nil)
	iv := NewInvoker(reg, emit, nil, time.Second, nil)

	p := DefaultRetryPolicy()
	p.MaxRetries = maxRetries
	p.MinBackoff = time.Millisecond
	p.MaxBackoff = 2 * time.Millisecond

	krn := New(st, q, reg, iv, p, emit, nil, log, Config{
		JobQueue:          testJobQueue,
		TaskQueue:         testTaskQueue,
		HeartbeatInterval: time.Hour,
	})
	return &env{krn: krn, q: q, st: st, reg: reg}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// twoStageDef fans out params["count"] tasks in stage 1 and one join task per
// stage-1 result in stage 2.
func twoStageDef(stage1, stage2 domain.StageDef) *domain.JobDefinition {
	return &domain.JobDefinition{
		JobType: "twostage",
		Stages:  []domain.StageDef{stage1, stage2},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, prev []domain.TaskResult) ([]domain.TaskSpec, error) {
			switch stage {
			case 1:
				n := toInt(jobParams["count"])
				specs := make([]domain.TaskSpec, 0, n)
				for i := 0; i < n; i++ {
					specs = append(specs, domain.TaskSpec{Parameters: map[string]any{"index": i}})
				}
				return specs, nil
			default:
				specs := make([]domain.TaskSpec, 0, len(prev))
				for _, r := range prev {
					specs = append(specs, domain.TaskSpec{Parameters: map[string]any{"from": r.TaskID}})
				}
				return specs, nil
			}
		},
		FinalizeJob: func(fc domain.FinalizeContext) (map[string]any, error) {
			completed := 0
			for _, results := range fc.StageResults {
				for _, r := range results {
					if r.Status == domain.TaskCompleted {
						completed++
					}
				}
			}
			return map[string]any{"tasks_completed": completed}, nil
		},
	}
}

func okHandler(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
	return &domain.HandlerResult{Success: true, Result: map[string]any{"ok": true}}, nil
}

func (e *env) submitJob(t *testing.T, jobType string, params map[string]any, totalStages int) string {
	t.Helper()
	ctx := context.Background()
	jobID, err := domain.DeterministicJobID(jobType, params)
	if err != nil {
		t.Fatalf("DeterministicJobID: %v", err)
	}
	b, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if _, err := e.st.CreateJob(ctx, &domain.Job{
		ID:          jobID,
		JobType:     jobType,
		Parameters:  datatypes.JSON(b),
		Status:      domain.JobQueued,
		Stage:       1,
		TotalStages: totalStages,
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	msg := domain.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         1,
		Parameters:    params,
		CorrelationID: domain.NewCorrelationID(),
	}
	body, _ := json.Marshal(&msg)
	if err := e.q.Send(ctx, testJobQueue, body); err != nil {
		t.Fatalf("Send: %v", err)
	}
	return jobID
}

// pump drains both queues through the kernel until idle, settling each
// delivery according to the outcome.
func (e *env) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		if e.q.Len(testJobQueue) == 0 && e.q.Len(testTaskQueue) == 0 {
			return
		}
		if d, _ := e.q.Receive(ctx, testJobQueue); d != nil {
			out, err := e.krn.ProcessJobMessage(ctx, d.Msg.Body)
			e.settle(t, ctx, d, out, err)
			continue
		}
		if d, _ := e.q.Receive(ctx, testTaskQueue); d != nil {
			out, err := e.krn.ProcessTaskMessage(ctx, d.Msg.Body)
			e.settle(t, ctx, d, out, err)
		}
	}
	t.Fatalf("queues did not drain: jobs=%d tasks=%d", e.q.Len(testJobQueue), e.q.Len(testTaskQueue))
}

func (e *env) settle(t *testing.T, ctx context.Context, d *queue.Delivery, out Outcome, err error) {
	t.Helper()
	switch out {
	case Ack:
		_ = d.Ack(ctx)
	case DeadLetter:
		_ = d.DeadLetter(ctx)
	default:
		t.Fatalf("unexpected abandon during test pump: %v", err)
	}
}

func (e *env) mustGetJob(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := e.st.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

func TestTwoStageJobCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 3)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "ts.fan", Parallelism: domain.ParallelismDynamic},
		domain.StageDef{Number: 2, Name: "join", TaskType: "ts.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("ts.fan", okHandler)
	_ = e.reg.RegisterHandler("ts.join", okHandler)

	jobID := e.submitJob(t, "twostage", map[string]any{"count": 3}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s (error=%s)", job.Status, job.Error)
	}
	decoded, err := job.DecodeStageResults()
	if err != nil {
		t.Fatalf("DecodeStageResults: %v", err)
	}
	if len(decoded[1]) != 3 || len(decoded[2]) != 3 {
		t.Fatalf("unexpected stage results: s1=%d s2=%d", len(decoded[1]), len(decoded[2]))
	}
	var result map[string]any
	if err := json.Unmarshal(job.ResultData, &result); err != nil {
		t.Fatalf("decode result_data: %v", err)
	}
	if toInt(result["tasks_completed"]) != 6 {
		t.Fatalf("unexpected result_data: %+v", result)
	}

	tasks, _ := e.st.GetTasks(context.Background(), jobID, state.TaskFilter{})
	if len(tasks) != 6 {
		t.Fatalf("expected 6 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			t.Fatalf("task %s not completed: %s", task.ID, task.Status)
		}
	}
}

// Fan-out at realistic width: a 204-task stage feeding a 204-task join must
// leave one row per task and advance the stage exactly once.
func TestLargeFanOutCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "wide.fan", Parallelism: domain.ParallelismDynamic},
		domain.StageDef{Number: 2, Name: "join", TaskType: "wide.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "wide"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("wide.fan", okHandler)
	_ = e.reg.RegisterHandler("wide.join", okHandler)

	const width = 204
	jobID := e.submitJob(t, "wide", map[string]any{"count": width}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s (error=%s)", job.Status, job.Error)
	}
	if job.Stage != 2 {
		t.Fatalf("unexpected final stage: got=%d want=2", job.Stage)
	}
	decoded, err := job.DecodeStageResults()
	if err != nil {
		t.Fatalf("DecodeStageResults: %v", err)
	}
	// One advancement only: each stage's results are recorded exactly once,
	// one entry per task.
	if len(decoded) != 2 || len(decoded[1]) != width || len(decoded[2]) != width {
		t.Fatalf("unexpected stage results: stages=%d s1=%d s2=%d", len(decoded), len(decoded[1]), len(decoded[2]))
	}
	var result map[string]any
	if err := json.Unmarshal(job.ResultData, &result); err != nil {
		t.Fatalf("decode result_data: %v", err)
	}
	if toInt(result["tasks_completed"]) != 2*width {
		t.Fatalf("unexpected result_data: %+v", result)
	}

	tasks, err := e.st.GetTasks(context.Background(), jobID, state.TaskFilter{})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if len(tasks) != 2*width {
		t.Fatalf("expected %d task rows, got %d", 2*width, len(tasks))
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			t.Fatalf("task %s not completed: %s", task.ID, task.Status)
		}
	}
}

func TestEmptyStageAllowed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := &domain.JobDefinition{
		JobType: "maybework",
		Stages: []domain.StageDef{
			{Number: 1, Name: "scan", TaskType: "mw.scan", Parallelism: domain.ParallelismDynamic, AllowEmpty: true},
			{Number: 2, Name: "report", TaskType: "mw.report", Parallelism: domain.ParallelismSingle},
		},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, prev []domain.TaskResult) ([]domain.TaskSpec, error) {
			if stage == 1 {
				return nil, nil // nothing matched the scan
			}
			return []domain.TaskSpec{{Parameters: map[string]any{"found": len(prev)}}}, nil
		},
		FinalizeJob: func(fc domain.FinalizeContext) (map[string]any, error) {
			return map[string]any{"scanned": len(fc.StageResults[1])}, nil
		},
	}
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("mw.scan", okHandler)
	_ = e.reg.RegisterHandler("mw.report", okHandler)

	jobID := e.submitJob(t, "maybework", map[string]any{}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s (error=%s)", job.Status, job.Error)
	}
	decoded, _ := job.DecodeStageResults()
	if len(decoded[1]) != 0 {
		t.Fatalf("stage 1 should have empty results: %+v", decoded[1])
	}
	if len(decoded[2]) != 1 {
		t.Fatalf("stage 2 should have one result: %+v", decoded[2])
	}
}

func TestEmptyStageRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := &domain.JobDefinition{
		JobType: "strict",
		Stages: []domain.StageDef{
			{Number: 1, Name: "only", TaskType: "strict.work", Parallelism: domain.ParallelismDynamic},
		},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, prev []domain.TaskResult) ([]domain.TaskSpec, error) {
			return nil, nil
		},
		FinalizeJob: func(fc domain.FinalizeContext) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("strict.work", okHandler)

	jobID := e.submitJob(t, "strict", map[string]any{}, 1)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	jobErr := job.DecodeError()
	if jobErr == nil || jobErr.Kind != domain.KindDefinitionError {
		t.Fatalf("unexpected error: %+v", jobErr)
	}
}

func TestUnknownJobTypeFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)

	jobID := e.submitJob(t, "ghost", map[string]any{}, 1)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	jobErr := job.DecodeError()
	if jobErr == nil || jobErr.Kind != domain.KindUnknownJobType {
		t.Fatalf("unexpected error: %+v", jobErr)
	}
}

func TestMalformedMessagesDeadLetter(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	ctx := context.Background()

	out, err := e.krn.ProcessJobMessage(ctx, []byte(`{"not json`))
	if out != DeadLetter || err == nil {
		t.Fatalf("expected dead-letter for malformed body: out=%v err=%v", out, err)
	}
	out, err = e.krn.ProcessTaskMessage(ctx, []byte(`{"task_id":""}`))
	if out != DeadLetter || err == nil {
		t.Fatalf("expected dead-letter for incomplete task message: out=%v err=%v", out, err)
	}

	// Job message for a row that was never created cannot ever be processed.
	msg := domain.JobMessage{JobID: "deadbeef", JobType: "twostage", Stage: 1}
	body, _ := json.Marshal(&msg)
	out, err = e.krn.ProcessJobMessage(ctx, body)
	if out != DeadLetter || err == nil {
		t.Fatalf("expected dead-letter for unknown job row: out=%v err=%v", out, err)
	}
}

func TestTaskRetryThenSuccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 3)
	var attempts int32
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "flaky.fan", Parallelism: domain.ParallelismSingle},
		domain.StageDef{Number: 2, Name: "join", TaskType: "flaky.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "flaky"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("flaky.fan", func(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return nil, fmt.Errorf("transient downstream blip")
		}
		return &domain.HandlerResult{Success: true}, nil
	})
	_ = e.reg.RegisterHandler("flaky.join", okHandler)

	jobID := e.submitJob(t, "flaky", map[string]any{"count": 1}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s (error=%s)", job.Status, job.Error)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("unexpected attempts: got=%d want=3", got)
	}
	tasks, _ := e.st.GetTasks(context.Background(), jobID, state.TaskFilter{})
	for _, task := range tasks {
		if task.TaskType == "flaky.fan" && task.RetryCount != 2 {
			t.Fatalf("retry count not persisted: got=%d want=2", task.RetryCount)
		}
	}
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	var attempts int32
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "doomed.fan", Parallelism: domain.ParallelismSingle},
		domain.StageDef{Number: 2, Name: "join", TaskType: "doomed.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "doomed"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("doomed.fan", func(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, fmt.Errorf("permanent breakage")
	})
	_ = e.reg.RegisterHandler("doomed.join", okHandler)

	jobID := e.submitJob(t, "doomed", map[string]any{"count": 1}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	jobErr := job.DecodeError()
	if jobErr == nil || jobErr.Kind != domain.KindHandlerFailure {
		t.Fatalf("unexpected error: %+v", jobErr)
	}
	if jobErr.TaskID == "" {
		t.Fatalf("job error should name the failing task")
	}
	// Initial attempt plus one retry.
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("unexpected attempts: got=%d want=2", got)
	}
}

func TestContinueOnTaskFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "partial.fan", Parallelism: domain.ParallelismDynamic, ContinueOnTaskFailure: true},
		domain.StageDef{Number: 2, Name: "join", TaskType: "partial.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "partial"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("partial.fan", func(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
		if toInt(params["index"]) == 0 {
			return &domain.HandlerResult{Success: false, Error: "row rejected"}, nil
		}
		return &domain.HandlerResult{Success: true}, nil
	})
	_ = e.reg.RegisterHandler("partial.join", okHandler)

	jobID := e.submitJob(t, "partial", map[string]any{"count": 2}, 2)
	e.pump(t)

	job := e.mustGetJob(t, jobID)
	if job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s (error=%s)", job.Status, job.Error)
	}
	decoded, _ := job.DecodeStageResults()
	failed := 0
	for _, r := range decoded[1] {
		if r.Status == domain.TaskFailed {
			failed++
			if r.Error == nil || r.Error.Kind != domain.KindHandlerFailure {
				t.Fatalf("failed result missing error record: %+v", r)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected one failed stage-1 record, got %d", failed)
	}
}

func TestDuplicateTaskMessageAcked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	var invocations int32
	def := &domain.JobDefinition{
		JobType: "single",
		Stages: []domain.StageDef{
			{Number: 1, Name: "only", TaskType: "single.work", Parallelism: domain.ParallelismSingle},
		},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, prev []domain.TaskResult) ([]domain.TaskSpec, error) {
			return []domain.TaskSpec{{Parameters: map[string]any{}}}, nil
		},
		FinalizeJob: func(fc domain.FinalizeContext) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("single.work", func(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
		atomic.AddInt32(&invocations, 1)
		return &domain.HandlerResult{Success: true}, nil
	})

	ctx := context.Background()
	jobID := e.submitJob(t, "single", map[string]any{}, 1)

	d, _ := e.q.Receive(ctx, testJobQueue)
	if out, err := e.krn.ProcessJobMessage(ctx, d.Msg.Body); out != Ack {
		t.Fatalf("job message: out=%v err=%v", out, err)
	}
	_ = d.Ack(ctx)

	td, _ := e.q.Receive(ctx, testTaskQueue)
	taskBody := td.Msg.Body
	if out, err := e.krn.ProcessTaskMessage(ctx, taskBody); out != Ack {
		t.Fatalf("task message: out=%v err=%v", out, err)
	}
	_ = td.Ack(ctx)

	// At-least-once redelivery of the already-completed task.
	if out, err := e.krn.ProcessTaskMessage(ctx, taskBody); out != Ack {
		t.Fatalf("duplicate task message: out=%v err=%v", out, err)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("handler must run once, ran %d times", got)
	}
	if job := e.mustGetJob(t, jobID); job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s", job.Status)
	}
}

func TestDuplicateJobMessageAcked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "dup.fan", Parallelism: domain.ParallelismSingle},
		domain.StageDef{Number: 2, Name: "join", TaskType: "dup.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "dup"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("dup.fan", okHandler)
	_ = e.reg.RegisterHandler("dup.join", okHandler)

	ctx := context.Background()
	jobID := e.submitJob(t, "dup", map[string]any{"count": 1}, 2)

	// Keep a copy of the stage-1 message, then run the job to completion.
	d, _ := e.q.Receive(ctx, testJobQueue)
	stage1Body := append([]byte(nil), d.Msg.Body...)
	_ = d.Abandon(ctx)
	e.pump(t)

	if job := e.mustGetJob(t, jobID); job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	before, _ := e.st.GetTasks(ctx, jobID, state.TaskFilter{})

	if out, err := e.krn.ProcessJobMessage(ctx, stage1Body); out != Ack {
		t.Fatalf("duplicate job message: out=%v err=%v", out, err)
	}
	after, _ := e.st.GetTasks(ctx, jobID, state.TaskFilter{})
	if len(after) != len(before) {
		t.Fatalf("duplicate job message created tasks: before=%d after=%d", len(before), len(after))
	}
}

// A crash after the stage advance but before the next job message is sent
// must heal on task-message redelivery.
func TestLostAdvanceMessageHeals(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "heal.fan", Parallelism: domain.ParallelismSingle},
		domain.StageDef{Number: 2, Name: "join", TaskType: "heal.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "heal"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("heal.fan", okHandler)
	_ = e.reg.RegisterHandler("heal.join", okHandler)

	ctx := context.Background()
	jobID := e.submitJob(t, "heal", map[string]any{"count": 1}, 2)

	d, _ := e.q.Receive(ctx, testJobQueue)
	if out, _ := e.krn.ProcessJobMessage(ctx, d.Msg.Body); out != Ack {
		t.Fatalf("stage 1 fan-out failed")
	}
	_ = d.Ack(ctx)

	td, _ := e.q.Receive(ctx, testTaskQueue)
	taskBody := append([]byte(nil), td.Msg.Body...)
	if out, _ := e.krn.ProcessTaskMessage(ctx, taskBody); out != Ack {
		t.Fatalf("stage 1 task failed")
	}
	_ = td.Ack(ctx)

	// Simulate losing the stage-2 job message before anyone consumed it.
	lost, _ := e.q.Receive(ctx, testJobQueue)
	if lost == nil {
		t.Fatalf("expected a stage-2 job message")
	}
	_ = lost.Ack(ctx)
	if job := e.mustGetJob(t, jobID); job.Stage != 2 {
		t.Fatalf("job should be at stage 2, got %d", job.Stage)
	}

	// Redelivery of the completed stage-1 task re-runs the counting step and
	// re-sends the missing stage-2 message.
	if out, err := e.krn.ProcessTaskMessage(ctx, taskBody); out != Ack {
		t.Fatalf("redelivered task message: out=%v err=%v", out, err)
	}
	if e.q.Len(testJobQueue) != 1 {
		t.Fatalf("stage-2 message was not regenerated")
	}
	e.pump(t)
	if job := e.mustGetJob(t, jobID); job.Status != domain.JobCompleted {
		t.Fatalf("unexpected status after healing: %s", job.Status)
	}
}

func TestStaleStageMessageAcked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	def := twoStageDef(
		domain.StageDef{Number: 1, Name: "fan", TaskType: "old.fan", Parallelism: domain.ParallelismSingle},
		domain.StageDef{Number: 2, Name: "join", TaskType: "old.join", Parallelism: domain.ParallelismMatchPrevious},
	)
	def.JobType = "old"
	_ = e.reg.RegisterJob(def)
	_ = e.reg.RegisterHandler("old.fan", okHandler)
	_ = e.reg.RegisterHandler("old.join", okHandler)

	ctx := context.Background()
	jobID := e.submitJob(t, "old", map[string]any{"count": 1}, 2)

	// Run stage 1 only, leaving the job mid-flight at stage 2.
	d, _ := e.q.Receive(ctx, testJobQueue)
	if out, _ := e.krn.ProcessJobMessage(ctx, d.Msg.Body); out != Ack {
		t.Fatalf("stage 1 fan-out failed")
	}
	_ = d.Ack(ctx)
	td, _ := e.q.Receive(ctx, testTaskQueue)
	if out, _ := e.krn.ProcessTaskMessage(ctx, td.Msg.Body); out != Ack {
		t.Fatalf("stage 1 task failed")
	}
	_ = td.Ack(ctx)
	if job := e.mustGetJob(t, jobID); job.Stage != 2 {
		t.Fatalf("job should be at stage 2, got %d", job.Stage)
	}

	// A stage-1 duplicate after the job moved on is a benign ack.
	msg := domain.JobMessage{JobID: jobID, JobType: "old", Stage: 1, Parameters: map[string]any{"count": 1}}
	body, _ := json.Marshal(&msg)
	if out, err := e.krn.ProcessJobMessage(ctx, body); out != Ack {
		t.Fatalf("stale stage message: out=%v err=%v", out, err)
	}

	// A message for a stage the job never reached is unprocessable.
	msg.Stage = 9
	body, _ = json.Marshal(&msg)
	if out, _ := e.krn.ProcessJobMessage(ctx, body); out != DeadLetter {
		t.Fatalf("future stage message should dead-letter, got %v", out)
	}

	e.pump(t)
	if job := e.mustGetJob(t, jobID); job.Status != domain.JobCompleted {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
}
