package observability

import (
	"time"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
)

// Code enumerates checkpoint events. Codes are stable strings: log filters
// and metrics depend on them.
type Code string

const (
	CodeJobSubmit      Code = "JOB_SUBMIT"
	CodeJobStart       Code = "JOB_START"
	CodeStageFanout    Code = "STAGE_FANOUT"
	CodeTaskDispatch   Code = "TASK_DISPATCH"
	CodeTaskStart      Code = "TASK_START"
	CodeTaskExec       Code = "TASK_EXEC"
	CodeTaskRetry      Code = "TASK_RETRY"
	CodeStageLastTask  Code = "STAGE_LAST_TASK"
	CodeStageComplete  Code = "STAGE_COMPLETE"
	CodeStageAdvance   Code = "STAGE_ADVANCE"
	CodeStageAdvFail   Code = "STAGE_ADV_FAIL"
	CodeJobComplete    Code = "JOB_COMPLETE"
	CodeJobFail        Code = "JOB_FAIL"
	CodeJanitorScan    Code = "JANITOR_SCAN"
	CodeJanitorReap    Code = "JANITOR_REAP"
	CodeMsgDeadLetter  Code = "MSG_DEAD_LETTER"
	CodeMsgMalformed   Code = "MSG_MALFORMED"
	CodeLockRenewal    Code = "LOCK_RENEWAL"
	CodeLockCeilingHit Code = "LOCK_CEILING_HIT"
)

type Phase string

const (
	PhaseStart Phase = "start"
	PhaseOK    Phase = "ok"
	PhaseFail  Phase = "fail"
)

// Checkpoint is one structured progress record. CorrelationID stitches the
// records of a single message's processing; JobID filters a whole lifecycle.
type Checkpoint struct {
	Code          Code
	Phase         Phase
	CorrelationID string
	JobID         string
	TaskID        string
	Stage         int
	Duration      time.Duration
	ErrorKind     domain.Kind
	Err           error
}

// Emitter writes checkpoints to the structured log and mirrors them into the
// metrics surface.
type Emitter struct {
	log     *logger.Logger
	metrics *Metrics
}

func NewEmitter(baseLog *logger.Logger, metrics *Metrics) *Emitter {
	return &Emitter{
		log:     baseLog.With("component", "Checkpoint"),
		metrics: metrics,
	}
}

func (e *Emitter) Emit(cp Checkpoint) {
	if e == nil {
		return
	}
	fields := []interface{}{
		"code", string(cp.Code),
		"phase", string(cp.Phase),
	}
	if cp.CorrelationID != "" {
		fields = append(fields, "correlation_id", cp.CorrelationID)
	}
	if cp.JobID != "" {
		fields = append(fields, "job_id", cp.JobID)
	}
	if cp.TaskID != "" {
		fields = append(fields, "task_id", cp.TaskID)
	}
	if cp.Stage > 0 {
		fields = append(fields, "stage", cp.Stage)
	}
	if cp.Duration > 0 {
		fields = append(fields, "duration_ms", cp.Duration.Milliseconds())
	}
	if cp.ErrorKind != "" {
		fields = append(fields, "error_kind", string(cp.ErrorKind))
	}
	if cp.Err != nil {
		fields = append(fields, "error", cp.Err)
	}

	if cp.Phase == PhaseFail {
		e.log.Warn("checkpoint", fields...)
	} else {
		e.log.Info("checkpoint", fields...)
	}
	if e.metrics != nil {
		e.metrics.ObserveCheckpoint(cp.Code, cp.Phase)
	}
}
