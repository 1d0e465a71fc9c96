package submit

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/observability"
	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
)

// Service is the submission front of the kernel: validates parameters,
// derives the deterministic job id, creates the job row idempotently and
// enqueues the first stage message.
type Service struct {
	state    state.Store
	queue    queue.Queue
	reg      *registry.Registry
	emit     *observability.Emitter
	log      *logger.Logger
	jobQueue string
}

func NewService(st state.Store, q queue.Queue, reg *registry.Registry, emit *observability.Emitter, baseLog *logger.Logger, jobQueue string) *Service {
	return &Service{
		state:    st,
		queue:    q,
		reg:      reg,
		emit:     emit,
		log:      baseLog.With("component", "Submit"),
		jobQueue: jobQueue,
	}
}

// Receipt is what a submission returns. Existed is true when the identical
// job (same type, same parameters) was already known; the receipt then
// reflects the existing job's current status.
type Receipt struct {
	JobID   string
	Status  domain.JobStatus
	Existed bool
}

// Submit validates and enqueues one job. Resubmitting identical parameters
// returns the existing job rather than creating a second one.
func (s *Service) Submit(ctx context.Context, jobType string, rawParams map[string]any) (*Receipt, error) {
	def, ok := s.reg.JobDef(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown job_type %q", pkgerrors.ErrInvalidArgument, jobType)
	}
	params, err := def.Schema.Validate(rawParams)
	if err != nil {
		return nil, err
	}

	jobID, err := domain.DeterministicJobID(jobType, params)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:          jobID,
		JobType:     jobType,
		Parameters:  datatypes.JSON(paramsJSON),
		Status:      domain.JobQueued,
		Stage:       1,
		TotalStages: def.TotalStages(),
	}
	existed, err := s.state.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if existed {
		current, err := s.state.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		s.log.Debug("Duplicate submission", "job_id", jobID, "status", current.Status)
		if current.Status != domain.JobQueued || current.Stage != 1 {
			return &Receipt{JobID: jobID, Status: current.Status, Existed: true}, nil
		}
		// Still queued at stage 1: the original enqueue may have been lost.
		// Re-sending is safe, the kernel tolerates duplicate job messages.
	}

	msg := domain.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         1,
		Parameters:    params,
		CorrelationID: domain.NewCorrelationID(),
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return nil, err
	}
	// The row is already committed; if the send fails the caller can retry
	// the identical submission and only this enqueue re-runs.
	if err := s.queue.Send(ctx, s.jobQueue, body); err != nil {
		return nil, fmt.Errorf("enqueue job message: %w", err)
	}

	s.emit.Emit(observability.Checkpoint{
		Code: observability.CodeJobSubmit, Phase: observability.PhaseOK,
		CorrelationID: msg.CorrelationID, JobID: jobID,
	})
	return &Receipt{JobID: jobID, Status: domain.JobQueued, Existed: existed}, nil
}

// FailJob lets an operator force a non-terminal job into failed state. An
// already-terminal job reports ErrConflict; the CAS inside the store keeps
// the terminal record untouched.
func (s *Service) FailJob(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "failed by operator"
	}
	failed, err := s.state.FailJob(ctx, jobID, &domain.JobError{
		Kind:    domain.KindOperatorFailed,
		Message: reason,
	})
	if err != nil {
		return err
	}
	if !failed {
		return fmt.Errorf("%w: job %s is already in a terminal state", pkgerrors.ErrConflict, jobID)
	}
	return nil
}
