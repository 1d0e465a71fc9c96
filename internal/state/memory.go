package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/taskfabric/internal/domain"
	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
)

// memStore is a process-local Store with the same CAS and fan-in semantics as
// the Postgres implementation. A single mutex plays the role of the advisory
// lock: the terminal task write and the remaining-count read are one critical
// section per call. Used by tests and local development.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	tasks map[string]*domain.Task
}

func NewMemoryStore() Store {
	return &memStore{
		jobs:  map[string]*domain.Job{},
		tasks: map[string]*domain.Task{},
	}
}

func (s *memStore) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return true, nil
	}
	cp := *job
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.jobs[job.ID] = &cp
	return false, nil
}

func (s *memStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkJobProcessing(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, pkgerrors.ErrNotFound
	}
	switch job.Status {
	case domain.JobQueued:
		job.Status = domain.JobProcessing
		job.UpdatedAt = time.Now()
		return true, nil
	case domain.JobProcessing:
		return true, nil
	default:
		return false, nil
	}
}

func (s *memStore) AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, results []domain.TaskResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, pkgerrors.ErrNotFound
	}
	if toStage != fromStage+1 || job.Status != domain.JobProcessing || job.Stage != fromStage {
		return false, nil
	}
	merged, err := mergeStageResults(job.StageResults, fromStage, results)
	if err != nil {
		return false, err
	}
	job.Stage = toStage
	job.StageResults = merged
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) CompleteJob(ctx context.Context, jobID string, finalStage int, results []domain.TaskResult, resultData map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, pkgerrors.ErrNotFound
	}
	if job.Status != domain.JobProcessing {
		return false, nil
	}
	merged, err := mergeStageResults(job.StageResults, finalStage, results)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(resultData)
	if err != nil {
		return false, err
	}
	job.Status = domain.JobCompleted
	job.StageResults = merged
	job.ResultData = datatypes.JSON(b)
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) FailJob(ctx context.Context, jobID string, jobErr *domain.JobError) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, pkgerrors.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	b, err := json.Marshal(jobErr)
	if err != nil {
		return false, err
	}
	job.Status = domain.JobFailed
	job.Error = datatypes.JSON(b)
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) CreateTasks(ctx context.Context, tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			continue
		}
		cp := *t
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.tasks[t.ID] = &cp
	}
	return nil
}

func (s *memStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to domain.TaskStatus, payload *TerminalPayload) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casTaskLocked(taskID, from, to, payload)
}

func (s *memStore) casTaskLocked(taskID string, from, to domain.TaskStatus, payload *TerminalPayload) (bool, error) {
	if !domain.ValidTaskTransition(from, to) {
		return false, nil
	}
	t, ok := s.tasks[taskID]
	if !ok || t.Status != from {
		return false, nil
	}
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case domain.TaskProcessing:
		t.StartedAt = &now
		t.LastHeartbeat = &now
	case domain.TaskCompleted, domain.TaskFailed:
		t.CompletedAt = &now
		if payload != nil && payload.Result != nil {
			b, err := json.Marshal(payload.Result)
			if err != nil {
				return false, err
			}
			t.ResultData = datatypes.JSON(b)
		}
		if payload != nil && payload.Error != nil {
			b, err := json.Marshal(payload.Error)
			if err != nil {
				return false, err
			}
			t.ErrorDetails = datatypes.JSON(b)
		}
	}
	return true, nil
}

func (s *memStore) RequeueTaskForRetry(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskProcessing {
		return false, nil
	}
	t.Status = domain.TaskQueued
	t.RetryCount++
	t.LastHeartbeat = nil
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) HeartbeatTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskProcessing {
		return nil
	}
	now := time.Now()
	t.LastHeartbeat = &now
	t.UpdatedAt = now
	return nil
}

func (s *memStore) GetStageResults(ctx context.Context, jobID string, stage int) ([]domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.stageTasksLocked(jobID, stage, true)
	return tasksToResults(tasks), nil
}

func (s *memStore) GetTasks(ctx context.Context, jobID string, filter TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ParentJobID != jobID {
			continue
		}
		if filter.Stage != nil && t.Stage != *filter.Stage {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].TaskIndex < out[j].TaskIndex
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) GetStageProgress(ctx context.Context, jobID string) ([]StageProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStage := map[int]*StageProgress{}
	for _, t := range s.tasks {
		if t.ParentJobID != jobID {
			continue
		}
		p, ok := byStage[t.Stage]
		if !ok {
			p = &StageProgress{Stage: t.Stage}
			byStage[t.Stage] = p
		}
		p.Total++
		switch t.Status {
		case domain.TaskQueued:
			p.Queued++
		case domain.TaskProcessing:
			p.Processing++
		case domain.TaskCompleted:
			p.Completed++
		case domain.TaskFailed:
			p.Failed++
		}
	}
	stages := make([]int, 0, len(byStage))
	for st := range byStage {
		stages = append(stages, st)
	}
	sort.Ints(stages)
	out := make([]StageProgress, 0, len(stages))
	for _, st := range stages {
		out = append(out, *byStage[st])
	}
	return out, nil
}

func (s *memStore) StaleTaskScan(ctx context.Context, threshold time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskProcessing && t.LastHeartbeat != nil && t.LastHeartbeat.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CompleteTaskAndCheckStage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if !req.Status.Terminal() {
		return nil, pkgerrors.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &CompletionResult{}
	updated, err := s.casTaskLocked(req.TaskID, domain.TaskProcessing, req.Status,
		&TerminalPayload{Result: req.Result, Error: req.Error})
	if err != nil {
		return nil, err
	}
	out.TaskUpdated = updated

	for _, t := range s.stageTasksLocked(req.JobID, req.Stage, false) {
		if !t.Status.Terminal() {
			out.RemainingInStage++
		}
	}
	if out.RemainingInStage != 0 {
		return out, nil
	}
	out.StageComplete = true
	job, ok := s.jobs[req.JobID]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	out.JobCompleteHint = req.Stage == job.TotalStages
	return out, nil
}

func (s *memStore) stageTasksLocked(jobID string, stage int, terminalOnly bool) []*domain.Task {
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ParentJobID != jobID || t.Stage != stage {
			continue
		}
		if terminalOnly && !t.Status.Terminal() {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskIndex < out[j].TaskIndex })
	return out
}
