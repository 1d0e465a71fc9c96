package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/taskfabric/internal/domain"
	pkgerrors "github.com/yungbote/taskfabric/internal/pkg/errors"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
)

type pgStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresStore returns the production Store over a gorm Postgres handle.
func NewPostgresStore(db *gorm.DB, baseLog *logger.Logger) Store {
	return &pgStore{
		db:  db,
		log: baseLog.With("component", "PostgresStore"),
	}
}

func (s *pgStore) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		// A 23505 slipping past the conflict clause (racing insert on a
		// unique index the clause does not target) is the same existing row.
		if IsUniqueViolation(res.Error) {
			return true, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

func (s *pgStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *pgStore) MarkJobProcessing(ctx context.Context, jobID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status = ?", jobID, domain.JobQueued).
		Updates(map[string]interface{}{
			"status":     domain.JobProcessing,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == domain.JobProcessing, nil
}

func (s *pgStore) AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, results []domain.TaskResult) (bool, error) {
	if toStage != fromStage+1 {
		return false, fmt.Errorf("advance %s: stage must move by exactly 1 (%d -> %d)", jobID, fromStage, toStage)
	}
	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		qErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return pkgerrors.ErrNotFound
		}
		if qErr != nil {
			return qErr
		}
		if job.Status != domain.JobProcessing || job.Stage != fromStage {
			return nil
		}
		merged, mErr := mergeStageResults(job.StageResults, fromStage, results)
		if mErr != nil {
			return mErr
		}
		uErr := tx.Model(&domain.Job{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"stage":         toStage,
				"stage_results": merged,
				"updated_at":    time.Now(),
			}).Error
		if uErr != nil {
			return uErr
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

func (s *pgStore) CompleteJob(ctx context.Context, jobID string, finalStage int, results []domain.TaskResult, resultData map[string]any) (bool, error) {
	completed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		qErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return pkgerrors.ErrNotFound
		}
		if qErr != nil {
			return qErr
		}
		if job.Status != domain.JobProcessing {
			return nil
		}
		merged, mErr := mergeStageResults(job.StageResults, finalStage, results)
		if mErr != nil {
			return mErr
		}
		resultJSON, mErr2 := json.Marshal(resultData)
		if mErr2 != nil {
			return mErr2
		}
		uErr := tx.Model(&domain.Job{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":        domain.JobCompleted,
				"stage_results": merged,
				"result_data":   datatypes.JSON(resultJSON),
				"updated_at":    time.Now(),
			}).Error
		if uErr != nil {
			return uErr
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (s *pgStore) FailJob(ctx context.Context, jobID string, jobErr *domain.JobError) (bool, error) {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []domain.JobStatus{domain.JobCompleted, domain.JobFailed}).
		Updates(map[string]interface{}{
			"status":     domain.JobFailed,
			"error":      datatypes.JSON(errJSON),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *pgStore) CreateTasks(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, DoNothing: true}).
			Create(&tasks).Error
	})
	// Task ids are deterministic, so a duplicate row carries an identical
	// payload and the batch has already been persisted by the earlier writer.
	if err != nil && IsUniqueViolation(err) {
		return nil
	}
	return err
}

func (s *pgStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to domain.TaskStatus, payload *TerminalPayload) (bool, error) {
	if !domain.ValidTaskTransition(from, to) {
		return false, nil
	}
	updates, err := taskTransitionUpdates(to, payload)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *pgStore) RequeueTaskForRetry(ctx context.Context, taskID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, domain.TaskProcessing).
		Updates(map[string]interface{}{
			"status":         domain.TaskQueued,
			"retry_count":    gorm.Expr("retry_count + 1"),
			"last_heartbeat": nil,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *pgStore) HeartbeatTask(ctx context.Context, taskID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, domain.TaskProcessing).
		Updates(map[string]interface{}{
			"last_heartbeat": now,
			"updated_at":     now,
		}).Error
}

func (s *pgStore) GetStageResults(ctx context.Context, jobID string, stage int) ([]domain.TaskResult, error) {
	var tasks []*domain.Task
	err := s.db.WithContext(ctx).
		Where("parent_job_id = ? AND stage = ? AND status IN ?", jobID, stage,
			[]domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed}).
		Order("task_index ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasksToResults(tasks), nil
}

func (s *pgStore) GetTasks(ctx context.Context, jobID string, filter TaskFilter) ([]*domain.Task, error) {
	q := s.db.WithContext(ctx).Where("parent_job_id = ?", jobID)
	if filter.Stage != nil {
		q = q.Where("stage = ?", *filter.Stage)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var tasks []*domain.Task
	if err := q.Order("stage ASC, task_index ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *pgStore) GetStageProgress(ctx context.Context, jobID string) ([]StageProgress, error) {
	type row struct {
		Stage  int
		Status domain.TaskStatus
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("stage, status, count(*) as n").
		Where("parent_job_id = ?", jobID).
		Group("stage, status").
		Order("stage ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	byStage := map[int]*StageProgress{}
	order := []int{}
	for _, r := range rows {
		p, ok := byStage[r.Stage]
		if !ok {
			p = &StageProgress{Stage: r.Stage}
			byStage[r.Stage] = p
			order = append(order, r.Stage)
		}
		p.Total += r.N
		switch r.Status {
		case domain.TaskQueued:
			p.Queued += r.N
		case domain.TaskProcessing:
			p.Processing += r.N
		case domain.TaskCompleted:
			p.Completed += r.N
		case domain.TaskFailed:
			p.Failed += r.N
		}
	}
	out := make([]StageProgress, 0, len(order))
	for _, st := range order {
		out = append(out, *byStage[st])
	}
	return out, nil
}

func (s *pgStore) StaleTaskScan(ctx context.Context, threshold time.Duration) ([]*domain.Task, error) {
	cutoff := time.Now().Add(-threshold)
	var tasks []*domain.Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?", domain.TaskProcessing, cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *pgStore) CompleteTaskAndCheckStage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("complete task %s: status %q is not terminal", req.TaskID, req.Status)
	}
	out := &CompletionResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates, uErr := taskTransitionUpdates(req.Status, &TerminalPayload{Result: req.Result, Error: req.Error})
		if uErr != nil {
			return uErr
		}
		res := tx.Model(&domain.Task{}).
			Where("task_id = ? AND status = ?", req.TaskID, domain.TaskProcessing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		out.TaskUpdated = res.RowsAffected > 0

		// Serialize the remaining-count read per (job, stage). A single
		// transaction-scoped advisory key keeps the last-task check O(1) and
		// free of row-lock fan-out.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", stageLockKey(req.JobID, req.Stage)).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&domain.Task{}).
			Where("parent_job_id = ? AND stage = ? AND status NOT IN ?", req.JobID, req.Stage,
				[]domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed}).
			Count(&remaining).Error; err != nil {
			return err
		}
		out.RemainingInStage = int(remaining)
		if remaining != 0 {
			return nil
		}
		out.StageComplete = true

		var job domain.Job
		if err := tx.Select("total_stages").Where("job_id = ?", req.JobID).First(&job).Error; err != nil {
			return err
		}
		out.JobCompleteHint = req.Stage == job.TotalStages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stageLockKey hashes (job_id, stage) into the 64-bit advisory lock keyspace.
func stageLockKey(jobID string, stage int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	_, _ = fmt.Fprintf(h, ":stage:%d", stage)
	return int64(h.Sum64())
}

func taskTransitionUpdates(to domain.TaskStatus, payload *TerminalPayload) (map[string]interface{}, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case domain.TaskProcessing:
		updates["started_at"] = now
		updates["last_heartbeat"] = now
	case domain.TaskCompleted, domain.TaskFailed:
		updates["completed_at"] = now
		if payload != nil && payload.Result != nil {
			b, err := json.Marshal(payload.Result)
			if err != nil {
				return nil, err
			}
			updates["result_data"] = datatypes.JSON(b)
		}
		if payload != nil && payload.Error != nil {
			b, err := json.Marshal(payload.Error)
			if err != nil {
				return nil, err
			}
			updates["error_details"] = datatypes.JSON(b)
		}
	}
	return updates, nil
}

func tasksToResults(tasks []*domain.Task) []domain.TaskResult {
	out := make([]domain.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		r := domain.TaskResult{
			TaskID:    t.ID,
			TaskIndex: t.TaskIndex,
			Status:    t.Status,
			Error:     t.DecodeError(),
		}
		if len(t.ResultData) > 0 && string(t.ResultData) != "null" {
			var m map[string]any
			if err := json.Unmarshal(t.ResultData, &m); err == nil {
				r.Result = m
			}
		}
		out = append(out, r)
	}
	return out
}

func mergeStageResults(raw datatypes.JSON, stage int, results []domain.TaskResult) (datatypes.JSON, error) {
	m := map[string][]domain.TaskResult{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode stage_results: %w", err)
		}
	}
	key := fmt.Sprintf("%d", stage)
	if _, exists := m[key]; !exists {
		m[key] = results
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
