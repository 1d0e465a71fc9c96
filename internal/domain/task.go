package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Task is one unit of work within a stage. The composite index backs the
// completion detector's remaining-count query.
type Task struct {
	ID            string         `gorm:"column:task_id;primaryKey" json:"task_id"`
	ParentJobID   string         `gorm:"column:parent_job_id;not null;index:idx_tasks_job_stage_status,priority:1" json:"parent_job_id"`
	JobType       string         `gorm:"column:job_type;not null" json:"job_type"`
	TaskType      string         `gorm:"column:task_type;not null" json:"task_type"`
	Stage         int            `gorm:"column:stage;not null;index:idx_tasks_job_stage_status,priority:2" json:"stage"`
	TaskIndex     int            `gorm:"column:task_index;not null" json:"task_index"`
	Parameters    datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status        TaskStatus     `gorm:"column:status;not null;index:idx_tasks_job_stage_status,priority:3" json:"status"`
	ResultData    datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	ErrorDetails  datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	DispatchedAt  *time.Time     `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastHeartbeat *time.Time     `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// TaskID builds the semantic task id {job_id[:8]}-s{stage}-{index}. Ids are
// deterministic so re-processing a job message re-creates the same rows.
func TaskID(jobID string, stage, index int) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-s%d-%d", prefix, stage, index)
}

// DecodeError parses the persisted task error, or nil.
func (t *Task) DecodeError() *TaskError {
	if t == nil || len(t.ErrorDetails) == 0 || string(t.ErrorDetails) == "null" {
		return nil
	}
	var e TaskError
	if err := json.Unmarshal(t.ErrorDetails, &e); err != nil {
		return nil
	}
	return &e
}

// TaskResult is the per-task payload accumulated into a job's stage_results.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	TaskIndex int            `json:"task_index"`
	Status    TaskStatus     `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     *TaskError     `json:"error,omitempty"`
}

// HandlerResult is the normalized outcome of one handler invocation. Handlers
// either return it directly or have errors/panics converted into it by the
// invoker.
type HandlerResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}
