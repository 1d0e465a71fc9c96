package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// JobMessage instructs the kernel to process one stage of a job.
type JobMessage struct {
	JobID         string                  `json:"job_id"`
	JobType       string                  `json:"job_type"`
	Stage         int                     `json:"stage"`
	Parameters    map[string]any          `json:"parameters"`
	StageResults  map[string][]TaskResult `json:"stage_results,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

// TaskMessage instructs the kernel to execute one task. RetryCount is the
// kernel's re-enqueue counter; transport-level redelivery does not touch it.
type TaskMessage struct {
	TaskID        string         `json:"task_id"`
	ParentJobID   string         `json:"parent_job_id"`
	JobType       string         `json:"job_type"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	TaskIndex     int            `json:"task_index"`
	Parameters    map[string]any `json:"parameters"`
	RetryCount    int            `json:"retry_count,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// PreviousResults returns the results of the stage preceding msg.Stage, if the
// producer attached them.
func (m *JobMessage) PreviousResults() []TaskResult {
	if m == nil || m.StageResults == nil || m.Stage <= 1 {
		return nil
	}
	return m.StageResults[fmt.Sprintf("%d", m.Stage-1)]
}

// DecodeJobMessage parses a job queue payload. Unknown fields are rejected so
// schema drift between producers and consumers fails loudly.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var m JobMessage
	if err := strictUnmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	if m.JobID == "" || m.JobType == "" || m.Stage < 1 {
		return nil, fmt.Errorf("decode job message: missing job_id/job_type/stage")
	}
	return &m, nil
}

// DecodeTaskMessage parses a task queue payload with the same strictness.
func DecodeTaskMessage(body []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := strictUnmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	if m.TaskID == "" || m.ParentJobID == "" || m.TaskType == "" || m.Stage < 1 {
		return nil, fmt.Errorf("decode task message: missing task_id/parent_job_id/task_type/stage")
	}
	return &m, nil
}

func strictUnmarshal(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// NewCorrelationID returns the 8-char opaque token stamped on queue messages
// at send time and propagated to the next stage's job message.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
