package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Job is one client request. The row is created at submission and only ever
// mutated through the state store's CAS operations; rows are never deleted by
// the kernel (retention is an operator concern).
type Job struct {
	ID           string         `gorm:"column:job_id;primaryKey;size:64" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status       JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Stage        int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	Error        datatypes.JSON `gorm:"column:error;type:jsonb" json:"error,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// DeterministicJobID derives the 64-hex-char job id from the job type and the
// validated parameter map. encoding/json writes map keys in sorted order at
// every nesting level, which makes the serialization canonical.
func DeterministicJobID(jobType string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DecodeStageResults parses the accumulated stage_results column into ordered
// task results keyed by stage number.
func (j *Job) DecodeStageResults() (map[int][]TaskResult, error) {
	out := map[int][]TaskResult{}
	if j == nil || len(j.StageResults) == 0 || string(j.StageResults) == "null" {
		return out, nil
	}
	var raw map[string][]TaskResult
	if err := json.Unmarshal(j.StageResults, &raw); err != nil {
		return nil, fmt.Errorf("decode stage_results: %w", err)
	}
	for k, v := range raw {
		var stage int
		if _, err := fmt.Sscanf(k, "%d", &stage); err != nil {
			return nil, fmt.Errorf("decode stage_results key %q: %w", k, err)
		}
		out[stage] = v
	}
	return out, nil
}

// DecodeParameters parses the persisted parameter map. Never returns nil.
func (j *Job) DecodeParameters() map[string]any {
	m := map[string]any{}
	if j == nil || len(j.Parameters) == 0 {
		return m
	}
	_ = json.Unmarshal(j.Parameters, &m)
	return m
}

// DecodeError parses the persisted job error, or nil when the job never failed.
func (j *Job) DecodeError() *JobError {
	if j == nil || len(j.Error) == 0 || string(j.Error) == "null" {
		return nil
	}
	var e JobError
	if err := json.Unmarshal(j.Error, &e); err != nil {
		return nil
	}
	return &e
}
