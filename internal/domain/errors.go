package domain

import "fmt"

// Kind classifies failures for retry policy and surfacing. Kinds are stable
// strings persisted into job/task error payloads.
type Kind string

const (
	KindInvalidParameters Kind = "InvalidParameters"
	KindUnknownJobType    Kind = "UnknownJobType"
	KindUnknownTaskType   Kind = "UnknownTaskType"
	KindHandlerFailure    Kind = "HandlerFailure"
	KindHandlerTimeout    Kind = "HandlerTimeout"
	KindTransientState    Kind = "TransientState"
	KindConflictState     Kind = "ConflictState"
	KindQueueTransient    Kind = "QueueTransient"
	KindStaleTimeout      Kind = "StaleTimeout"
	KindDefinitionError   Kind = "DefinitionError"
	KindOperatorFailed    Kind = "OperatorFailed"
)

// TaskError is the structured error persisted on a failed task row and
// carried in stage results.
type TaskError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// JobError is the structured error persisted on a failed job row. TaskID
// names the first task that caused the failure, when one exists.
type JobError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InvalidParametersError is returned by schema validation at submission time.
type InvalidParametersError struct {
	Field  string
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}
