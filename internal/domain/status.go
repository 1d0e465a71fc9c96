package domain

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further job transitions are valid.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TaskStatus is the lifecycle state of a task row.
// Valid transitions: queued -> processing -> {completed, failed}.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ValidTaskTransition reports whether from -> to is an allowed task transition.
func ValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskQueued:
		return to == TaskProcessing
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}
