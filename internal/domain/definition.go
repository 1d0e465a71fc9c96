package domain

import "fmt"

// Parallelism describes how a stage's task count is derived. It is
// descriptive metadata for operators and definition authors; the kernel takes
// the actual count from CreateTasksForStage.
type Parallelism string

const (
	ParallelismSingle        Parallelism = "single"
	ParallelismDynamic       Parallelism = "dynamic"
	ParallelismMatchPrevious Parallelism = "match_previous"
)

// StageDef declares one stage of a job definition.
type StageDef struct {
	Number      int
	Name        string
	TaskType    string
	Parallelism Parallelism

	// AllowEmpty permits CreateTasksForStage to return zero tasks, in which
	// case the stage completes immediately with empty results. Without it an
	// empty fan-out is a DefinitionError.
	AllowEmpty bool

	// ContinueOnTaskFailure keeps the stage advancing even when some tasks
	// fail; their error records still land in stage_results. Default policy
	// fails the whole job on the first failed task.
	ContinueOnTaskFailure bool
}

// TaskSpec is what CreateTasksForStage emits for each task to create.
type TaskSpec struct {
	TaskType   string
	Parameters map[string]any
}

// FinalizeContext carries everything FinalizeJob needs to build result_data.
type FinalizeContext struct {
	JobID        string
	Parameters   map[string]any
	StageResults map[int][]TaskResult
}

// JobDefinition is the static description of one job type: its stage chain,
// its parameter schema, and the two behavioural hooks. Definitions are built
// at startup and never mutated.
type JobDefinition struct {
	JobType     string
	Description string
	Stages      []StageDef
	Schema      ParamSchema

	// CreateTasksForStage fans a stage out into task specs. previousResults
	// holds the ordered results of stage-1's tasks (nil for the first stage).
	CreateTasksForStage func(stage int, jobParams map[string]any, jobID string, previousResults []TaskResult) ([]TaskSpec, error)

	// FinalizeJob aggregates all stage results into the job's result_data.
	FinalizeJob func(fc FinalizeContext) (map[string]any, error)
}

func (d *JobDefinition) TotalStages() int { return len(d.Stages) }

// StageByNumber returns the 1-indexed stage definition.
func (d *JobDefinition) StageByNumber(n int) (*StageDef, bool) {
	for i := range d.Stages {
		if d.Stages[i].Number == n {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// Validate checks structural soundness of a definition at registration time.
func (d *JobDefinition) Validate() error {
	if d.JobType == "" {
		return fmt.Errorf("job definition missing JobType")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("job definition %q has no stages", d.JobType)
	}
	for i, s := range d.Stages {
		if s.Number != i+1 {
			return fmt.Errorf("job definition %q: stage %d has number %d, stages must be 1..N in order", d.JobType, i+1, s.Number)
		}
		if s.TaskType == "" {
			return fmt.Errorf("job definition %q: stage %d missing TaskType", d.JobType, s.Number)
		}
	}
	if d.CreateTasksForStage == nil {
		return fmt.Errorf("job definition %q missing CreateTasksForStage", d.JobType)
	}
	if d.FinalizeJob == nil {
		return fmt.Errorf("job definition %q missing FinalizeJob", d.JobType)
	}
	return nil
}
