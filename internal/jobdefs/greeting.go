package jobdefs

import (
	"context"
	"fmt"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/registry"
)

// Greeting is a two-stage demonstration job: stage 1 fans out one greet task
// per requested count, stage 2 produces one reply per greeting. It doubles as
// the end-to-end smoke workload.
func Greeting() *domain.JobDefinition {
	minCount := float64(1)
	maxCount := float64(1000)
	return &domain.JobDefinition{
		JobType:     "greeting",
		Description: "Fan out n greetings, then reply to each one",
		Stages: []domain.StageDef{
			{Number: 1, Name: "greet", TaskType: "greeting.greet", Parallelism: domain.ParallelismDynamic},
			{Number: 2, Name: "reply", TaskType: "greeting.reply", Parallelism: domain.ParallelismMatchPrevious},
		},
		Schema: domain.ParamSchema{
			"count":    {Type: domain.ParamInteger, Required: true, Min: &minCount, Max: &maxCount},
			"greeting": {Type: domain.ParamString, Default: "hello"},
		},
		CreateTasksForStage: greetingTasks,
		FinalizeJob:         greetingFinalize,
	}
}

func greetingTasks(stage int, jobParams map[string]any, jobID string, previousResults []domain.TaskResult) ([]domain.TaskSpec, error) {
	switch stage {
	case 1:
		count, ok := jobParams["count"].(int64)
		if !ok {
			if f, isFloat := jobParams["count"].(float64); isFloat {
				count = int64(f)
			} else {
				return nil, fmt.Errorf("count parameter missing or not an integer")
			}
		}
		greeting, _ := jobParams["greeting"].(string)
		specs := make([]domain.TaskSpec, 0, count)
		for i := int64(0); i < count; i++ {
			specs = append(specs, domain.TaskSpec{
				Parameters: map[string]any{
					"index":    i,
					"greeting": greeting,
				},
			})
		}
		return specs, nil
	case 2:
		specs := make([]domain.TaskSpec, 0, len(previousResults))
		for _, r := range previousResults {
			msg := ""
			if r.Result != nil {
				msg, _ = r.Result["message"].(string)
			}
			specs = append(specs, domain.TaskSpec{
				Parameters: map[string]any{"message": msg},
			})
		}
		return specs, nil
	default:
		return nil, fmt.Errorf("greeting job has no stage %d", stage)
	}
}

func greetingFinalize(fc domain.FinalizeContext) (map[string]any, error) {
	replies := make([]string, 0, len(fc.StageResults[2]))
	for _, r := range fc.StageResults[2] {
		if r.Result != nil {
			if reply, ok := r.Result["reply"].(string); ok {
				replies = append(replies, reply)
			}
		}
	}
	completed := 0
	for _, results := range fc.StageResults {
		for _, r := range results {
			if r.Status == domain.TaskCompleted {
				completed++
			}
		}
	}
	return map[string]any{
		"tasks_completed": completed,
		"replies":         replies,
	}, nil
}

func greetHandler(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
	greeting, _ := params["greeting"].(string)
	if greeting == "" {
		greeting = "hello"
	}
	index := params["index"]
	return &domain.HandlerResult{
		Success: true,
		Result:  map[string]any{"message": fmt.Sprintf("%s #%v", greeting, index)},
	}, nil
}

func replyHandler(ctx context.Context, params map[string]any) (*domain.HandlerResult, error) {
	msg, _ := params["message"].(string)
	return &domain.HandlerResult{
		Success: true,
		Result:  map[string]any{"reply": fmt.Sprintf("re: %s", msg)},
	}, nil
}

// RegisterAll wires the built-in job definitions and their handlers.
func RegisterAll(reg *registry.Registry) error {
	if err := reg.RegisterJob(Greeting()); err != nil {
		return err
	}
	if err := reg.RegisterHandler("greeting.greet", greetHandler); err != nil {
		return err
	}
	if err := reg.RegisterHandler("greeting.reply", replyHandler); err != nil {
		return err
	}
	return nil
}
