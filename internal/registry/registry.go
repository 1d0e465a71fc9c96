package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/taskfabric/internal/domain"
)

// Handler executes one task's business logic. Handlers must be idempotent on
// their side-effects: at-least-once delivery means the same parameters can be
// replayed after a crash. Errors returned here are normalized by the invoker;
// returning a HandlerResult with Success=false is the structured failure path.
type Handler func(ctx context.Context, params map[string]any) (*domain.HandlerResult, error)

// Registry holds the static job definitions and task handlers. It is
// populated by explicit registration at startup and read-only afterwards; an
// unknown job type at message-processing time is a non-retryable failure for
// that message.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*domain.JobDefinition
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{
		defs:     make(map[string]*domain.JobDefinition),
		handlers: make(map[string]Handler),
	}
}

func (r *Registry) RegisterJob(def *domain.JobDefinition) error {
	if def == nil {
		return fmt.Errorf("nil job definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.JobType]; exists {
		return fmt.Errorf("job definition already registered for job_type=%s", def.JobType)
	}
	r.defs[def.JobType] = def
	return nil
}

func (r *Registry) RegisterHandler(taskType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	if taskType == "" {
		return fmt.Errorf("handler task type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *Registry) JobDef(jobType string) (*domain.JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[jobType]
	return d, ok
}

func (r *Registry) Handler(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

// CheckWiring verifies every stage's task type has a registered handler.
// Called once after startup registration so a miswired table fails fast
// instead of surfacing as UnknownTaskType at runtime.
func (r *Registry) CheckWiring() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for jobType, def := range r.defs {
		for _, s := range def.Stages {
			if _, ok := r.handlers[s.TaskType]; !ok {
				return fmt.Errorf("job_type=%s stage %d references unregistered task_type=%s", jobType, s.Number, s.TaskType)
			}
		}
	}
	return nil
}
