package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/registry"
)

// InvokeOutcome is the normalized result of one handler execution. Kind is
// empty on success; on failure it drives the retry decision.
type InvokeOutcome struct {
	Result  map[string]any
	Kind    domain.Kind
	Message string
	Details string
}

func (o *InvokeOutcome) Succeeded() bool { return o.Kind == "" }

// TaskError folds a failed outcome into the persisted error shape.
func (o *InvokeOutcome) TaskError() *domain.TaskError {
	if o.Succeeded() {
		return nil
	}
	return &domain.TaskError{Kind: o.Kind, Message: o.Message, Details: o.Details}
}

// Invoker executes registered handlers under a per-task-type timeout and
// converts every way a handler can fail (error return, Success=false, panic,
// timeout) into the structured outcome shape.
type Invoker struct {
	reg            *registry.Registry
	emit           *observability.Emitter
	metrics        *observability.Metrics
	defaultTimeout time.Duration
	perTypeTimeout map[string]time.Duration
}

func NewInvoker(reg *registry.Registry, emit *observability.Emitter, metrics *observability.Metrics, defaultTimeout time.Duration, perTypeTimeout map[string]time.Duration) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Invoker{
		reg:            reg,
		emit:           emit,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		perTypeTimeout: perTypeTimeout,
	}
}

func (iv *Invoker) timeoutFor(taskType string) time.Duration {
	if d, ok := iv.perTypeTimeout[taskType]; ok && d > 0 {
		return d
	}
	return iv.defaultTimeout
}

// Invoke runs the handler for msg. The returned outcome is always non-nil.
func (iv *Invoker) Invoke(ctx context.Context, msg *domain.TaskMessage) *InvokeOutcome {
	h, ok := iv.reg.Handler(msg.TaskType)
	if !ok {
		return &InvokeOutcome{
			Kind:    domain.KindUnknownTaskType,
			Message: fmt.Sprintf("no handler registered for task_type=%s", msg.TaskType),
		}
	}

	iv.emit.Emit(observability.Checkpoint{
		Code: observability.CodeTaskExec, Phase: observability.PhaseStart,
		CorrelationID: msg.CorrelationID, JobID: msg.ParentJobID, TaskID: msg.TaskID, Stage: msg.Stage,
	})
	start := time.Now()
	out := iv.run(ctx, h, msg)
	elapsed := time.Since(start)
	if iv.metrics != nil {
		iv.metrics.ObserveHandlerDuration(msg.TaskType, elapsed.Seconds())
	}

	phase := observability.PhaseOK
	if !out.Succeeded() {
		phase = observability.PhaseFail
	}
	iv.emit.Emit(observability.Checkpoint{
		Code: observability.CodeTaskExec, Phase: phase,
		CorrelationID: msg.CorrelationID, JobID: msg.ParentJobID, TaskID: msg.TaskID, Stage: msg.Stage,
		Duration: elapsed, ErrorKind: out.Kind,
	})
	return out
}

func (iv *Invoker) run(ctx context.Context, h registry.Handler, msg *domain.TaskMessage) *InvokeOutcome {
	tctx, cancel := context.WithTimeout(ctx, iv.timeoutFor(msg.TaskType))
	defer cancel()

	type res struct {
		out *InvokeOutcome
	}
	ch := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- res{out: &InvokeOutcome{
					Kind:    domain.KindHandlerFailure,
					Message: fmt.Sprintf("handler panic: %v", r),
					Details: string(debug.Stack()),
				}}
			}
		}()
		hr, err := h(tctx, msg.Parameters)
		ch <- res{out: normalize(hr, err)}
	}()

	select {
	case <-tctx.Done():
		// The handler goroutine is left to finish on its own; its result is
		// discarded. Redelivery safety rests on handler idempotence.
		return &InvokeOutcome{
			Kind:    domain.KindHandlerTimeout,
			Message: fmt.Sprintf("handler exceeded timeout %s", iv.timeoutFor(msg.TaskType)),
		}
	case r := <-ch:
		return r.out
	}
}

func normalize(hr *domain.HandlerResult, err error) *InvokeOutcome {
	if err != nil {
		return &InvokeOutcome{
			Kind:    domain.KindHandlerFailure,
			Message: err.Error(),
		}
	}
	if hr == nil {
		return &InvokeOutcome{
			Kind:    domain.KindHandlerFailure,
			Message: "handler returned no result",
		}
	}
	if !hr.Success {
		msg := hr.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		return &InvokeOutcome{Kind: domain.KindHandlerFailure, Message: msg}
	}
	return &InvokeOutcome{Result: hr.Result}
}
