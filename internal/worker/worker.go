package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/taskfabric/internal/kernel"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
)

// HandlerFunc processes one raw message body and says how to settle it.
type HandlerFunc func(ctx context.Context, body []byte) (kernel.Outcome, error)

type Options struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration

	// LockDuration is the broker's message lock period; the pool renews at
	// 80% of it. RenewCeiling bounds total processing time for one message:
	// past it the message is abandoned for redelivery elsewhere.
	LockDuration time.Duration
	RenewCeiling time.Duration
}

// Pool runs a fixed set of consumer goroutines against one queue. Each
// in-flight message gets a renewal goroutine keeping the broker lock alive
// while the handler runs.
type Pool struct {
	q       queue.Queue
	handle  HandlerFunc
	emit    *observability.Emitter
	metrics *observability.Metrics
	log     *logger.Logger
	opts    Options
}

func NewPool(q queue.Queue, handle HandlerFunc, emit *observability.Emitter, metrics *observability.Metrics, baseLog *logger.Logger, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 60 * time.Second
	}
	if opts.RenewCeiling <= 0 {
		opts.RenewCeiling = 30 * time.Minute
	}
	return &Pool{
		q:       q,
		handle:  handle,
		emit:    emit,
		metrics: metrics,
		log:     baseLog.With("component", "WorkerPool", "queue", opts.Queue),
		opts:    opts,
	}
}

// Run blocks until ctx is cancelled. In-flight messages finish before return.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.consumeLoop(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) consumeLoop(ctx context.Context, id int) {
	log := p.log.With("consumer", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := p.q.Receive(ctx, p.opts.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Receive failed", "error", err)
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if d == nil {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.process(ctx, d, log)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	if p.metrics != nil {
		p.metrics.InflightAdd(p.opts.Queue, 1)
		defer p.metrics.InflightAdd(p.opts.Queue, -1)
	}

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ceilingHit := make(chan struct{})
	go p.renewLoop(msgCtx, d, cancel, ceilingHit)

	outcome, err := p.safeHandle(msgCtx, d.Msg.Body)

	select {
	case <-ceilingHit:
		// Processing exceeded the renewal ceiling; the lock is no longer
		// ours to keep. Hand the message back.
		outcome = kernel.Abandon
	default:
	}

	switch outcome {
	case kernel.Ack:
		if aErr := d.Ack(ctx); aErr != nil {
			log.Warn("Ack failed, message will be redelivered", "msg_id", d.Msg.ID, "error", aErr)
		}
	case kernel.DeadLetter:
		p.emit.Emit(observability.Checkpoint{Code: observability.CodeMsgDeadLetter, Phase: observability.PhaseFail, Err: err})
		if dErr := d.DeadLetter(ctx); dErr != nil {
			log.Error("Dead-letter failed", "msg_id", d.Msg.ID, "error", dErr)
		}
	default: // Abandon
		if err != nil {
			log.Warn("Message abandoned for redelivery", "msg_id", d.Msg.ID, "error", err)
		}
		if aErr := d.Abandon(ctx); aErr != nil {
			log.Warn("Abandon failed", "msg_id", d.Msg.ID, "error", aErr)
		}
	}
}

func (p *Pool) safeHandle(ctx context.Context, body []byte) (outcome kernel.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Panic while processing message", "panic", r, "stack", string(debug.Stack()))
			outcome = kernel.Abandon
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handle(ctx, body)
}

// renewLoop keeps the broker lock alive while the handler runs. Renewal stops
// and the message context is cancelled once total holding time crosses the
// ceiling.
func (p *Pool) renewLoop(ctx context.Context, d *queue.Delivery, cancel context.CancelFunc, ceilingHit chan struct{}) {
	interval := time.Duration(float64(p.opts.LockDuration) * 0.8)
	if interval <= 0 {
		interval = p.opts.LockDuration
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(start) >= p.opts.RenewCeiling {
				p.emit.Emit(observability.Checkpoint{Code: observability.CodeLockCeilingHit, Phase: observability.PhaseFail})
				close(ceilingHit)
				cancel()
				return
			}
			if err := d.Renew(ctx); err != nil {
				if ctx.Err() == nil {
					p.log.Warn("Lock renewal failed", "msg_id", d.Msg.ID, "error", err)
				}
				return
			}
			p.emit.Emit(observability.Checkpoint{Code: observability.CodeLockRenewal, Phase: observability.PhaseOK})
		}
	}
}
