package kernel

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/state"
)

// RetryPolicy decides what gets retried and how long to wait. Task retries
// are kernel re-enqueues counted on the task message; transient storage and
// broker errors are retried in place with exponential backoff.
type RetryPolicy struct {
	MaxRetries int // task re-executions after the first attempt

	TransientAttempts int // in-place attempts for transient errors

	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterFrac float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		TransientAttempts: 4,
		MinBackoff:        1 * time.Second,
		MaxBackoff:        30 * time.Second,
		JitterFrac:        0.20,
	}
}

// RetryableKind reports whether a task failure of this kind is eligible for
// re-enqueue at all. Registry misses, stale timeouts and definition errors
// never retry.
func RetryableKind(kind domain.Kind) bool {
	switch kind {
	case domain.KindHandlerFailure, domain.KindHandlerTimeout, domain.KindTransientState, domain.KindQueueTransient:
		return true
	default:
		return false
	}
}

// ShouldRetryTask combines kind eligibility with the message's retry counter.
func (p RetryPolicy) ShouldRetryTask(kind domain.Kind, retryCount int) bool {
	return RetryableKind(kind) && retryCount < p.MaxRetries
}

// Backoff computes the delay before attempt n (1-based), exponential with
// jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	minB := p.MinBackoff
	maxB := p.MaxBackoff
	j := p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// RetryTransient runs op, retrying in place while the error classifies as
// transient. The final error is returned unwrapped so callers can still
// inspect it.
func (p RetryPolicy) RetryTransient(ctx context.Context, op func() error) error {
	attempts := p.TransientAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = op()
		if err == nil || !state.IsTransient(err) {
			return err
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.Backoff(i)):
		}
	}
	return err
}
