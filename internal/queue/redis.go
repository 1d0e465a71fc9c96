package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/taskfabric/internal/pkg/logger"
)

// redisQueue rides Redis Streams with consumer groups. The pending entries
// list is the per-message lock: an entry delivered to this consumer stays
// invisible to others until acked, and Renew (XCLAIM with min-idle 0) resets
// its idle clock. Entries idle past lockDuration are surfaced to the next
// Receive via XAUTOCLAIM, which is how an expired lock turns into redelivery.
type redisQueue struct {
	rdb          *goredis.Client
	log          *logger.Logger
	group        string
	consumer     string
	block        time.Duration
	lockDuration time.Duration

	mu     sync.Mutex
	groups map[string]bool
}

type RedisOptions struct {
	Addr         string
	Group        string        // consumer group, shared by the worker fleet
	Consumer     string        // unique per worker process
	Block        time.Duration // max wait per Receive, default 2s
	LockDuration time.Duration // native message lock before reclaim, default 2m
}

func NewRedisQueue(baseLog *logger.Logger, opts RedisOptions) (Queue, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if opts.Group == "" {
		opts.Group = "taskfabric"
	}
	if opts.Consumer == "" {
		return nil, fmt.Errorf("missing consumer name")
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 2 * time.Minute
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisQueue{
		rdb:          rdb,
		log:          baseLog.With("component", "RedisQueue"),
		group:        opts.Group,
		consumer:     opts.Consumer,
		block:        opts.Block,
		lockDuration: opts.LockDuration,
		groups:       map[string]bool{},
	}, nil
}

func (q *redisQueue) Send(ctx context.Context, queue string, body []byte) error {
	if err := q.ensureGroup(ctx, queue); err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"body": body},
	}).Err()
}

func (q *redisQueue) SendBatch(ctx context.Context, queue string, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	if err := q.ensureGroup(ctx, queue); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, b := range bodies {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: queue,
			Values: map[string]interface{}{"body": b},
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Receive(ctx context.Context, queue string) (*Delivery, error) {
	if err := q.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	// Stale pending entries first: another consumer's expired lock.
	claimed, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   queue,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.lockDuration,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		return q.delivery(queue, claimed[0])
	}

	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.delivery(queue, streams[0].Messages[0])
}

func (q *redisQueue) delivery(queue string, msg goredis.XMessage) (*Delivery, error) {
	raw, ok := msg.Values["body"]
	if !ok {
		// Malformed entry: ack it away so it cannot wedge the stream.
		_ = q.rdb.XAck(context.Background(), queue, q.group, msg.ID).Err()
		return nil, fmt.Errorf("stream %s entry %s has no body field", queue, msg.ID)
	}
	body := []byte(fmt.Sprint(raw))
	id := msg.ID

	return &Delivery{
		Msg: Message{ID: id, Body: body},
		Ack: func(ctx context.Context) error {
			return q.rdb.XAck(ctx, queue, q.group, id).Err()
		},
		Abandon: func(ctx context.Context) error {
			// Re-enqueue a copy and ack the original so redelivery is
			// immediate instead of waiting out the idle window.
			pipe := q.rdb.TxPipeline()
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: queue,
				Values: map[string]interface{}{"body": body},
			})
			pipe.XAck(ctx, queue, q.group, id)
			_, err := pipe.Exec(ctx)
			return err
		},
		DeadLetter: func(ctx context.Context) error {
			pipe := q.rdb.TxPipeline()
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: queue + ".dead",
				Values: map[string]interface{}{"body": body},
			})
			pipe.XAck(ctx, queue, q.group, id)
			_, err := pipe.Exec(ctx)
			return err
		},
		Renew: func(ctx context.Context) error {
			// Claiming our own entry with min-idle 0 resets its idle clock,
			// which pushes the XAUTOCLAIM reclaim horizon out.
			return q.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
				Stream:   queue,
				Group:    q.group,
				Consumer: q.consumer,
				MinIdle:  0,
				Messages: []string{id},
			}).Err()
		},
	}, nil
}

func (q *redisQueue) ensureGroup(ctx context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groups[queue] {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, queue, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groups[queue] = true
	return nil
}

func (q *redisQueue) Close() error {
	return q.rdb.Close()
}
