// Package queue implements the durable, at-least-once job queue that
// hands build and destroy work from the controller to the worker pool.
// No dedicated queue library appears anywhere in the example corpus, so
// this is hand-rolled directly on top of the go-redis primitives the
// teacher already depends on (sorted sets for delayed retries, lists
// for ready/processing, hashes for job bodies).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/riftline/previewctl/internal/domain"
)

const (
	keyPrefix      = "previewctl:queue:"
	readyKeyHigh   = keyPrefix + "ready:high"
	readyKeyNorm   = keyPrefix + "ready:normal"
	processing     = keyPrefix + "processing"
	delayed        = keyPrefix + "delayed"
	deadLetter     = keyPrefix + "dead"
	jobHashKey     = keyPrefix + "jobs"
	progressChannel = keyPrefix + "progress"
)

// ProgressEvent is one line of build/destroy output, published over
// Redis Pub/Sub so the controller process (which owns the dashboard's
// websocket hub) can tail a worker process it shares no memory with.
type ProgressEvent struct {
	PRNumber int    `json:"pr_number"`
	Line     string `json:"line"`
}

// ErrNotFound indicates no job with the given ID is known to the queue.
var ErrNotFound = errors.New("queue: job not found")

// Queue is the Redis-backed job queue.
type Queue struct {
	client      *redis.Client
	backoffBase time.Duration
	backoffCap  time.Duration
	factor      float64
	stallAfter  time.Duration
}

// Options configures retry backoff and stall detection, sourced from
// pkg/config.ControllerConfig in the controller and
// pkg/config.WorkerConfig in the worker.
type Options struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Factor      float64
	StallAfter  time.Duration
}

// New constructs a Queue.
func New(client *redis.Client, opts Options) *Queue {
	if opts.Factor == 0 {
		opts.Factor = 2.0
	}
	return &Queue{
		client:      client,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		factor:      opts.Factor,
		stallAfter:  opts.StallAfter,
	}
}

func readyKey(p domain.JobPriority) string {
	if p >= domain.PriorityHigh {
		return readyKeyHigh
	}
	return readyKeyNorm
}

// Enqueue stores the job body and makes it immediately eligible for
// dequeue, respecting job.NotBefore if it is set in the future (used by
// retries scheduled via Fail).
func (q *Queue) Enqueue(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobHashKey, job.ID, payload)
	if job.NotBefore.After(time.Now()) {
		pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(job.NotBefore.Unix()), Member: job.ID})
	} else {
		pipe.LPush(ctx, readyKey(job.Priority), job.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves delayed jobs whose NotBefore has elapsed into
// the ready list. Call this periodically from the worker's poll loop.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, jobHashKey, id).Bytes()
		if errors.Is(err, redis.Nil) {
			q.client.ZRem(ctx, delayed, id)
			continue
		}
		if err != nil {
			return promoted, err
		}
		var job domain.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return promoted, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, delayed, id)
		pipe.LPush(ctx, readyKey(job.Priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue leases the next ready job, preferring high priority over
// normal. It pops without blocking from the high-priority list first,
// then blocks on the normal list up to timeout when high is empty, so
// a burst of manual-cleanup jobs never starves behind a backlog of
// builds but an idle queue doesn't spin the worker loop.
func (q *Queue) Dequeue(ctx context.Context, owner string, timeout time.Duration) (domain.Job, bool, error) {
	id, err := q.client.RPopLPush(ctx, readyKeyHigh, processing).Result()
	if errors.Is(err, redis.Nil) {
		id, err = q.client.BRPopLPush(ctx, readyKeyNorm, processing, timeout).Result()
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, false, nil
		}
	}
	if err != nil {
		return domain.Job{}, false, err
	}

	raw, err := q.client.HGet(ctx, jobHashKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		q.client.LRem(ctx, processing, 1, id)
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, false, err
	}
	now := time.Now()
	job.LeasedAt = &now
	job.LeaseOwner = owner
	job.Attempts++
	if err := q.save(ctx, job); err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *Queue) save(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobHashKey, job.ID, payload).Err()
}

// Progress updates the job's progress percentage without altering its
// queue position, so dashboards and polling clients observe live
// build/destroy progress.
func (q *Queue) Progress(ctx context.Context, id string, pct int) error {
	raw, err := q.client.HGet(ctx, jobHashKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return err
	}
	job.Progress = pct
	return q.save(ctx, job)
}

// Get returns the current stored job body, used by the admin job
// status endpoint.
func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	raw, err := q.client.HGet(ctx, jobHashKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Ack removes a successfully completed job from processing and its
// hash entry entirely.
func (q *Queue) Ack(ctx context.Context, job domain.Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processing, 1, job.ID)
	pipe.HDel(ctx, jobHashKey, job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a job failure. If the job still has retry budget it is
// rescheduled with exponential backoff; otherwise it moves to the
// dead-letter set for manual inspection.
func (q *Queue) Fail(ctx context.Context, job domain.Job, cause error) error {
	job.LastError = cause.Error()

	if job.Exhausted() {
		if _, err := q.client.LRem(ctx, processing, 1, job.ID).Result(); err != nil {
			return err
		}
		return q.deadLetter(ctx, job)
	}

	job.NotBefore = time.Now().Add(domain.Backoff(job.Attempts, q.backoffBase, q.factor, q.backoffCap))
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processing, 1, job.ID)
	pipe.HSet(ctx, jobHashKey, job.ID, payload)
	pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(job.NotBefore.Unix()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) deadLetter(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobHashKey, job.ID, payload)
	pipe.ZAdd(ctx, deadLetter, redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueStalled scans the processing list for jobs whose lease has
// been held longer than stallAfter and pushes them back onto the ready
// list, guarding against a worker that died mid-job without acking or
// failing it.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, jobHashKey, id).Bytes()
		if errors.Is(err, redis.Nil) {
			q.client.LRem(ctx, processing, 1, id)
			continue
		}
		if err != nil {
			return requeued, err
		}
		var job domain.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return requeued, err
		}
		if job.LeasedAt == nil || time.Since(*job.LeasedAt) < q.stallAfter {
			continue
		}
		job.LeasedAt = nil
		job.LeaseOwner = ""
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processing, 1, id)
		pipe.HSet(ctx, jobHashKey, id, mustMarshal(job))
		pipe.LPush(ctx, readyKey(job.Priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Stats reports queue depths for the admin queue-stats endpoint.
type Stats struct {
	ReadyHigh  int64 `json:"ready_high"`
	ReadyNorm  int64 `json:"ready_normal"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
}

// PublishProgress broadcasts one build/destroy output line for pr. Best
// effort: a dashboard with no subscribers simply drops it.
func (q *Queue) PublishProgress(ctx context.Context, pr int, line string) error {
	payload, err := json.Marshal(ProgressEvent{PRNumber: pr, Line: line})
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, progressChannel, payload).Err()
}

// SubscribeProgress returns a channel of decoded progress events and a
// func that closes the subscription; the caller must eventually call it
// to release the subscription. Cancelling ctx only stops delivery.
func (q *Queue) SubscribeProgress(ctx context.Context) (<-chan ProgressEvent, func()) {
	sub := q.client.Subscribe(ctx, progressChannel)
	out := make(chan ProgressEvent)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var evt ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// Stats returns current queue depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	high, err := q.client.LLen(ctx, readyKeyHigh).Result()
	if err != nil {
		return Stats{}, err
	}
	norm, err := q.client.LLen(ctx, readyKeyNorm).Result()
	if err != nil {
		return Stats{}, err
	}
	proc, err := q.client.LLen(ctx, processing).Result()
	if err != nil {
		return Stats{}, err
	}
	delayedCount, err := q.client.ZCard(ctx, delayed).Result()
	if err != nil {
		return Stats{}, err
	}
	deadCount, err := q.client.ZCard(ctx, deadLetter).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{ReadyHigh: high, ReadyNorm: norm, Processing: proc, Delayed: delayedCount, DeadLetter: deadCount}, nil
}
