package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Jobs live in three structures:
//
//	<prefix>:delayed  ZSET  id scored by fire time (unix ms)
//	<prefix>:active   ZSET  ids claimed by a worker, scored by lease expiry (unix ms)
//	<prefix>:failed   ZSET  ids that exhausted their attempts
//	<prefix>:job:<id> HASH  kind, payload, attempt, max_attempts, enqueued_at, last_error
//
// A job is claimed by moving it from delayed to active inside one script, so two
// workers never run the same job. A claim whose lease ran out belongs to a worker that
// died before acknowledging; the next claim puts it back on delayed, or into failed
// once its attempts are used up. Cancelling only removes jobs that are still delayed.

var submitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], 'kind', ARGV[1], 'payload', ARGV[2], 'attempt', '0', 'max_attempts', ARGV[3], 'enqueued_at', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[6])
return 1
`)

var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('DEL', KEYS[2])
end
return removed
`)

// claimScript returns the number of recovered leases followed by the claimed ids
var claimScript = redis.NewScript(`
local recovered = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local key = ARGV[4] .. id
	if redis.call('EXISTS', key) == 1 then
		local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')
		local max = tonumber(redis.call('HGET', key, 'max_attempts') or '0')
		if attempt >= max then
			redis.call('HSET', key, 'last_error', 'worker lease expired', 'failed_at', ARGV[1])
			redis.call('PEXPIRE', key, ARGV[5])
			redis.call('ZADD', KEYS[3], ARGV[1], id)
		else
			redis.call('ZADD', KEYS[1], ARGV[1], id)
			recovered = recovered + 1
		end
	end
end

local out = {recovered}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
	table.insert(out, id)
end
return out
`)

// RedisQueue is a durable delayed-job queue on top of Redis
type RedisQueue struct {
	client  *redis.Client
	opts    Options
	metrics *Metrics
	logger  *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	now func() time.Time
}

// NewRedisQueue creates a queue; metrics may be nil
func NewRedisQueue(client *redis.Client, opts Options, metrics *Metrics, logger *logrus.Entry) *RedisQueue {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisQueue{
		client:   client,
		opts:     opts.withDefaults(),
		metrics:  metrics,
		logger:   logger.WithField("component", "queue"),
		handlers: make(map[string]HandlerFunc),
		now:      time.Now,
	}
}

func (q *RedisQueue) delayedKey() string { return q.opts.Prefix + ":delayed" }
func (q *RedisQueue) activeKey() string  { return q.opts.Prefix + ":active" }
func (q *RedisQueue) failedKey() string  { return q.opts.Prefix + ":failed" }
func (q *RedisQueue) jobKey(id string) string {
	return q.opts.Prefix + ":job:" + id
}

// Register binds a handler to a job kind
func (q *RedisQueue) Register(kind string, handler HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *RedisQueue) handler(kind string) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Submit schedules a job to fire after delay. The job id doubles as idempotency key:
// submitting an id that is still held by the queue is a no-op returning the same id.
// A non-positive delay makes the job due immediately.
func (q *RedisQueue) Submit(ctx context.Context, kind string, payload interface{}, delay time.Duration, jobID string) (string, error) {
	if jobID == "" {
		return "", ErrEmptyJobID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	fireAt := now.Add(delay).UnixMilli()
	created, err := submitScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.jobKey(jobID)},
		kind, string(body), q.opts.MaxAttempts, now.UnixMilli(), fireAt, jobID,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to submit job %s: %w", jobID, err)
	}

	if created == 1 {
		q.metrics.observeSubmit(kind)
		q.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"kind":   kind,
			"delay":  delay.String(),
		}).Debug("Job submitted")
	}
	return jobID, nil
}

// Cancel removes a job that has not started yet. It returns false when the job was
// unknown, already running or finished.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := cancelScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.jobKey(jobID)}, jobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	q.metrics.observeCancel(removed == 1)
	return removed == 1, nil
}

// Stats returns the current queue depth
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var delayed, active, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		delayed = pipe.ZCard(ctx, q.delayedKey())
		active = pipe.ZCard(ctx, q.activeKey())
		failed = pipe.ZCard(ctx, q.failedKey())
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Delayed: delayed.Val(), Active: active.Val(), Failed: failed.Val()}, nil
}

// Start polls for due jobs and runs them with bounded concurrency until ctx is done.
// It waits for in-flight jobs before returning.
func (q *RedisQueue) Start(ctx context.Context) {
	q.logger.WithFields(logrus.Fields{
		"concurrency":  q.opts.Concurrency,
		"max_attempts": q.opts.MaxAttempts,
	}).Info("Queue workers started")

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	slots := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup

	for {
		q.dispatchDue(ctx, slots, &wg)

		select {
		case <-ctx.Done():
			wg.Wait()
			q.logger.Info("Queue workers stopped")
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) dispatchDue(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) {
	free := cap(slots) - len(slots)
	if free == 0 {
		return
	}

	ids, err := q.claimDue(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.WithError(err).Warn("Failed to claim due jobs")
		}
		return
	}

	for _, id := range ids {
		slots <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-slots }()
			q.process(ctx, id)
		}(id)
	}
}

// ProcessDue claims every job due now and runs them one after another.
// It returns the number of jobs executed.
func (q *RedisQueue) ProcessDue(ctx context.Context) (int, error) {
	processed := 0
	for {
		ids, err := q.claimDue(ctx, q.opts.Concurrency)
		if err != nil {
			return processed, err
		}
		if len(ids) == 0 {
			return processed, nil
		}
		for _, id := range ids {
			q.process(ctx, id)
			processed++
		}
	}
}

func (q *RedisQueue) claimDue(ctx context.Context, limit int) ([]string, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey(), q.failedKey()},
		now.UnixMilli(), limit, now.Add(q.opts.Lease).UnixMilli(),
		q.jobKey(""), q.opts.FailedTTL.Milliseconds(),
	).Slice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	if recovered, ok := res[0].(int64); ok && recovered > 0 {
		q.logger.WithField("jobs", recovered).Warn("Recovered jobs from expired worker leases")
	}
	ids := make([]string, 0, len(res)-1)
	for _, v := range res[1:] {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (q *RedisQueue) process(ctx context.Context, id string) {
	// Bookkeeping must survive shutdown of the worker context
	bg := context.WithoutCancel(ctx)
	log := q.logger.WithField("job_id", id)

	fields, err := q.client.HGetAll(bg, q.jobKey(id)).Result()
	if err != nil {
		log.WithError(err).Error("Failed to load job, rescheduling")
		q.requeue(bg, id, q.opts.Backoff)
		return
	}
	if len(fields) == 0 {
		// cancelled between claim and load
		q.client.ZRem(bg, q.activeKey(), id)
		q.metrics.observeResult("unknown", ResultDropped, 0)
		return
	}

	attempt, err := q.client.HIncrBy(bg, q.jobKey(id), "attempt", 1).Result()
	if err != nil {
		log.WithError(err).Error("Failed to count attempt, rescheduling")
		q.requeue(bg, id, q.opts.Backoff)
		return
	}

	job := decodeJob(id, fields, int(attempt))
	log = log.WithFields(logrus.Fields{"kind": job.Kind, "attempt": job.Attempt})

	started := q.now()
	handler, ok := q.handler(job.Kind)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
		job.Attempt = job.MaxAttempts
	} else {
		err = q.invoke(ctx, handler, job)
	}
	took := q.now().Sub(started)

	if err == nil {
		_, err := q.client.TxPipelined(bg, func(pipe redis.Pipeliner) error {
			pipe.Del(bg, q.jobKey(id))
			pipe.ZRem(bg, q.activeKey(), id)
			return nil
		})
		if err != nil {
			log.WithError(err).Error("Failed to acknowledge job")
		}
		q.metrics.observeResult(job.Kind, ResultSucceeded, took)
		return
	}

	if job.IsFinalAttempt() || errors.Is(err, ErrPermanent) {
		log.WithError(err).Warn("Job permanently failed")
		_, perr := q.client.TxPipelined(bg, func(pipe redis.Pipeliner) error {
			pipe.HSet(bg, q.jobKey(id), "last_error", err.Error(), "failed_at", q.now().UnixMilli())
			pipe.Expire(bg, q.jobKey(id), q.opts.FailedTTL)
			pipe.ZAdd(bg, q.failedKey(), &redis.Z{Score: float64(q.now().UnixMilli()), Member: id})
			pipe.ZRem(bg, q.activeKey(), id)
			return nil
		})
		if perr != nil {
			log.WithError(perr).Error("Failed to record job failure")
		}
		q.metrics.observeResult(job.Kind, ResultFailed, took)
		return
	}

	backoff := q.opts.BackoffFor(job.Attempt)
	log.WithError(err).WithField("retry_in", backoff.String()).Info("Job failed, retrying")
	q.client.HSet(bg, q.jobKey(id), "last_error", err.Error())
	q.requeue(bg, id, backoff)
	q.metrics.observeResult(job.Kind, ResultRetried, took)
}

func (q *RedisQueue) requeue(ctx context.Context, id string, delay time.Duration) {
	fireAt := q.now().Add(delay).UnixMilli()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(fireAt), Member: id})
		pipe.ZRem(ctx, q.activeKey(), id)
		return nil
	})
	if err != nil {
		q.logger.WithError(err).WithField("job_id", id).Error("Failed to requeue job")
	}
}

func (q *RedisQueue) invoke(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func decodeJob(id string, fields map[string]string, attempt int) *Job {
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	enqueuedMs, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	return &Job{
		ID:          id,
		Kind:        fields["kind"],
		Payload:     json.RawMessage(fields["payload"]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.UnixMilli(enqueuedMs).UTC(),
	}
}
