// Package queue implements a disk-backed, at-least-once job queue with
// retry policies, exponential backoff redelivery, and a dead-letter store.
//
// Jobs survive process restarts: pending entries are reloaded from disk on
// startup, so a job whose handler crashed mid-flight is redelivered. Handlers
// must therefore tolerate re-runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/pkg/metrics"
)

const (
	jobPrefix = "job:"
	dlqPrefix = "dlq:"
)

// RetryPolicy controls redelivery of a failed job.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Delay returns the backoff before redelivery after attempt index i
// (zero-based): BaseDelay * 2^i, capped at MaxDelay.
func (p RetryPolicy) Delay(i int) time.Duration {
	if i < 0 {
		return p.BaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = time.Minute
	}
	if i > 30 {
		return max
	}
	d := p.BaseDelay * time.Duration(1<<uint(i))
	if d > max {
		return max
	}
	return d
}

// Job is one unit of work. Attempt counts consumed deliveries.
type Job struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	Payload     []byte      `json:"payload"`
	Attempt     int         `json:"attempt"`
	NotBefore   time.Time   `json:"not_before"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Policy      RetryPolicy `json:"policy"`
}

// deadLetter is the stored form of a terminally failed job.
type deadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Handler processes a delivered job. A nil return acknowledges the job; an
// error schedules redelivery unless it is marked Fatal or attempts are
// exhausted.
type Handler func(ctx context.Context, job Job) error

// TerminalHandler observes a job's terminal failure after its last attempt.
type TerminalHandler func(job Job, err error)

// Queue is a badger-backed work queue delivering each job to at most one
// concurrent handler invocation at a time.
type Queue struct {
	db      *badger.DB
	logger  *zap.SugaredLogger
	handler Handler

	concurrency  int
	pollInterval time.Duration

	onTerminal TerminalHandler

	mu       sync.Mutex
	inflight map[string]struct{}

	jobs   chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Config configures queue construction.
type Config struct {
	Dir          string
	Concurrency  int
	PollInterval time.Duration
	InMemory     bool
}

// New opens (or creates) the queue at cfg.Dir.
func New(cfg Config, logger *zap.SugaredLogger) (*Queue, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	return &Queue{
		db:           db,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		inflight:     make(map[string]struct{}),
		jobs:         make(chan Job),
		stopCh:       make(chan struct{}),
	}, nil
}

// SetHandler registers the job handler. Must be called before Start.
func (q *Queue) SetHandler(h Handler) { q.handler = h }

// SetTerminalHandler registers the terminal-failure observer.
func (q *Queue) SetTerminalHandler(h TerminalHandler) { q.onTerminal = h }

// Submit persists a job with its retry policy and makes it eligible for
// delivery.
func (q *Queue) Submit(ctx context.Context, job Job, policy RetryPolicy) error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("retry policy requires max attempts >= 1")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Policy = policy
	job.SubmittedAt = time.Now().UTC()
	if job.NotBefore.IsZero() {
		job.NotBefore = job.SubmittedAt
	}

	if err := q.putJob(job); err != nil {
		return err
	}
	metrics.QueueDepth.Inc()
	q.logger.Infow("job submitted",
		"job_id", job.ID,
		"order_id", job.OrderID,
		"max_attempts", policy.MaxAttempts,
	)
	return nil
}

// Start launches the dispatcher and the worker pool. Pending jobs persisted
// by a previous process are picked up automatically.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("queue handler not set")
	}
	q.startOnce.Do(func() {
		for i := 0; i < q.concurrency; i++ {
			q.wg.Add(1)
			go q.workerLoop(ctx)
		}
		q.wg.Add(1)
		go q.dispatchLoop(ctx)
		q.logger.Infow("queue started", "concurrency", q.concurrency)
	})
	return nil
}

// Shutdown stops delivery, waits for in-flight handlers, and closes the
// store.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.db.Close()
}

// Len returns the number of jobs awaiting delivery (including those backing
// off between attempts).
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(jobPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeadLetters returns terminally failed jobs with their final errors.
func (q *Queue) DeadLetters() ([]Job, []string, error) {
	var jobs []Job
	var errs []string
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(dlqPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var dl deadLetter
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dl)
			}); err != nil {
				return err
			}
			jobs = append(jobs, dl.Job)
			errs = append(errs, dl.Error)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return jobs, errs, nil
}

// dispatchLoop periodically scans for due jobs and hands them to workers.
// The inflight set guarantees a job is never delivered to two handler
// invocations at once.
func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue(ctx)
		}
	}
}

func (q *Queue) dispatchDue(ctx context.Context) {
	due, err := q.dueJobs()
	if err != nil {
		q.logger.Errorw("failed to scan for due jobs", "error", err)
		return
	}
	for _, job := range due {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		q.deliver(ctx, job.ID)
	}
}

// deliver claims a job and hands its current stored state to a worker. The
// scan that found the job is a snapshot: the job may have been acknowledged
// or rescheduled with a new attempt count between the scan and the claim, so
// only the state re-read under the claim is trusted.
func (q *Queue) deliver(ctx context.Context, id string) bool {
	if !q.claim(id) {
		return false
	}
	job, ok, err := q.loadJob(id)
	if err != nil {
		q.release(id)
		q.logger.Errorw("failed to load job for delivery", "job_id", id, "error", err)
		return false
	}
	if !ok || job.NotBefore.After(time.Now().UTC()) {
		q.release(id)
		return false
	}
	select {
	case q.jobs <- job:
		return true
	case <-q.stopCh:
		q.release(id)
		return false
	case <-ctx.Done():
		q.release(id)
		return false
	}
}

// loadJob reads a job's current stored state. ok is false when the job no
// longer exists, i.e. it was acknowledged or dead-lettered.
func (q *Queue) loadJob(id string) (Job, bool, error) {
	var job Job
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &job)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// dueJobs returns persisted jobs whose backoff has elapsed, oldest first.
func (q *Queue) dueJobs() ([]Job, error) {
	now := time.Now().UTC()
	var due []Job
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(jobPrefix),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &job)
			}); err != nil {
				return err
			}
			if job.NotBefore.After(now) {
				continue
			}
			due = append(due, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].NotBefore.Before(due[j].NotBefore)
		}
		return due[i].SubmittedAt.Before(due[j].SubmittedAt)
	})
	return due, nil
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

// process runs the handler for one delivery and applies the retry policy to
// its result.
func (q *Queue) process(ctx context.Context, job Job) {
	defer q.release(job.ID)

	err := q.handler(ctx, job)
	if err == nil {
		if delErr := q.deleteJob(job.ID); delErr != nil {
			q.logger.Errorw("failed to acknowledge job", "job_id", job.ID, "error", delErr)
			return
		}
		metrics.QueueDepth.Dec()
		q.logger.Infow("job completed", "job_id", job.ID, "order_id", job.OrderID, "attempt", job.Attempt+1)
		return
	}

	job.Attempt++
	if IsFatal(err) || job.Attempt >= job.Policy.MaxAttempts {
		q.toDeadLetter(job, err)
		return
	}

	delay := job.Policy.Delay(job.Attempt - 1)
	job.NotBefore = time.Now().UTC().Add(delay)
	if putErr := q.putJob(job); putErr != nil {
		q.logger.Errorw("failed to reschedule job", "job_id", job.ID, "error", putErr)
		return
	}
	metrics.JobRetries.Inc()
	q.logger.Warnw("job failed, redelivery scheduled",
		"job_id", job.ID,
		"order_id", job.OrderID,
		"attempt", job.Attempt,
		"delay", delay,
		"error", err,
	)
}

func (q *Queue) toDeadLetter(job Job, cause error) {
	dl := deadLetter{Job: job, Error: cause.Error(), FailedAt: time.Now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		q.logger.Errorw("failed to marshal dead letter", "job_id", job.ID, "error", err)
		return
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dlqPrefix+job.ID), data); err != nil {
			return err
		}
		return txn.Delete([]byte(jobPrefix + job.ID))
	})
	if err != nil {
		q.logger.Errorw("failed to move job to dead letter store", "job_id", job.ID, "error", err)
		return
	}
	metrics.QueueDepth.Dec()
	q.logger.Errorw("job terminally failed",
		"job_id", job.ID,
		"order_id", job.OrderID,
		"attempts", job.Attempt,
		"error", cause,
	)
	if q.onTerminal != nil {
		q.onTerminal(job, cause)
	}
}

func (q *Queue) putJob(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(jobPrefix+job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

func (q *Queue) deleteJob(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(jobPrefix + id))
	})
}

func (q *Queue) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}
