package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, dir string, concurrency int) *Queue {
	t.Helper()
	q, err := New(Config{
		Dir:          dir,
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return q
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(10), "delay is capped at MaxDelay")
	assert.Equal(t, time.Minute, p.Delay(63), "large attempt indexes do not overflow")
}

func TestSuccessfulJobDeliveredOnce(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 2)
	ctx := context.Background()
	defer q.Shutdown(ctx)

	var calls int32
	q.SetHandler(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, q.Start(ctx))

	err := q.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No redelivery after success.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetryableFailureRedeliveredUntilExhausted(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 1)
	ctx := context.Background()
	defer q.Shutdown(ctx)

	var calls int32
	var attempts []int
	q.SetHandler(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		attempts = append(attempts, job.Attempt)
		return Retryable(errors.New("venue rejected trade"))
	})

	terminal := make(chan error, 1)
	q.SetTerminalHandler(func(job Job, err error) { terminal <- err })
	require.NoError(t, q.Start(ctx))

	err := q.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case err := <-terminal:
		assert.ErrorContains(t, err, "venue rejected trade")
	case <-time.After(5 * time.Second):
		t.Fatal("terminal handler never fired")
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []int{0, 1, 2}, attempts, "each delivery carries the consumed attempt count")

	jobs, errs, err := q.DeadLetters()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "order-1", jobs[0].OrderID)
	assert.Contains(t, errs[0], "venue rejected trade")
}

func TestFatalFailureSkipsRetry(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 1)
	ctx := context.Background()
	defer q.Shutdown(ctx)

	var calls int32
	q.SetHandler(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Fatal(errors.New("no route available"))
	})
	terminal := make(chan struct{}, 1)
	q.SetTerminalHandler(func(job Job, err error) { terminal <- struct{}{} })
	require.NoError(t, q.Start(ctx))

	err := q.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	require.NoError(t, err)

	select {
	case <-terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal handler never fired")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fatal errors must not be retried")
}

func TestPendingJobsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q1 := newTestQueue(t, dir, 1)
	err := q1.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	q1.SetHandler(func(ctx context.Context, job Job) error { return nil })
	require.NoError(t, q1.Shutdown(ctx))

	q2 := newTestQueue(t, dir, 1)
	defer q2.Shutdown(ctx)

	delivered := make(chan Job, 1)
	q2.SetHandler(func(ctx context.Context, job Job) error {
		delivered <- job
		return nil
	})
	require.NoError(t, q2.Start(ctx))

	select {
	case job := <-delivered:
		assert.Equal(t, "order-1", job.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("persisted job was not redelivered after restart")
	}
}

func TestDeliverSkipsAcknowledgedJob(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 1)
	ctx := context.Background()
	defer q.Shutdown(ctx)

	err := q.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)

	due, err := q.dueJobs()
	require.NoError(t, err)
	require.Len(t, due, 1)

	// The job is acknowledged between the scan and the claim. Delivering
	// from the stale snapshot would resurrect a finished job.
	require.NoError(t, q.deleteJob(due[0].ID))
	assert.False(t, q.deliver(ctx, due[0].ID))

	// The claim is released again.
	assert.True(t, q.claim(due[0].ID))
	q.release(due[0].ID)
}

func TestDeliverSkipsRescheduledJob(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 1)
	ctx := context.Background()
	defer q.Shutdown(ctx)

	err := q.Submit(ctx, Job{OrderID: "order-1", Payload: []byte(`{}`)},
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	require.NoError(t, err)

	due, err := q.dueJobs()
	require.NoError(t, err)
	require.Len(t, due, 1)

	// A failed handler rescheduled the job into its backoff window after
	// the scan. The stale snapshot must not bypass the backoff or deliver
	// the old attempt count.
	job := due[0]
	job.Attempt = 1
	job.NotBefore = time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.putJob(job))

	assert.False(t, q.deliver(ctx, job.ID))
}

func TestSubmitRejectsInvalidPolicy(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 1)
	defer q.Shutdown(context.Background())

	err := q.Submit(context.Background(), Job{OrderID: "order-1"}, RetryPolicy{})
	assert.Error(t, err)
}
