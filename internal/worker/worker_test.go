package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// memQueue is an in-memory Queue with the same state transitions as the
// Postgres job store.
type memQueue struct {
	mu   sync.Mutex
	jobs map[int64]*models.Job
	next int64
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[int64]*models.Job{}}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	job.ID = q.next
	job.Status = models.JobStatusPending
	cp := *job
	q.jobs[job.ID] = &cp
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id int64) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *j
	return &cp, nil
}

func (q *memQueue) ClaimNextJob(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for id := int64(1); id <= q.next; id++ {
		j, ok := q.jobs[id]
		if !ok || !j.ShouldProcess(now) {
			continue
		}
		j.Status = models.JobStatusProcessing
		j.Attempts++
		j.WorkerID = &workerID
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (q *memQueue) set(id int64, fn func(j *models.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	fn(j)
	return nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) { j.Status = models.JobStatusCompleted })
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	return q.set(id, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.LastError = &msg
	})
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, msg string, at time.Time) error {
	return q.set(id, func(j *models.Job) {
		j.Status = models.JobStatusPending
		j.LastError = &msg
		j.RetryAfter = &at
	})
}

func (q *memQueue) CancelJob(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) { j.Status = models.JobStatusCancelled })
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) {
		if j.Status == models.JobStatusProcessing {
			j.Status = models.JobStatusPending
			j.Attempts--
		}
	})
}

func (q *memQueue) GetStats(_ context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &models.JobStats{}
	for _, j := range q.jobs {
		switch j.Status {
		case models.JobStatusPending:
			s.Pending++
		case models.JobStatusProcessing:
			s.Processing++
		case models.JobStatusCompleted:
			s.Completed++
		case models.JobStatusFailed:
			s.Failed++
		case models.JobStatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s, nil
}

func testConfig() Config {
	return Config{
		MaxConcurrent:          1,
		PollInterval:           5 * time.Millisecond,
		RetryBaseDelay:         time.Millisecond,
		RetryMaxDelay:          5 * time.Millisecond,
		RetryBackoffMultiplier: 2,
		JobTimeout:             time.Second,
		ShutdownTimeout:        time.Second,
		HeartbeatInterval:      time.Hour,
	}
}

func waitForStatus(t *testing.T, q *memQueue, id int64, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		job, _ = q.GetByID(context.Background(), id)
		return job != nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())

	var completed int
	var mu sync.Mutex
	w.SetInstrumentation(&Instrumentation{OnComplete: func(*models.Job, time.Duration) {
		mu.Lock()
		completed++
		mu.Unlock()
	}})

	seen := make(chan int64, 1)
	w.RegisterHandler("echo", func(_ context.Context, job *models.Job) error {
		seen <- job.ID
		return nil
	})

	job := &models.Job{JobType: "echo", MaxAttempts: 1}
	require.NoError(t, w.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop(context.Background()) }()

	assert.Equal(t, job.ID, <-seen)
	waitForStatus(t, q, job.ID, models.JobStatusCompleted)

	mu.Lock()
	assert.Equal(t, 1, completed)
	mu.Unlock()
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())

	var calls int
	var mu sync.Mutex
	w.RegisterHandler("flaky", func(context.Context, *models.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("smtp timeout")
	})

	job := &models.Job{JobType: "flaky", MaxAttempts: 3}
	require.NoError(t, w.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop(context.Background()) }()

	got := waitForStatus(t, q, job.ID, models.JobStatusFailed)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "smtp timeout", *got.LastError)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, int64(2), w.GetStats().JobsRetried)
}

func TestWorkerPermanentErrorSkipsRetry(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())
	w.RegisterHandler("bad", func(context.Context, *models.Job) error {
		return Permanent(errors.New("undecodable payload"))
	})

	job := &models.Job{JobType: "bad", MaxAttempts: 5}
	require.NoError(t, w.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop(context.Background()) }()

	got := waitForStatus(t, q, job.ID, models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerUnknownJobTypeFails(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())

	job := &models.Job{JobType: "mystery", MaxAttempts: 3}
	require.NoError(t, w.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop(context.Background()) }()

	got := waitForStatus(t, q, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "no handler registered")
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())
	w.RegisterHandler("boom", func(context.Context, *models.Job) error { panic("nil map") })

	job := &models.Job{JobType: "boom", MaxAttempts: 1}
	require.NoError(t, w.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop(context.Background()) }()

	got := waitForStatus(t, q, job.ID, models.JobStatusFailed)
	assert.Contains(t, *got.LastError, "handler panic")
}

func TestWorkerStopReleasesInFlightJob(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())

	started := make(chan struct{})
	w.RegisterHandler("slow", func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	job := &models.Job{JobType: "slow", MaxAttempts: 3}
	require.NoError(t, w.Enqueue(context.Background(), job))

	w.Start(context.Background())
	<-started
	require.NoError(t, w.Stop(context.Background()))

	got, err := q.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	w := New(testConfig(), newMemQueue(), zerolog.Nop())
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{JobType: "x"}))
}

func TestCancelJobFiresHook(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, zerolog.Nop())
	var cancelled int64
	w.SetInstrumentation(&Instrumentation{OnCancel: func(j *models.Job) { cancelled = j.ID }})

	job := &models.Job{JobType: "x", MaxAttempts: 1}
	require.NoError(t, w.Enqueue(context.Background(), job))
	require.NoError(t, w.CancelJob(context.Background(), job.ID))
	assert.Equal(t, job.ID, cancelled)

	stats, err := w.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
}

func TestRetryDelayIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second, RetryBackoffMultiplier: 2}, newMemQueue(), zerolog.Nop())
	for attempt := 1; attempt < 20; attempt++ {
		d := w.retryDelay(attempt)
		assert.LessOrEqual(t, d, 12*time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("x")
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsPermanent(base))
}
