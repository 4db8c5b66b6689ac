package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := []int{}
	done := make(chan struct{})
	queue := NewQueue("test", func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, job.Attempt)
		if job.Attempt < 2 {
			return errors.New("boom")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: time.Millisecond})
	queue.Start(context.Background())
	defer queue.Stop()

	require.NoError(t, queue.Enqueue(Job{ID: "1", Type: "slip"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	gaveUp := make(chan Job, 1)
	queue := NewQueue("test", func(ctx context.Context, job Job) error {
		return errors.New("always")
	}, QueueConfig{MaxRetries: 1, RetryDelay: time.Millisecond, OnGiveUp: func(job Job, err error) { gaveUp <- job }})
	queue.Start(context.Background())
	defer queue.Stop()

	require.NoError(t, queue.Enqueue(Job{ID: "1"}))
	select {
	case job := <-gaveUp:
		assert.Equal(t, 2, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("queue never gave up")
	}
}

func TestQueueRejectsWhenNotStartedOrFull(t *testing.T) {
	block := make(chan struct{})
	queue := NewQueue("test", func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	assert.Error(t, queue.Enqueue(Job{ID: "early"}))

	queue.Start(context.Background())
	defer queue.Stop()
	defer close(block)

	require.NoError(t, queue.Enqueue(Job{ID: "1"}))
	require.Eventually(t, func() bool { return queue.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, queue.Enqueue(Job{ID: "2"}))
	assert.ErrorIs(t, queue.Enqueue(Job{ID: "3"}), ErrQueueFull)
}

func TestQueueBackoffIsCapped(t *testing.T) {
	queue := NewQueue("test", nil, QueueConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second})
	assert.Equal(t, time.Second, queue.backoff(1))
	assert.Equal(t, 2*time.Second, queue.backoff(2))
	assert.Equal(t, 4*time.Second, queue.backoff(3))
	assert.Equal(t, 5*time.Second, queue.backoff(4))
}
