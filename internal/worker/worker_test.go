package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExecutesFn(t *testing.T) {
	p := New(2)
	ran := false
	err := p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRun_PropagatesFnError(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")
	err := p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRun_BlocksUntilSlotFreeThenRuns(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var ran int32
	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
			atomic.StoreInt32(&ran, 1)
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second task ran before the first released its slot")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestRun_RespectsContextCancellationWhileWaiting(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
			<-block
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, PriorityInteractive, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestGroup_RunsAllConcurrentlyAndReturnsFirstError(t *testing.T) {
	p := New(4)
	boom := errors.New("boom")
	var count int32
	err := p.Group(context.Background(),
		func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt32(&count, 1); return boom },
		func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestTryAcquirePrefetch_FailsWhenPoolFull(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, ok := p.TryAcquirePrefetch()
	assert.False(t, ok)
	close(release)
}

func TestTryAcquirePrefetch_SucceedsWhenSlotFree(t *testing.T) {
	p := New(2)
	release, ok := p.TryAcquirePrefetch()
	require.True(t, ok)
	release()
}

func TestNew_ClampsCapacityToAtLeastOne(t *testing.T) {
	p := New(0)
	assert.Equal(t, int64(1), p.cap)
}

func TestPriorityInteractive_WeighsMoreThanPrefetch(t *testing.T) {
	assert.Greater(t, int64(PriorityInteractive), int64(PriorityPrefetch))
}

func TestTryAcquirePrefetch_FailsWhenOnlyPrefetchWeightRemains(t *testing.T) {
	// Capacity 2: one interactive task (weight 2) fills the pool, so a
	// prefetch task (weight 1) must be refused rather than squeezing in.
	p := New(2)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), PriorityInteractive, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, ok := p.TryAcquirePrefetch()
	assert.False(t, ok)
	close(release)
}
