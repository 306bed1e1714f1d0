package scheduler

import (
	"bytes"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunInvokesRepeatedly(t *testing.T) {
	s := New(log.New(&syncBuffer{}, "", 0))
	defer s.Stop()

	var calls atomic.Int32
	s.Run("count", 5*time.Millisecond, func(context.Context) { calls.Add(1) })

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestStopCancelsAndWaits(t *testing.T) {
	s := New(log.New(&syncBuffer{}, "", 0))

	started := make(chan struct{}, 1)
	var finished atomic.Bool
	s.Run("slow", time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished.Store(true)
	})

	<-started
	s.Stop()
	assert.True(t, finished.Load())

	var after atomic.Int32
	s.Run("late", time.Millisecond, func(context.Context) { after.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, after.Load())
}

func TestOverlapIsBounded(t *testing.T) {
	logs := &syncBuffer{}
	s := New(log.New(logs, "", 0), WithConcurrency(2))

	var running, peak atomic.Int32
	release := make(chan struct{})
	s.Run("flush", time.Millisecond, func(ctx context.Context) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		running.Add(-1)
	})

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("skipped tick"))
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	s.Stop()
	assert.Equal(t, int32(2), peak.Load())
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	logs := &syncBuffer{}
	s := New(log.New(logs, "", 0))
	defer s.Stop()

	var calls atomic.Int32
	s.Run("flaky", 2*time.Millisecond, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), "task panicked: boom")
}
