package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllSubmittedTasks(t *testing.T) {
	p := New(4, 16)
	var count atomic.Int32

	for i := 0; i < 16; i++ {
		ok := p.Submit(func() { count.Add(1) })
		require.True(t, ok)
	}

	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)

	require.Equal(t, int32(16), count.Load())
}

func TestPool_RejectsSubmissionsAfterStopAccepting(t *testing.T) {
	p := New(1, 1)
	p.StopAccepting()

	ok := p.Submit(func() {})
	require.False(t, ok)

	p.Drain(context.Background())
}

func TestPool_SurvivesPanickingTask(t *testing.T) {
	p := New(1, 4)
	var ran atomic.Bool

	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })

	p.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)

	require.True(t, ran.Load(), "a panicking task must not take down the worker goroutine")
}
