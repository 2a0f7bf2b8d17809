// Package workpool provides a bounded goroutine pool, adapted from the
// pack's agent worker pool for the Checkpointer's "bounded pool in
// parallel" flush (§4.6) and the Versioned Frameset Flow's chunk uploads
// (§4.8 step 6).
package workpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	return p
}

// Submit enqueues a task. Returns false if the pool is stopped or the
// queue is full. wg.Add happens before enqueue to avoid a race with Drain.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn().Msg("workpool: queue full, task rejected")
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting
// the context deadline. Call StopAccepting first.
func (p *Pool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("workpool: drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("workpool: task panicked")
		}
	}()
	task()
}
