package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/sophia/pkg/log"
)

// Task is one unit of background work
type Task func()

// Pool is a fixed-size worker pool draining a task channel. Workers exit
// when the pool context is cancelled and the queue is drained.
type Pool struct {
	tasks  chan Task
	cancel context.CancelFunc
	group  *errgroup.Group
	logger zerolog.Logger

	mu      sync.Mutex
	stopped bool
}

// NewPool starts n workers
func NewPool(n int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		tasks:  make(chan Task, n*2),
		cancel: cancel,
		group:  g,
		logger: log.WithComponent("worker"),
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	return p
}

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit queues a task; it returns false when the pool is stopping or the
// queue is full, in which case the caller retries on its next cycle.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	if err := p.group.Wait(); err != nil {
		p.logger.Error().Err(err).Msg("Worker pool shut down with error")
	}
}
