package worker

import "sync"

type Task func()

// Pool runs tasks on a fixed number of goroutines. Tasks that find every
// goroutine busy wait in a bounded queue.
type Pool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(numWorkers, queueSize int) *Pool {
	return &Pool{
		numWorkers: max(numWorkers, 1),
		tasks:      make(chan Task, max(queueSize, 0)),
	}
}

func (p *Pool) Start() {
	for range p.numWorkers {
		p.wg.Go(func() {
			for task := range p.tasks {
				task()
			}
		})
	}
}

// TrySubmit queues task without blocking. It returns false if the queue
// is full or the pool is closed.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
