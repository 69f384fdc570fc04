package audio

import "sync"

// Pool is a fixed-size worker pool for CPU-bound audio jobs. A pool with one
// worker preserves submission order, which is what a realtime session needs:
// chunks must reach the upstream in capture order, just not on the session's
// event goroutine.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool with n workers (minimum 1) and the given queue depth.
func NewPool(n, depth int) *Pool {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 64
	}
	p := &Pool{jobs: make(chan func(), depth)}
	for range n {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit enqueues a job. Returns false if the pool is closed or the queue is
// full — the caller drops the chunk rather than blocking the event loop.
func (p *Pool) Submit(job func()) bool {
	// The lock is held across the send so Close cannot close p.jobs between
	// the closed check and the enqueue. The send never blocks, so holding
	// the lock here is safe.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
