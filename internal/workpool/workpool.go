// Package workpool implements the fixed-size general work pool the
// Message Router uses for scheduleProcessing tile tasks and for
// parallel-for loops over tiles (spec.md §5). It is constructed as a
// service.Service so the demo CLI can start/stop it alongside the
// transport with the same uniform lifecycle.
package workpool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/service"
)

var _ service.Service = (*Pool)(nil)

// Pool is a fixed-size goroutine pool. Tasks are non-blocking and
// non-cooperative, matching spec.md §5's scheduling model.
type Pool struct {
	size int
	tasks chan func()

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewPool constructs a pool with n worker goroutines. It is not yet
// running workers until Start is called.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		size:  n,
		tasks: make(chan func(), 4096),
	}
}

// Name implements service.Service.
func (p *Pool) Name() string { return "workpool" }

// Dependencies implements service.Service.
func (p *Pool) Dependencies() []string { return nil }

// Init implements service.Service; workpool takes no configuration.
func (p *Pool) Init(_ ...any) error { return nil }

// Start implements service.Service, launching the fixed worker
// goroutines.
func (p *Pool) Start() error {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task for execution by some worker goroutine. It
// returns an error if the pool has already been stopped.
func (p *Pool) Submit(task func()) error {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		return errors.New("workpool: submit on a closed pool")
	}
	p.tasks <- task
	return nil
}

// Stop implements service.Service, draining queued tasks and waiting
// for all workers to exit. Safe to call multiple times.
func (p *Pool) Stop() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.closeMu.Unlock()

	p.wg.Wait()
	return nil
}
