package engine

import (
	"fmt"
	"sync/atomic"
)

// Pool hands out workers round-robin so routers spread across them.
type Pool struct {
	workers []Worker
	next    atomic.Uint32
}

func NewPool(workers ...Worker) (*Pool, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("engine pool needs at least one worker")
	}
	return &Pool{workers: workers}, nil
}

func (p *Pool) Next() Worker {
	n := p.next.Add(1) - 1
	return p.workers[int(n%uint32(len(p.workers)))]
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// OnWorkerDied registers fn on every worker of the pool.
func (p *Pool) OnWorkerDied(fn func(w Worker, err error)) {
	for _, w := range p.workers {
		w := w
		w.OnDied(func(err error) { fn(w, err) })
	}
}

func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
