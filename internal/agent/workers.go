package agent

import (
	"fmt"
	"sync"
	"syscall"
)

// ErrWorkersBusy is returned when every worker slot is taken.
var ErrWorkersBusy = fmt.Errorf("agent: all workers busy: %w", syscall.EBUSY)

// Workers runs background tasks with a fixed upper bound on concurrency.
// Submit never blocks.
type Workers struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewWorkers(max int) *Workers {
	if max <= 0 {
		max = 1
	}
	return &Workers{slots: make(chan struct{}, max)}
}

func (w *Workers) Submit(task func()) error {
	select {
	case w.slots <- struct{}{}:
	default:
		return ErrWorkersBusy
	}
	w.wg.Add(1)
	go func() {
		defer func() {
			<-w.slots
			w.wg.Done()
		}()
		task()
	}()
	return nil
}

// Active reports how many tasks are running.
func (w *Workers) Active() int {
	return len(w.slots)
}

func (w *Workers) Capacity() int {
	return cap(w.slots)
}

// Wait blocks until every submitted task has returned.
func (w *Workers) Wait() {
	w.wg.Wait()
}
