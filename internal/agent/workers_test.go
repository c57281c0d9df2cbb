package agent

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/testutil"
)

func TestWorkersBoundConcurrency(t *testing.T) {
	w := NewWorkers(1)
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	if err := w.Submit(func() {
		started <- struct{}{}
		<-release
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	testutil.RequireReceive(t, started, time.Second, "task start")
	if w.Active() != 1 || w.Capacity() != 1 {
		t.Fatalf("active=%d capacity=%d", w.Active(), w.Capacity())
	}

	err := w.Submit(func() {})
	if !errors.Is(err, ErrWorkersBusy) || !errors.Is(err, syscall.EBUSY) {
		t.Fatalf("expected busy, got %v", err)
	}

	close(release)
	w.Wait()
	if w.Active() != 0 {
		t.Fatalf("expected no active tasks, got %d", w.Active())
	}
	if err := w.Submit(func() {}); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}
	w.Wait()
}
