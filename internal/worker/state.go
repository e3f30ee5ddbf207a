package worker

import (
	"context"
	"time"
)

type task struct {
	ctx      context.Context
	fn       func(ctx context.Context) error
	resultCh chan error
	queuedAt time.Time
}

// sessionWorker is the goroutine-owned queue of one session.
type sessionWorker struct {
	taskCh chan task
	stopCh chan struct{}
}

func newSessionWorker(queueSize int) *sessionWorker {
	return &sessionWorker{
		taskCh: make(chan task, queueSize),
		stopCh: make(chan struct{}),
	}
}

// drain fails every queued task with err.
func (w *sessionWorker) drain(err error) {
	for {
		select {
		case t := <-w.taskCh:
			t.resultCh <- err
		default:
			return
		}
	}
}
