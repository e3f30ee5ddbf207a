package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 16
	defaultIdleTimeout = 5 * time.Minute
)

var (
	ErrQueueFull = errors.New("task queue full")
	ErrStopped   = errors.New("worker manager stopped")
)

type Config struct {
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager runs work for a session on that session's own goroutine, one task
// at a time and in submission order. Different sessions run in parallel.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	workers map[string]*sessionWorker
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Manager{
		cfg:     cfg,
		workers: make(map[string]*sessionWorker),
	}
}

// Do queues fn on the session's worker and waits for it to finish. When ctx
// ends first Do returns ctx.Err() and fn still runs with the cancelled ctx.
func (m *Manager) Do(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := task{ctx: ctx, fn: fn, resultCh: make(chan error, 1), queuedAt: time.Now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	w, ok := m.workers[sessionID]
	if !ok {
		w = newSessionWorker(m.cfg.QueueSize)
		m.workers[sessionID] = w
		m.wg.Add(1)
		go m.runWorker(sessionID, w)
		debugLog("worker %s started", sessionID)
	}
	select {
	case w.taskCh <- t:
	default:
		m.mu.Unlock()
		return ErrQueueFull
	}
	m.mu.Unlock()

	select {
	case err := <-t.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports the number of live session workers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Close stops every worker. Queued tasks fail with ErrStopped; a running task
// is allowed to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) runWorker(sessionID string, w *sessionWorker) {
	defer m.wg.Done()
	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	stop := func() {
		w.drain(ErrStopped)
		m.remove(sessionID, w)
		log.Printf("worker for session %s stopped", sessionID)
	}

	for {
		select {
		case <-w.stopCh:
			stop()
			return
		default:
		}

		select {
		case <-w.stopCh:
			stop()
			return
		case t := <-w.taskCh:
			m.runTask(sessionID, t)
			idle.Reset(m.cfg.IdleTimeout)
		case <-idle.C:
			// sends happen under m.mu, so an empty queue here stays empty
			m.mu.Lock()
			if len(w.taskCh) == 0 {
				if m.workers[sessionID] == w {
					delete(m.workers, sessionID)
				}
				m.mu.Unlock()
				debugLog("worker %s retired after idle", sessionID)
				return
			}
			m.mu.Unlock()
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

func (m *Manager) runTask(sessionID string, t task) {
	debugLog("worker %s run task queued %s ago", sessionID, time.Since(t.queuedAt))
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker %s task panic: %v", sessionID, r)
			t.resultCh <- fmt.Errorf("worker %s: panic: %v", sessionID, r)
		}
	}()
	t.resultCh <- t.fn(t.ctx)
}

func (m *Manager) remove(sessionID string, w *sessionWorker) {
	m.mu.Lock()
	if m.workers[sessionID] == w {
		delete(m.workers, sessionID)
	}
	m.mu.Unlock()
}
