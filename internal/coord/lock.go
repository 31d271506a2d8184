package coord

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const (
	LockSync      = "sync"
	LockMutations = "mutations"
)

var (
	ErrInvalidLockName = errors.New("invalid lock name")
	ErrClosed          = errors.New("coordination closed")
)

// Release gives a held lock back. Calling it more than once is a no-op.
type Release func()

// LockManager hands out named exclusive locks. Waiters for the same name are
// served in arrival order.
type LockManager interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

// LocalLockManager is a FIFO lock table scoped to one process.
type LocalLockManager struct {
	mu    sync.Mutex
	locks map[string]*fifoLock
}

type fifoLock struct {
	held    bool
	waiters []chan struct{}
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{locks: map[string]*fifoLock{}}
}

func (m *LocalLockManager) Acquire(ctx context.Context, name string) (Release, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidLockName
	}
	m.mu.Lock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &fifoLock{}
		m.locks[name] = lock
	}
	if !lock.held {
		lock.held = true
		m.mu.Unlock()
		return m.releaser(name), nil
	}
	ready := make(chan struct{})
	lock.waiters = append(lock.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return m.releaser(name), nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case <-ready:
			// handed over while we were giving up: pass it on
			m.handOffLocked(name)
		default:
			lock.removeWaiter(ready)
		}
		return nil, ctx.Err()
	}
}

func (m *LocalLockManager) releaser(name string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handOffLocked(name)
		})
	}
}

func (m *LocalLockManager) handOffLocked(name string) {
	lock, ok := m.locks[name]
	if !ok {
		return
	}
	if len(lock.waiters) == 0 {
		lock.held = false
		delete(m.locks, name)
		return
	}
	next := lock.waiters[0]
	lock.waiters = lock.waiters[1:]
	close(next)
}

func (l *fifoLock) removeWaiter(ready chan struct{}) {
	for i, waiter := range l.waiters {
		if waiter == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
