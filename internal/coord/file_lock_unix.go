//go:build unix

package coord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	ticketQueueSuffix = ".queue"
	ticketSeqSuffix   = ".seq"
	ticketPendingGlob = ".pending-*"
	minTicketPoll     = 2 * time.Millisecond
	maxTicketPoll     = 50 * time.Millisecond
)

// FileLockManager shares named locks between processes through a ticket
// queue under <dir>/<name>.queue. Each waiter draws the next number from
// <dir>/<name>.seq and holds an flock on its ticket for as long as it waits
// or owns the lock; the lowest live ticket owns it. Tickets whose flock is
// free belong to a process that died and are swept by the next waiter.
// Goroutines of one process line up in the local FIFO first.
type FileLockManager struct {
	dir   string
	local *LocalLockManager
}

type ticket struct {
	file *os.File
	path string
	once sync.Once
}

func NewFileLockManager(dir string) (*FileLockManager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileLockManager{dir: dir, local: NewLocalLockManager()}, nil
}

func (m *FileLockManager) Acquire(ctx context.Context, name string) (Release, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, ErrInvalidLockName
	}
	releaseLocal, err := m.local.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	t, err := m.takeTicket(name)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("take ticket for %s: %w", name, err)
	}
	if err := m.waitTurn(ctx, name, t); err != nil {
		t.drop()
		releaseLocal()
		return nil, err
	}
	return func() {
		t.drop()
		releaseLocal()
	}, nil
}

func (m *FileLockManager) queueDir(name string) string {
	return filepath.Join(m.dir, name+ticketQueueSuffix)
}

// takeTicket numbers and publishes a ticket while holding the sequence
// file's flock, so tickets appear in the queue in number order.
func (m *FileLockManager) takeTicket(name string) (*ticket, error) {
	queue := m.queueDir(name)
	if err := os.MkdirAll(queue, 0o755); err != nil {
		return nil, err
	}
	seqFile, err := os.OpenFile(filepath.Join(m.dir, name+ticketSeqSuffix), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	defer seqFile.Close()
	if err := flockRetry(seqFile, unix.LOCK_EX); err != nil {
		return nil, err
	}
	defer func() { _ = flockRetry(seqFile, unix.LOCK_UN) }()

	next, err := readTicketSeq(seqFile)
	if err != nil {
		return nil, err
	}
	next++
	if err := seqFile.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := seqFile.WriteAt([]byte(strconv.FormatInt(next, 10)), 0); err != nil {
		return nil, err
	}

	pending, err := os.CreateTemp(queue, ticketPendingGlob)
	if err != nil {
		return nil, err
	}
	if err := flockRetry(pending, unix.LOCK_EX); err != nil {
		_ = pending.Close()
		_ = os.Remove(pending.Name())
		return nil, err
	}
	path := filepath.Join(queue, fmt.Sprintf("%020d", next))
	if err := os.Rename(pending.Name(), path); err != nil {
		_ = pending.Close()
		_ = os.Remove(pending.Name())
		return nil, err
	}
	return &ticket{file: pending, path: path}, nil
}

func readTicketSeq(file *os.File) (int64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	raw, err := io.ReadAll(file)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt ticket sequence %q: %w", text, err)
	}
	return seq, nil
}

func (m *FileLockManager) waitTurn(ctx context.Context, name string, t *ticket) error {
	queue := m.queueDir(name)
	delay := minTicketPoll
	for {
		head, err := queueHead(queue, t.path)
		if err != nil {
			return err
		}
		if head == t.path {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay < maxTicketPoll {
			delay *= 2
		}
	}
}

// queueHead returns the lowest live ticket, sweeping abandoned ones.
// ReadDir sorts by name and ticket names are zero padded.
func queueHead(queue, own string) (string, error) {
	entries, err := os.ReadDir(queue)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(queue, entry.Name())
		if path == own {
			return path, nil
		}
		live, err := ticketLive(path)
		if err != nil {
			return "", err
		}
		if live {
			return path, nil
		}
	}
	return "", fmt.Errorf("ticket %s vanished from %s", filepath.Base(own), queue)
}

// ticketLive reports whether some process still holds the ticket's flock.
// A ticket nobody holds is removed.
func ticketLive(path string) (bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer file.Close()
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	_ = flockRetry(file, unix.LOCK_UN)
	return false, nil
}

func (t *ticket) drop() {
	t.once.Do(func() {
		_ = os.Remove(t.path)
		_ = flockRetry(t.file, unix.LOCK_UN)
		_ = t.file.Close()
	})
}

func flockRetry(file *os.File, how int) error {
	for {
		err := unix.Flock(int(file.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
