package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	fileBroadcastSuffix   = ".log"
	defaultFileLogMaxSize = 4 << 20
)

// FileBroadcaster appends one JSON line per message to <dir>/<topic>.log and
// tails those files with fsnotify. Every process pointed at the same
// directory sees every other process's messages.
type FileBroadcaster struct {
	dir     string
	maxSize int64
	logger  zerolog.Logger
	subs    *topicSubscribers
	watcher *fsnotify.Watcher

	offsetsMu sync.Mutex
	offsets   map[string]int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewFileBroadcaster(dir string, logger zerolog.Logger) (*FileBroadcaster, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("broadcast directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	b := &FileBroadcaster{
		dir:     dir,
		maxSize: defaultFileLogMaxSize,
		logger:  logger,
		subs:    newTopicSubscribers(),
		watcher: watcher,
		offsets: map[string]int64{},
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.watch()
	return b, nil
}

func (b *FileBroadcaster) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.topicPath(topic)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if info, statErr := os.Stat(path); statErr == nil && info.Size() > b.maxSize {
		// readers notice the shrink and restart from offset zero
		_ = os.Truncate(path, 0)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (b *FileBroadcaster) Subscribe(topic string, fn func(Message)) func() {
	if path, err := b.topicPath(topic); err == nil {
		b.offsetsMu.Lock()
		if _, ok := b.offsets[topic]; !ok {
			var size int64
			if info, statErr := os.Stat(path); statErr == nil {
				size = info.Size()
			}
			b.offsets[topic] = size
		}
		b.offsetsMu.Unlock()
	}
	return b.subs.add(topic, fn)
}

func (b *FileBroadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.watcher.Close()
		b.wg.Wait()
	})
	return err
}

func (b *FileBroadcaster) watch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, fileBroadcastSuffix) {
				continue
			}
			b.drain(strings.TrimSuffix(name, fileBroadcastSuffix))
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn().Err(err).Str("dir", b.dir).Msg("broadcast watcher error")
		}
	}
}

func (b *FileBroadcaster) drain(topic string) {
	b.offsetsMu.Lock()
	defer b.offsetsMu.Unlock()
	offset, subscribed := b.offsets[topic]
	if !subscribed {
		return
	}
	path := filepath.Join(b.dir, topic+fileBroadcastSuffix)
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("open broadcast log failed")
		}
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		b.offsets[topic] = offset
		return
	}
	b.offsets[topic] = offset + int64(end) + 1
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("skipping malformed broadcast line")
			continue
		}
		b.subs.dispatch(topic, msg)
	}
}

func (b *FileBroadcaster) topicPath(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || strings.ContainsAny(topic, `/\`) {
		return "", fmt.Errorf("invalid broadcast topic %q", topic)
	}
	return filepath.Join(b.dir, topic+fileBroadcastSuffix), nil
}
