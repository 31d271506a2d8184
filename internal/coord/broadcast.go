package coord

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is the only thing that crosses process boundaries: who wrote and
// which collections changed. Receivers re-read the store for values.
type Message struct {
	Origin string   `json:"origin"`
	Names  []string `json:"names"`
}

type Broadcaster interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, fn func(Message)) (unsubscribe func())
	Close() error
}

// LocalBus is an in-process Broadcaster. Several hubs attached to one bus
// behave like processes sharing a channel.
type LocalBus struct {
	subs   *topicSubscribers
	closed atomic.Bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: newTopicSubscribers()}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.subs.dispatch(topic, msg)
	return nil
}

func (b *LocalBus) Subscribe(topic string, fn func(Message)) func() {
	return b.subs.add(topic, fn)
}

func (b *LocalBus) Close() error {
	b.closed.Store(true)
	return nil
}

func cloneMessage(msg Message) Message {
	return Message{Origin: msg.Origin, Names: append([]string(nil), msg.Names...)}
}

// topicSubscribers is shared bookkeeping for broadcasters that fan one
// transport feed out to per-topic callbacks.
type topicSubscribers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Message)
}

func newTopicSubscribers() *topicSubscribers {
	return &topicSubscribers{subs: map[string]map[int]func(Message){}}
}

func (t *topicSubscribers) add(topic string, fn func(Message)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	if t.subs[topic] == nil {
		t.subs[topic] = map[int]func(Message){}
	}
	t.subs[topic][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[topic], id)
	}
}

func (t *topicSubscribers) dispatch(topic string, msg Message) {
	t.mu.RLock()
	handlers := make([]func(Message), 0, len(t.subs[topic]))
	for _, fn := range t.subs[topic] {
		handlers = append(handlers, fn)
	}
	t.mu.RUnlock()
	for _, fn := range handlers {
		fn(cloneMessage(msg))
	}
}
