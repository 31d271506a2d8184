package coord

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	InvalidationTopic     = "invalidate"
	defaultPublishTimeout = 5 * time.Second
	allCollections        = "*"
)

// Hub turns committed writes into invalidation signals. Local subscribers
// are called synchronously; other processes learn through the Broadcaster.
// Messages carrying this hub's own origin are dropped on receipt.
type Hub struct {
	origin  string
	remote  Broadcaster
	logger  zerolog.Logger
	local   *topicSubscribers
	unwatch func()

	publishTimeout time.Duration
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

func NewHub(remote Broadcaster, logger zerolog.Logger) *Hub {
	h := &Hub{
		origin:         uuid.NewString(),
		remote:         remote,
		logger:         logger,
		local:          newTopicSubscribers(),
		publishTimeout: defaultPublishTimeout,
	}
	if remote != nil {
		h.unwatch = remote.Subscribe(InvalidationTopic, h.receive)
	}
	return h
}

func (h *Hub) Origin() string {
	return h.origin
}

// Subscribe registers fn for writes touching collection. fn receives the
// full list of collections from the committing transaction.
func (h *Hub) Subscribe(collection string, fn func(collections []string)) func() {
	return h.local.add(strings.TrimSpace(collection), func(msg Message) { fn(msg.Names) })
}

// SubscribeAll registers fn for every invalidation regardless of collection.
func (h *Hub) SubscribeAll(fn func(collections []string)) func() {
	return h.local.add(allCollections, func(msg Message) { fn(msg.Names) })
}

// Notify has the localstore.NotifyFunc shape so it can be handed straight to
// NewNotifyingStore.
func (h *Hub) Notify(ctx context.Context, collections []string) {
	names := normalizeNames(collections)
	if len(names) == 0 {
		return
	}
	msg := Message{Origin: h.origin, Names: names}
	h.deliver(msg)
	if h.remote == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.publishTimeout)
		defer cancel()
		if err := h.remote.Publish(publishCtx, InvalidationTopic, msg); err != nil {
			h.logger.Warn().Err(err).Strs("collections", names).Msg("publish invalidation failed")
		}
	}()
}

func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.unwatch != nil {
			h.unwatch()
		}
		h.wg.Wait()
		if h.remote != nil {
			err = h.remote.Close()
		}
	})
	return err
}

func (h *Hub) receive(msg Message) {
	if msg.Origin == h.origin {
		return
	}
	names := normalizeNames(msg.Names)
	if len(names) == 0 {
		return
	}
	h.deliver(Message{Origin: msg.Origin, Names: names})
}

func (h *Hub) deliver(msg Message) {
	for _, name := range msg.Names {
		h.local.dispatch(name, msg)
	}
	h.local.dispatch(allCollections, msg)
}

func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || name == allCollections {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
