package llmqueue

import (
	"sync"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// subscriber is one registered callback on a job topic.
type subscriber struct {
	id int
	cb func(models.StreamEvent)
}

// topic is the per-job fan-out point. Callbacks run synchronously in
// registration order so every subscriber observes the same event sequence.
type topic struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID int
	closed bool
}

// Bus is the in-process pub/sub for job stream events. Topics are created
// lazily on first subscribe or publish and torn down when the terminal
// event goes out.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *common.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *common.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func (b *Bus) topicFor(jobID string, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok && create {
		t = &topic{}
		b.topics[jobID] = t
	}
	return t
}

// Subscribe registers cb on the job's topic and returns an unsubscribe
// func. The preroll events are delivered to cb under the topic lock, so no
// live event can interleave with them. Subscribing to a closed topic
// delivers only the preroll.
func (b *Bus) Subscribe(jobID string, preroll []models.StreamEvent, cb func(models.StreamEvent)) func() {
	t := b.topicFor(jobID, true)

	t.mu.Lock()
	for _, ev := range preroll {
		b.invoke(jobID, cb, ev)
	}
	if t.closed {
		t.mu.Unlock()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs = append(t.subs, subscriber{id: id, cb: cb})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber of the job's topic. A terminal
// event closes the topic; further publishes are dropped.
func (b *Bus) Publish(jobID string, ev models.StreamEvent) {
	t := b.topicFor(jobID, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for _, s := range t.subs {
		b.invoke(jobID, s.cb, ev)
	}
	if ev.Terminal() {
		t.closed = true
		t.subs = nil
	}
	t.mu.Unlock()

	if ev.Terminal() {
		b.mu.Lock()
		delete(b.topics, jobID)
		b.mu.Unlock()
	}
}

// invoke runs one callback with panic isolation. A panicking subscriber
// must not take down the dispatcher or starve its peers.
func (b *Bus) invoke(jobID string, cb func(models.StreamEvent), ev models.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("job_id", jobID).
				Interface("panic", r).
				Msg("Subscriber callback panicked")
		}
	}()
	cb(ev)
}
