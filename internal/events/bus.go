// Package events is the publish/subscribe seam between the notification
// dispatcher and whatever delivers payloads to live sessions.
package events

import (
	"context"
	"sync"

	"fieldops/internal/models"
)

// Message is what the dispatcher publishes after a notification is stored.
type Message struct {
	UserID       uint                `json:"userId"`
	Notification models.Notification `json:"notification"`
}

// Handler must not block: the local bus calls handlers on the publisher's
// goroutine, which is what keeps per-user delivery in order.
type Handler func(Message)

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(h Handler) (unsubscribe func())
}

// LocalBus fans messages out to in-process subscribers.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]Handler)}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Recorder is a Bus for tests: it keeps every published message and still
// delivers to subscribers.
type Recorder struct {
	*LocalBus
	mu   sync.Mutex
	msgs []Message
	err  error
}

func NewRecorder() *Recorder {
	return &Recorder{LocalBus: NewLocalBus()}
}

// FailWith makes subsequent Publish calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return r.LocalBus.Publish(ctx, msg)
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// For returns the messages addressed to userID.
func (r *Recorder) For(userID uint) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}
