// Package bus abstracts the best-effort pub/sub fabric instances use to
// route bot requests to peers and to fan spectator events out. Delivery
// is at-least-once at best; everything built on top tolerates loss via
// timeouts and sweeps.
package bus

import (
	"fmt"
	"sync"
)

// Channel builders. Subjects are flat strings; the NATS implementation
// uses them verbatim.
func InstanceChannel(instanceID string) string {
	return fmt.Sprintf("bot:instance:%s", instanceID)
}

func ResponseChannel(requestID string) string {
	return fmt.Sprintf("bot:response:%s", requestID)
}

func ContestChannel(contestID int64) string {
	return fmt.Sprintf("debate:events:%d", contestID)
}

// Handler receives a published payload. Handlers must not block; slow
// work belongs on the subscriber's own goroutines.
type Handler func(data []byte)

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub contract.
type Bus interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, fn Handler) (Subscription, error)
}

// Memory is an in-process Bus for tests and single-instance deployments.
// Handlers run on the publisher's goroutine.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

func (b *Memory) Publish(channel string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *Memory) Subscribe(channel string, fn Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = fn
	return &memSub{bus: b, channel: channel, id: id}, nil
}

type memSub struct {
	bus     *Memory
	channel string
	id      int
	once    sync.Once
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers := s.bus.subs[s.channel]; handlers != nil {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
	})
	return nil
}
