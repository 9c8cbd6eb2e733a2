package bus

import (
	"context"
	"sync"
)

type localSub struct {
	handler Handler
}

// LocalBus is the in-process Bus used for single-node deployments and tests.
// Two gateways sharing one LocalBus behave like two processes sharing Redis.
type LocalBus struct {
	mu        sync.RWMutex
	users     map[string][]*localSub
	broadcast []*localSub
}

// NewLocal builds an in-process bus.
func NewLocal() *LocalBus {
	return &LocalBus{users: make(map[string][]*localSub)}
}

func (b *LocalBus) Publish(_ context.Context, userID string, ev Event) error {
	b.mu.RLock()
	subs := append([]*localSub(nil), b.users[userID]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(ev)
	}
	return nil
}

func (b *LocalBus) Broadcast(_ context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]*localSub(nil), b.broadcast...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, userID string, h Handler) (func(), error) {
	sub := &localSub{handler: h}
	b.mu.Lock()
	b.users[userID] = append(b.users[userID], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.users[userID]
		for i, s := range subs {
			if s == sub {
				b.users[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.users[userID]) == 0 {
			delete(b.users, userID)
		}
	}, nil
}

func (b *LocalBus) SubscribeBroadcast(_ context.Context, h Handler) (func(), error) {
	sub := &localSub{handler: h}
	b.mu.Lock()
	b.broadcast = append(b.broadcast, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.broadcast {
			if s == sub {
				b.broadcast = append(b.broadcast[:i], b.broadcast[i+1:]...)
				break
			}
		}
	}, nil
}
