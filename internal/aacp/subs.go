package aacp

import (
	"errors"
	"fmt"
	"sync"

	"aacpd/internal/ring"
)

// ErrDuplicateTopic is returned when one registration names the same
// identifier twice.
var ErrDuplicateTopic = errors.New("aacp: identifier already subscribed")

const subscriptionBuffer = 8

// Subscription delivers values published under the identifiers it was
// registered for. The channel is bounded and drops its oldest entries when
// the holder falls behind; Cancel detaches it and closes the channel.
type Subscription struct {
	ids  []ControlCommandID
	ch   *ring.Channel[ControlCommandStatus]
	reg  *subscriptionRegistry
	once sync.Once
}

// C returns the receive channel. It is closed by Cancel or session teardown.
func (s *Subscription) C() <-chan ControlCommandStatus { return s.ch.C() }

// Cancel detaches the subscription. Publishes that race with Cancel are
// dropped silently; the registry prunes the entry on its next pass.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.reg.remove(s)
		s.ch.Close()
	})
}

type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[ControlCommandID][]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[ControlCommandID][]*Subscription)}
}

func (r *subscriptionRegistry) subscribe(ids ...ControlCommandID) (*Subscription, error) {
	if len(ids) == 0 {
		return nil, errors.New("aacp: subscription needs at least one identifier")
	}
	seen := make(map[ControlCommandID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTopic, id)
		}
		seen[id] = struct{}{}
	}

	sub := &Subscription{
		ids: append([]ControlCommandID(nil), ids...),
		ch:  ring.New[ControlCommandStatus](subscriptionBuffer),
		reg: r,
	}
	r.mu.Lock()
	for _, id := range ids {
		r.subs[id] = append(r.subs[id], sub)
	}
	r.mu.Unlock()
	return sub, nil
}

// publish fans one status out to every subscriber of its identifier. The
// subscriber list is snapshotted under the read lock and sends happen
// outside it, so a slow consumer never holds up registration.
func (r *subscriptionRegistry) publish(status ControlCommandStatus) {
	r.mu.RLock()
	subs := append([]*Subscription(nil), r.subs[status.Identifier]...)
	r.mu.RUnlock()

	for _, sub := range subs {
		value := make([]byte, len(status.Value))
		copy(value, status.Value)
		sub.ch.Send(ControlCommandStatus{Identifier: status.Identifier, Value: value})
	}
}

func (r *subscriptionRegistry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sub.ids {
		list := r.subs[id]
		for i, candidate := range list {
			if candidate == sub {
				r.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.subs[id]) == 0 {
			delete(r.subs, id)
		}
	}
}

// closeAll releases every subscriber channel. Used on session teardown so
// receivers blocked on C() unblock.
func (r *subscriptionRegistry) closeAll() {
	r.mu.Lock()
	unique := make(map[*Subscription]struct{})
	for _, list := range r.subs {
		for _, sub := range list {
			unique[sub] = struct{}{}
		}
	}
	r.subs = make(map[ControlCommandID][]*Subscription)
	r.mu.Unlock()

	for sub := range unique {
		sub.ch.Close()
	}
}
