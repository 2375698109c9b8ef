// Package pubsub provides a small synchronous publish/subscribe bus used
// by the stash and queue packages to broadcast add/change/remove events.
package pubsub

import (
	"errors"
	"sync"
)

// ErrUnknownSubscription is returned by Unsubscribe when the given ID was
// never subscribed, or was already unsubscribed.
var ErrUnknownSubscription = errors.New("pubsub: unsubscribe of unknown subscription")

// Event is the value passed to every subscriber on a Notify call. Type is
// a short verb ("add", "change", "remove"); Subject is whatever the
// publisher is describing (a *task.Task, a *stash.StashEntry, ...).
type Event struct {
	Type    string
	Subject interface{}
}

// SubscriptionID identifies a subscription for Unsubscribe. Go function
// values aren't comparable, so unlike the Python Observable (which keys
// on the callback itself) this bus hands out an opaque handle instead —
// the same trick the teacher's blobserver.BlobHub uses, just with an
// issued integer standing in for a channel identity.
type SubscriptionID int64

type subscriber struct {
	id SubscriptionID
	fn func(Event)
}

// Bus is a minimal pub/sub. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	nextID SubscriptionID
	subs   []subscriber
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn to be called, in subscription order, for every
// subsequent Notify. It never fails (there's no way to subscribe "the
// same" fn twice when subscriptions are identified by handle, not value).
func (b *Bus) Subscribe(fn func(Event)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes a subscription. It returns ErrUnknownSubscription if
// id was never issued or was already removed.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return nil
		}
	}
	return ErrUnknownSubscription
}

// Notify delivers ev synchronously to every subscriber current as of the
// call, in subscription order. The subscriber list is snapshotted under
// the lock and then called with the lock released, so a subscriber is
// free to Subscribe, Unsubscribe, or Notify (including re-entrantly on
// this same bus) from within its callback — the worker pool's "remove"
// notification routinely triggers exactly that chain, when the queue's
// handler dispatches the next pending task, which itself notifies "add"
// on this bus before Notify has returned.
func (b *Bus) Notify(ev Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
