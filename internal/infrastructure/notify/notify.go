// Package notify delivers commit notifications that wake projection
// dispatchers before their next poll. Notifications are hints: a subscriber
// that falls behind drops them and relies on polling instead.
package notify

import (
	"context"
	"sync"

	"github.com/lllypuk/eventflow/internal/application/appcore"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// offer sends c without blocking. A full channel already holds a pending wake-up.
func offer(out chan<- appcore.Commit, c appcore.Commit) {
	select {
	case out <- c:
	default:
	}
}

// Channel fans commits out to in-process subscribers.
type Channel struct {
	mu   sync.Mutex
	subs map[int]chan appcore.Commit
	next int
}

// NewChannel creates an in-process notifier.
func NewChannel() *Channel {
	return &Channel{subs: make(map[int]chan appcore.Commit)}
}

// Publish delivers c to every current subscriber.
func (n *Channel) Publish(_ context.Context, c appcore.Commit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		offer(ch, c)
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (n *Channel) Subscribe(ctx context.Context) (<-chan appcore.Commit, error) {
	ch := make(chan appcore.Commit, subscriberBuffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		close(ch)
		n.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of active subscriptions.
func (n *Channel) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Nop is a notifier that never delivers anything. Dispatchers fall back to polling.
type Nop struct{}

// Publish discards c.
func (Nop) Publish(context.Context, appcore.Commit) error { return nil }

// Subscribe returns a channel closed when ctx is done.
func (Nop) Subscribe(ctx context.Context) (<-chan appcore.Commit, error) {
	ch := make(chan appcore.Commit)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

var (
	_ appcore.Notifier = (*Channel)(nil)
	_ appcore.Notifier = Nop{}
	_ appcore.Notifier = (*RedisNotifier)(nil)
	_ appcore.Notifier = (*NATSNotifier)(nil)
)
