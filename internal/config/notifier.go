package config

import "sync"

// ClientConfigChanged is published after the client config was saved.
type ClientConfigChanged struct {
	Previous ClientConfig
	Current  ClientConfig
}

// Notifier fans ClientConfigChanged events out to subscribers, in the order
// they subscribed.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(ClientConfigChanged)
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(ClientConfigChanged)) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber{id: id, fn: fn})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish calls every subscriber synchronously. Subscribers may subscribe or
// unsubscribe from inside the callback.
func (n *Notifier) Publish(ev ClientConfigChanged) {
	n.mu.Lock()
	subs := make([]subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
