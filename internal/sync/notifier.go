package sync

import gosync "sync"

// Notifier fans change signals out to subscribers. Signals are coalesced:
// each subscriber holds at most one undelivered signal, and Notify never
// blocks on a slow reader.
type Notifier struct {
	mu   gosync.Mutex
	next uint64
	subs map[uint64]chan struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[uint64]chan struct{})}
}

// Subscribe registers a listener. The returned cancel function closes the
// channel and may be called more than once.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			close(ch)
			n.mu.Unlock()
		})
	}
}

// Notify signals every subscriber.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
