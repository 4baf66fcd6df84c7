package job

import (
	"sync"
)

// QueueTopic is the topic signalled whenever a job becomes available for reservation.
const QueueTopic = "queue"

// Notifier manages subscriptions for job change notifications. Topics are either QueueTopic or a job id.
type Notifier interface {
	Subscribe(topic string) (func(), <-chan struct{})
	Notify(topic string)
	StopAll()
}

// DefaultNotifier is the default in-process implementation of Notifier. Notifications are
// coalesced: a subscriber that has not consumed the previous signal receives no second one.
type DefaultNotifier struct {
	mu      sync.Mutex
	subs    map[string]map[chan struct{}]struct{}
	stopped bool
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier() *DefaultNotifier {
	return &DefaultNotifier{
		subs: make(map[string]map[chan struct{}]struct{}),
	}
}

func (n *DefaultNotifier) Subscribe(topic string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.stopped {
		close(ch)
		return func() {}, ch
	}
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[chan struct{}]struct{})
	}
	n.subs[topic][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.subs[topic]
		if subscribers == nil {
			return
		}
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			delete(n.subs, topic)
		}
	}

	return unsub, ch
}

// Notify wakes every subscriber of topic.
func (n *DefaultNotifier) Notify(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopped = true
	for topic, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, topic)
	}
}

// drainAndClose removes any buffered notifications before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
