/*
Package notify delivers allocation and redemption state changes to
interested subscribers (dashboards, scan terminals).

PURPOSE:
  An explicit in-process subscription registry with a defined lifecycle:
  register on Subscribe, deregister through the returned cancel func.
  No ambient process-wide socket registry, no persistence.

DELIVERY GUARANTEES (and non-guarantees):
  - Best-effort: subscribers connected at publish time receive the event;
    offline subscribers miss it. Dashboards re-fetch authoritative state
    on reconnect, so this is acceptable.
  - Slow subscribers drop: Publish never blocks the transactional path.
  - Per-topic order matches commit order because publishers only publish
    AFTER their store transaction commits. No ordering across topics.

TOPICS:
  ledger-changed: an enrollment was added/removed; payload carries only
                  the program id so subscribers re-fetch.
  redeemed:       a pending enrollment was released at a terminal.

SEE ALSO:
  - hub.go: WebSocket bridge pushing events to connected clients
*/
package notify

import (
	"log"
	"sync"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

const (
	TopicLedgerChanged = "ledger-changed"
	TopicRedeemed      = "redeemed"
)

// Event is what subscribers receive. Payloads are intentionally thin:
// ids, not full records - authoritative state lives in the store.
type Event struct {
	Topic         string     `json:"topic"`
	ProgramID     string     `json:"programId"`
	PersonID      string     `json:"personId,omitempty"`
	PersonVariant string     `json:"personVariant,omitempty"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`

	// ProgramComplete is set on redeemed events when the program has no
	// pending enrollments left. Advancing program status stays with the
	// operator; this is just the completion signal.
	ProgramComplete bool `json:"programComplete,omitempty"`
}

// =============================================================================
// NOTIFIER - Topic-based subscription registry
// =============================================================================

// subscriberBuffer bounds how far a subscriber may lag before it drops.
const subscriberBuffer = 16

type subscriber struct {
	id int
	ch chan Event
}

// Notifier is a best-effort in-process pub/sub registry.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID int
	closed bool
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]subscriber)}
}

// Subscribe registers interest in a topic. The returned cancel func
// deregisters the subscription and closes the channel; it is safe to call
// more than once.
func (n *Notifier) Subscribe(topic string) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	sub := subscriber{id: n.nextID, ch: make(chan Event, subscriberBuffer)}
	if n.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	n.subs[topic] = append(n.subs[topic], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			list := n.subs[topic]
			for i, s := range list {
				if s.id == sub.id {
					n.subs[topic] = append(list[:i], list[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every current subscriber of its topic.
// Non-blocking: a subscriber whose buffer is full misses the event.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	dropped := 0
	for _, sub := range n.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[Notifier] dropped %s event for %d slow subscriber(s)", ev.Topic, dropped)
	}
}

// SubscriberCount reports current subscribers for a topic (for tests and
// health endpoints).
func (n *Notifier) SubscriberCount(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[topic])
}

// Close deregisters everything. Subsequent publishes are no-ops.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for topic, list := range n.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(n.subs, topic)
	}
}
