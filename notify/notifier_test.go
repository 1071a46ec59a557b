package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/civicgrid/ayuda-engine/notify"
)

// =============================================================================
// SUBSCRIPTION LIFECYCLE TESTS
// =============================================================================

func TestNotifier_PublishReachesSubscriber(t *testing.T) {
	n := notify.NewNotifier()
	defer n.Close()

	events, cancel := n.Subscribe(notify.TopicLedgerChanged)
	defer cancel()

	n.Publish(notify.Event{Topic: notify.TopicLedgerChanged, ProgramID: "prog-1"})

	select {
	case ev := <-events:
		assert.Equal(t, "prog-1", ev.ProgramID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestNotifier_TopicsAreIsolated(t *testing.T) {
	// A ledger-changed subscriber never sees redeemed events.
	n := notify.NewNotifier()
	defer n.Close()

	events, cancel := n.Subscribe(notify.TopicLedgerChanged)
	defer cancel()

	n.Publish(notify.Event{Topic: notify.TopicRedeemed, ProgramID: "prog-1"})

	select {
	case ev := <-events:
		t.Fatalf("unexpected cross-topic delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_CancelDeregistersAndCloses(t *testing.T) {
	n := notify.NewNotifier()
	defer n.Close()

	events, cancel := n.Subscribe(notify.TopicRedeemed)
	assert.Equal(t, 1, n.SubscriberCount(notify.TopicRedeemed))

	cancel()
	assert.Equal(t, 0, n.SubscriberCount(notify.TopicRedeemed))

	_, open := <-events
	assert.False(t, open, "cancel closes the channel")

	// Cancel is idempotent.
	cancel()
}

func TestNotifier_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	// GIVEN: A subscriber that never reads
	// WHEN: Publishing more events than its buffer holds
	// THEN: Publish returns without blocking; later subscribers still work

	n := notify.NewNotifier()
	defer n.Close()

	_, cancelSlow := n.Subscribe(notify.TopicLedgerChanged)
	defer cancelSlow()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			n.Publish(notify.Event{Topic: notify.TopicLedgerChanged, ProgramID: "prog-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestNotifier_CloseStopsEverything(t *testing.T) {
	n := notify.NewNotifier()

	events, cancel := n.Subscribe(notify.TopicLedgerChanged)
	defer cancel()

	n.Close()

	_, open := <-events
	assert.False(t, open)

	// Publishing and subscribing after close are safe no-ops.
	n.Publish(notify.Event{Topic: notify.TopicLedgerChanged})
	late, lateCancel := n.Subscribe(notify.TopicLedgerChanged)
	defer lateCancel()
	_, open = <-late
	assert.False(t, open)
}

func TestNotifier_MultipleSubscribersAllReceive(t *testing.T) {
	n := notify.NewNotifier()
	defer n.Close()

	a, cancelA := n.Subscribe(notify.TopicRedeemed)
	defer cancelA()
	b, cancelB := n.Subscribe(notify.TopicRedeemed)
	defer cancelB()

	n.Publish(notify.Event{Topic: notify.TopicRedeemed, ProgramID: "prog-9"})

	for _, ch := range []<-chan notify.Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "prog-9", ev.ProgramID)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber")
		}
	}
}
