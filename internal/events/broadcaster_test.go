// ABOUTME: Tests for the session event broadcaster
// ABOUTME: Covers fan-out, isolation, slow subscribers, and ctx-based cleanup

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterSingleSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "sess-1")

	b.Publish("sess-1", New(TypeStateChanged, map[string]any{"workflow_status": "processing"}))

	select {
	case ev := <-ch:
		assert.Equal(t, TypeStateChanged, ev.Type)
		assert.Equal(t, "processing", ev.Data["workflow_status"])
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-1")

	b.Publish("sess-1", New(TypeSessionReset, nil))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeSessionReset, ev.Type, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcasterSessionsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-2")

	b.Publish("sess-1", New(TypeStateChanged, nil))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("sess-1 subscriber timed out")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("sess-2 subscriber received unexpected event %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Must not panic or block
	b.Publish("nobody-home", New(TypeStateChanged, nil))
}

func TestBroadcasterSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, subID := b.Subscribe(t.Context(), "sess-1")

	// Overfill the buffer; Publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish("sess-1", New(TypeStateChanged, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	b.Unsubscribe("sess-1", subID)
}

func TestBroadcasterContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "sess-1")
	cancel()

	// The channel closes once the cleanup goroutine runs
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcasterConcurrentSubscribePublish(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			b.Subscribe(ctx, "sess-1")
		}()
		go func() {
			defer wg.Done()
			b.Publish("sess-1", New(TypeStateChanged, nil))
		}()
	}
	wg.Wait()
}

func TestBroadcasterPublishDuringUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Subscribers leaving while publishers are mid-send must never panic
	// the publisher with a send on a closed channel.
	for i := 0; i < 200; i++ {
		subIDs := make([]string, 4)
		for j := range subIDs {
			_, subIDs[j] = b.Subscribe(t.Context(), "sess-1")
		}

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			subID := subIDs[j]
			wg.Add(2)
			go func() {
				defer wg.Done()
				b.Publish("sess-1", New(TypeStateChanged, nil))
			}()
			go func() {
				defer wg.Done()
				b.Unsubscribe("sess-1", subID)
			}()
		}
		wg.Wait()
	}
}

func TestBroadcasterPublishDuringClose(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := NewBroadcaster(nil)
		for j := 0; j < 4; j++ {
			b.Subscribe(t.Context(), "sess-1")
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish("sess-1", New(TypeStateChanged, nil))
		}()
		go func() {
			defer wg.Done()
			b.Close()
		}()
		wg.Wait()
	}
}

func TestBroadcasterUnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, subID := b.Subscribe(t.Context(), "sess-1")
	b.Unsubscribe("sess-1", subID)
	b.Unsubscribe("sess-1", subID) // no panic
}
