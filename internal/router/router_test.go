// ABOUTME: Tests for dispatch semantics: resolution, mutual exclusion, timeouts, panics
// ABOUTME: Covers timeout non-mutation, re-entrant dispatch, and state-change broadcasts

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

func newTestRouter(t *testing.T) (*Router, *Registry, *events.Broadcaster) {
	t.Helper()
	reg := NewRegistry()
	b := events.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	rt := NewRouter(reg, session.NewManager(nil, nil), b, time.Second, nil)
	return rt, reg, b
}

func TestDispatchUnknownHandler(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	resp := rt.Dispatch(t.Context(), message.NewRequest("ghost", "haunt", nil))
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeUnknownHandler, resp.Err.Code)
	assert.Equal(t, "ghost", resp.Err.Context["target_agent"])
}

func TestDispatchSuccess(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	require.NoError(t, reg.Register("echo", "say", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		return map[string]any{"said": payload["text"]}, nil
	}))

	req := message.NewRequest("echo", "say", map[string]any{"text": "hi"})
	resp := rt.Dispatch(t.Context(), req)
	require.True(t, resp.Success)
	assert.Equal(t, "hi", resp.Result["said"])
	assert.Equal(t, req.ID, resp.ReplyTo)
	assert.Nil(t, resp.Err)
}

func TestDispatchHandlerError(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	require.NoError(t, reg.Register("flaky", "run", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("disk on fire")
	}))

	resp := rt.Dispatch(t.Context(), message.NewRequest("flaky", "run", nil))
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeHandlerFailure, resp.Err.Code)
	assert.Contains(t, resp.Err.Message, "disk on fire")
}

func TestDispatchStructuredErrorPassesThrough(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	require.NoError(t, reg.Register("guarded", "go", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		return nil, message.NewError(message.CodeInvalidState, "busy", map[string]any{"workflow_status": "processing"})
	}))

	resp := rt.Dispatch(t.Context(), message.NewRequest("guarded", "go", nil))
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeInvalidState, resp.Err.Code)
	assert.Equal(t, "processing", resp.Err.Context["workflow_status"])
}

func TestDispatchPanicBecomesHandlerFailure(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	require.NoError(t, reg.Register("bomb", "explode", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		panic("kaboom")
	}))

	resp := rt.Dispatch(t.Context(), message.NewRequest("bomb", "explode", nil))
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeHandlerFailure, resp.Err.Code)
	assert.Contains(t, resp.Err.Message, "kaboom")

	// Router survives and keeps dispatching
	resp = rt.Dispatch(t.Context(), message.NewRequest("bomb", "explode", nil))
	assert.Equal(t, message.CodeHandlerFailure, resp.Err.Code)
}

func TestDispatchTimeoutLeavesStateUntouched(t *testing.T) {
	rt, reg, _ := newTestRouter(t)

	release := make(chan struct{})
	require.NoError(t, reg.Register("slow", "crawl", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		<-release // outlives the timeout
		_, err := sess.Store.Update(ctx, func(s *session.State) error {
			s.WorkflowStatus = session.StatusProcessing
			return nil
		})
		return nil, err
	}))

	req := message.NewRequest("slow", "crawl", map[string]any{"session_id": "s1"})
	resp := rt.DispatchTimeout(t.Context(), req, 50*time.Millisecond)
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeTimeout, resp.Err.Code)

	close(release)
	time.Sleep(50 * time.Millisecond) // let the abandoned handler attempt its commit

	sess, ok := rt.Sessions().Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.StatusIdle, sess.Store.Snapshot().WorkflowStatus,
		"late commit from a timed-out handler must be rejected")
}

func TestDispatchSerializesPerSession(t *testing.T) {
	rt, reg, _ := newTestRouter(t)

	var active, maxActive, calls int
	var mu sync.Mutex
	require.NoError(t, reg.Register("counter", "bump", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		calls++
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		_, err := sess.Store.Update(ctx, func(s *session.State) error {
			s.CorrectionAttempt++
			return nil
		})

		mu.Lock()
		active--
		mu.Unlock()
		return nil, err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := rt.Dispatch(context.Background(),
				message.NewRequest("counter", "bump", map[string]any{"session_id": "s1"}))
			assert.True(t, resp.Success)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one handler per session at a time")
	assert.Equal(t, 10, calls)

	sess, _ := rt.Sessions().Get("s1")
	assert.Equal(t, 10, sess.Store.Snapshot().CorrectionAttempt, "no lost updates")
}

func TestDispatchSessionsDoNotBlockEachOther(t *testing.T) {
	rt, reg, _ := newTestRouter(t)

	blocked := make(chan struct{})
	require.NoError(t, reg.Register("mixed", "run", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		if sess.ID == "slow" {
			<-blocked
		}
		return map[string]any{"session": sess.ID}, nil
	}))

	go rt.Dispatch(context.Background(),
		message.NewRequest("mixed", "run", map[string]any{"session_id": "slow"}))

	done := make(chan *message.Response, 1)
	go func() {
		done <- rt.Dispatch(context.Background(),
			message.NewRequest("mixed", "run", map[string]any{"session_id": "fast"}))
	}()

	select {
	case resp := <-done:
		assert.True(t, resp.Success)
	case <-time.After(time.Second):
		t.Fatal("a slow session blocked an unrelated one")
	}
	close(blocked)
}

func TestDispatchReentrantSameSession(t *testing.T) {
	rt, reg, _ := newTestRouter(t)

	require.NoError(t, reg.Register("inner", "step", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		_, err := sess.Store.Update(ctx, func(s *session.State) error {
			s.WorkflowStatus = session.StatusProcessing
			return nil
		})
		return map[string]any{"inner": true}, err
	}))
	require.NoError(t, reg.Register("outer", "drive", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		// Same session: must not deadlock on the dispatch lock
		resp := rt.Dispatch(ctx, message.NewRequest("inner", "step", payload))
		if !resp.Success {
			return nil, resp.Err
		}
		return resp.Result, nil
	}))

	payload := map[string]any{"session_id": "s1"}
	done := make(chan *message.Response, 1)
	go func() {
		done <- rt.Dispatch(context.Background(), message.NewRequest("outer", "drive", payload))
	}()

	select {
	case resp := <-done:
		require.True(t, resp.Success)
		assert.Equal(t, true, resp.Result["inner"])
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant dispatch deadlocked")
	}

	sess, _ := rt.Sessions().Get("s1")
	assert.Equal(t, session.StatusProcessing, sess.Store.Snapshot().WorkflowStatus)
}

func TestDispatchBroadcastsOnStateChange(t *testing.T) {
	rt, reg, b := newTestRouter(t)

	require.NoError(t, reg.Register("mutator", "touch", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		_, err := sess.Store.Update(ctx, func(s *session.State) error {
			s.WorkflowStatus = session.StatusUploading
			return nil
		})
		return nil, err
	}))
	require.NoError(t, reg.Register("reader", "peek", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		return map[string]any{"status": string(sess.Store.Snapshot().WorkflowStatus)}, nil
	}))

	ch, _ := b.Subscribe(t.Context(), "s1")
	payload := map[string]any{"session_id": "s1"}

	rt.Dispatch(t.Context(), message.NewRequest("mutator", "touch", payload))
	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeStateChanged, ev.Type)
		assert.Equal(t, "uploading", ev.Data["workflow_status"])
		assert.Equal(t, "touch", ev.Data["action"])
	case <-time.After(time.Second):
		t.Fatal("no broadcast after a state-changing dispatch")
	}

	// Read-only dispatch publishes nothing
	rt.Dispatch(t.Context(), message.NewRequest("reader", "peek", payload))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected broadcast %q after read-only dispatch", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchWithCancelledContext(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	require.NoError(t, reg.Register("echo", "say", func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := rt.Dispatch(ctx, message.NewRequest("echo", "say", nil))
	require.False(t, resp.Success)
	assert.Equal(t, message.CodeTimeout, resp.Err.Code)
}
