package registry

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brennhill/browser-fleet-adapter/internal/queue"
)

func TestCreateQueueReplacesPriorWithReplacedOnRetry(t *testing.T) {
	r := New(time.Minute, nil, nil)

	first := r.CreateQueue("req-1", "identity-a")
	second := r.CreateQueue("req-1", "identity-b")

	if first == second {
		t.Fatal("expected a new queue instance")
	}
	var ce *queue.ErrClosed
	if _, err := first.Dequeue(time.Second); !errors.As(err, &ce) || ce.Reason != queue.ReasonReplacedOnRetry {
		t.Fatalf("got %v, want the replaced queue closed with replaced_on_retry", err)
	}

	id, ok := r.GetIdentityByRequest("req-1")
	if !ok || id != "identity-b" {
		t.Fatalf("got (%q, %v), want (identity-b, true)", id, ok)
	}
	_ = second
}

func TestRemoveQueueClosesWithGivenReason(t *testing.T) {
	r := New(time.Minute, nil, nil)
	q := r.CreateQueue("req-1", "identity-a")

	r.RemoveQueue("req-1", queue.ReasonRequestComplete)

	_, err := q.Dequeue(time.Second)
	var ce *queue.ErrClosed
	if !errors.As(err, &ce) || ce.Reason != queue.ReasonRequestComplete {
		t.Fatalf("got %v, want queue closed with request_complete", err)
	}

	if _, ok := r.GetIdentityByRequest("req-1"); ok {
		t.Fatal("expected request to be forgotten after removal")
	}
}

func TestOnSocketMessageRoutesKnownEventTypes(t *testing.T) {
	r := New(time.Minute, nil, nil)
	q := r.CreateQueue("req-1", "identity-a")

	frame, _ := json.Marshal(map[string]any{
		"request_id": "req-1",
		"event_type": "chunk",
		"data":       "hello",
	})
	r.OnSocketMessage(frame)

	got, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("expected a chunk value")
	}
}

func TestOnSocketMessageDropsUnknownRequestID(t *testing.T) {
	r := New(time.Minute, nil, nil)

	frame, _ := json.Marshal(map[string]any{
		"request_id": "no-such-request",
		"event_type": "chunk",
		"data":       "hello",
	})
	// Must not panic; nothing to assert beyond "doesn't crash".
	r.OnSocketMessage(frame)
}

func TestOnSocketMessageDropsMissingRequestID(t *testing.T) {
	r := New(time.Minute, nil, nil)
	frame, _ := json.Marshal(map[string]any{
		"event_type": "chunk",
		"data":       "hello",
	})
	r.OnSocketMessage(frame)
}

func TestOnSocketCloseFiresConnectionLostAfterGraceWindow(t *testing.T) {
	var fired int32
	r := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, nil)

	q := r.CreateQueue("req-1", "identity-a")
	r.OnSocketClose("identity-a")

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&fired) == 0 {
		select {
		case <-deadline:
			t.Fatal("onConnectionLost never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := q.Dequeue(time.Second)
	if err == nil {
		t.Fatal("expected outstanding queue to be closed on grace expiry")
	}
}

func TestIsGraceActiveReflectsTimerState(t *testing.T) {
	r := New(50*time.Millisecond, func() {}, nil)
	if r.IsGraceActive() {
		t.Fatal("did not expect grace to be active before any socket close")
	}

	r.OnSocketClose("identity-a")
	if !r.IsGraceActive() {
		t.Fatal("expected grace to be active right after a socket close")
	}

	time.Sleep(100 * time.Millisecond)
	if r.IsGraceActive() {
		t.Fatal("expected grace to clear once it has expired")
	}
}

func TestOnSocketOpenCancelsGraceTimerAndDropsStaleQueues(t *testing.T) {
	var fired int32
	r := New(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, nil)

	stale := r.CreateQueue("req-1", "identity-a")
	r.OnSocketClose("identity-a")

	// Reopen before the grace window elapses.
	r.OnSocketOpen(nil, "identity-a")

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("onConnectionLost fired despite reconnection within grace window")
	}

	// The stale queue from the dead epoch must not still be live.
	if _, err := stale.Dequeue(10 * time.Millisecond); err == nil {
		t.Fatal("expected stale queue to have been closed on reopen")
	}
}

func TestOnGraceExpiredCallbackIsNotReentrant(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	r := New(10*time.Millisecond, func() {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}, nil)

	r.OnSocketClose("identity-a")
	time.Sleep(15 * time.Millisecond)
	// A second close (e.g. a different identity) while the callback from the
	// first expiry is still running must not re-arm and overlap it.
	r.OnSocketClose("identity-b")

	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("callback ran concurrently with itself: max=%d", maxConcurrent)
	}
}
