package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(time.Second)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDequeueParksThenEnqueueResolves(t *testing.T) {
	q := New()
	done := make(chan any, 1)
	errc := make(chan error, 1)

	go func() {
		frame, err := q.Dequeue(2 * time.Second)
		done <- frame
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("late")

	select {
	case frame := <-done:
		if err := <-errc; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame != "late" {
			t.Fatalf("got %v, want late", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never resolved")
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New()
	_, err := q.Dequeue(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCloseReleasesParkedWaiterWithReason(t *testing.T) {
	q := New()
	errc := make(chan error, 1)

	go func() {
		_, err := q.Dequeue(2 * time.Second)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close(ReasonConnectionLost)

	select {
	case err := <-errc:
		var ce *ErrClosed
		if !errors.As(err, &ce) {
			t.Fatalf("got %v, want *ErrClosed", err)
		}
		if ce.Reason != ReasonConnectionLost {
			t.Fatalf("got reason %v, want %v", ce.Reason, ReasonConnectionLost)
		}
	case <-time.After(time.Second):
		t.Fatal("close never released the waiter")
	}
}

func TestCloseAfterDequeueHasAlreadyTakenBufferedFrameDoesNotRevokeIt(t *testing.T) {
	q := New()
	q.Enqueue("kept")

	frame, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if frame != "kept" {
		t.Fatalf("got %v, want kept", frame)
	}

	q.Close(ReasonRequestComplete)
	if frame != "kept" {
		t.Fatal("frame was revoked after the fact")
	}
}

func TestDequeueOnAlreadyClosedQueueFailsImmediately(t *testing.T) {
	q := New()
	q.Close(ReasonReplacedOnRetry)

	_, err := q.Dequeue(time.Second)
	var ce *ErrClosed
	if !errors.As(err, &ce) || ce.Reason != ReasonReplacedOnRetry {
		t.Fatalf("got %v, want ErrClosed{replaced_on_retry}", err)
	}
}

func TestCloseIsIdempotentFirstReasonWins(t *testing.T) {
	q := New()
	q.Close(ReasonConnectionLost)
	q.Close(ReasonRequestComplete)

	_, err := q.Dequeue(time.Second)
	var ce *ErrClosed
	if !errors.As(err, &ce) || ce.Reason != ReasonConnectionLost {
		t.Fatalf("got %v, want first reason connection_lost", err)
	}
}

func TestConcurrentEnqueuesPreserveOrderForSingleConsumer(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	n := 100

	// Single producer goroutine enqueues in order; a concurrent producer
	// goroutine would violate the single-producer contract, so this test
	// exercises one producer racing the consumer's park/resolve path.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Enqueue(i)
		}
	}()

	for i := 0; i < n; i++ {
		got, err := q.Dequeue(time.Second)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if got != i {
			t.Fatalf("got %v, want %d", got, i)
		}
	}
	wg.Wait()
}
