package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *mockHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *mockHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBus_Subscribe(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	b.Subscribe(EventTaskDecided, &mockHandler{})

	if !b.HasSubscribers(EventTaskDecided) {
		t.Fatal("expected a subscriber for task.decided")
	}
	if b.HasSubscribers(EventDocumentTerminal) {
		t.Fatal("expected no subscriber for document.terminal")
	}
}

func TestBus_Publish(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	handler := &mockHandler{}
	b.Subscribe(EventTaskActionable, handler)

	ev := New(EventTaskActionable, 10, map[string]interface{}{"task_id": uint64(1)})
	if ev.IdempotencyKey == "" {
		t.Fatal("expected a generated idempotency key")
	}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return handler.count() == 1 })
}

func TestBus_PublishNoHandler(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	err := b.Publish(context.Background(), New(EventTaskDecided, 10, nil))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestBus_PublishAfterStop(t *testing.T) {
	b := NewBus()
	b.Subscribe(EventTaskDecided, &mockHandler{})
	b.Stop()

	err := b.Publish(context.Background(), New(EventTaskDecided, 10, nil))
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_PublishCanceledContext(t *testing.T) {
	b := NewBus()
	defer b.Stop()
	b.Subscribe(EventTaskDecided, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Publish(ctx, New(EventTaskDecided, 10, nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBus_PublishChannelFull(t *testing.T) {
	b := NewBus(WithBufferSize(1))
	defer b.Stop()

	block := make(chan struct{})
	b.SubscribeFunc(EventTaskDecided, func(ctx context.Context, event Event) error {
		<-block
		return nil
	})
	defer close(block)

	// First event occupies the worker, the next fills the buffer; one more
	// must be refused rather than block the caller.
	sawFull := false
	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), New(EventTaskDecided, 10, nil)); errors.Is(err, ErrChannelFull) {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected ErrChannelFull once the buffer filled")
	}
}

func TestBus_PublishSync(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	good := &mockHandler{}
	bad := &mockHandler{err: errors.New("delivery failed")}
	b.Subscribe(EventDocumentTerminal, good)
	b.Subscribe(EventDocumentTerminal, bad)

	errs := b.PublishSync(context.Background(), New(EventDocumentTerminal, 10, map[string]interface{}{"status": "approved"}))
	if len(errs) != 1 {
		t.Fatalf("expected exactly the failing handler's error, got %v", errs)
	}
	if good.count() != 1 || bad.count() != 1 {
		t.Fatal("both handlers should have run")
	}
}

func TestBus_MultipleHandlers(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	h1 := &mockHandler{}
	h2 := &mockHandler{}
	b.Subscribe(EventTaskActionable, h1)
	b.Subscribe(EventTaskActionable, h2)

	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), New(EventTaskActionable, uint64(i), nil)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return h1.count() == 5 && h2.count() == 5 })
}

// TestBus_HandlerErrorSwallowed verifies a handler failure never reaches
// the publisher of an async event.
func TestBus_HandlerErrorSwallowed(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	failing := &mockHandler{err: errors.New("downstream unavailable")}
	b.Subscribe(EventTaskDecided, failing)

	if err := b.Publish(context.Background(), New(EventTaskDecided, 10, nil)); err != nil {
		t.Fatalf("async publish must not surface handler errors: %v", err)
	}
	waitFor(t, func() bool { return failing.count() == 1 })
}
