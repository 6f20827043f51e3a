package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemBusFanOut(t *testing.T) {
	b := NewMemBus()
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "delta:ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s2, err := b.Subscribe(ctx, "delta:ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := b.Subscribe(ctx, "delta:other")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "delta:ch", []byte("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []Subscription{s1, s2} {
		select {
		case got := <-sub.Messages():
			if string(got) != "hi" {
				t.Fatalf("payload = %q, want hi", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the publish")
		}
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unrelated topic received %q", msg)
	default:
	}
}

func TestMemBusCloseUnblocks(t *testing.T) {
	b := NewMemBus()
	sub, err := b.Subscribe(context.Background(), "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("channel still open after close")
	}
	if err := b.Publish(context.Background(), "t", []byte("x")); err != nil {
		t.Fatalf("publish after subscriber close: %v", err)
	}
}
