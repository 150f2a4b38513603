package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/casey/viewsync/sync"
)

func TestBus_PublishReachesSubscriber(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := &sync.Message{Type: sync.MsgProgressUpdate, UserID: "user-1"}
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := <-ch
	if got.Type != sync.MsgProgressUpdate {
		t.Errorf("Received type %s, expected %s", got.Type, sync.MsgProgressUpdate)
	}
}

func TestBus_PublishWithoutSubscriberDrops(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	err := bus.Publish(context.Background(), &sync.Message{UserID: "nobody"})
	if err != nil {
		t.Errorf("Publish to user with no subscriber should drop, got %v", err)
	}
}

func TestBus_BackloggedSubscriberFailsPublish(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	ctx := context.Background()

	if _, err := bus.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Fill the buffer, then overflow it.
	if err := bus.Publish(ctx, &sync.Message{UserID: "user-1"}); err != nil {
		t.Fatalf("First publish failed: %v", err)
	}
	err := bus.Publish(ctx, &sync.Message{UserID: "user-1"})
	if !errors.Is(err, sync.ErrPublishUnavailable) {
		t.Errorf("Overflow publish error = %v, expected ErrPublishUnavailable", err)
	}
}

func TestBus_DuplicateSubscribeFails(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	ctx := context.Background()

	if _, err := bus.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err := bus.Subscribe(ctx, "user-1")
	if !errors.Is(err, sync.ErrSubscriptionFailed) {
		t.Errorf("Duplicate subscribe error = %v, expected ErrSubscriptionFailed", err)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Unsubscribe("user-1"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if _, open := <-ch; open {
		t.Error("Channel should be closed after Unsubscribe")
	}

	// Resubscribe works after unsubscribe.
	if _, err := bus.Subscribe(ctx, "user-1"); err != nil {
		t.Errorf("Resubscribe failed: %v", err)
	}
}

func TestBus_PublishBatchPreservesOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()
	ctx := context.Background()

	ch, _ := bus.Subscribe(ctx, "user-1")

	msgs := []*sync.Message{
		{Type: sync.MsgWatchlistUpdate, UserID: "user-1"},
		{Type: sync.MsgProgressUpdate, UserID: "user-1"},
		{Type: sync.MsgDeviceHandoff, UserID: "user-1"},
	}
	if err := bus.PublishBatch(ctx, msgs); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	for i, want := range msgs {
		got := <-ch
		if got.Type != want.Type {
			t.Errorf("Message %d type = %s, expected %s", i, got.Type, want.Type)
		}
	}
}

func TestBus_ClosedBusFailsPublish(t *testing.T) {
	bus := NewBus(4)
	ctx := context.Background()

	ch, _ := bus.Subscribe(ctx, "user-1")
	bus.Close()

	if _, open := <-ch; open {
		t.Error("Close should close subscriber channels")
	}

	err := bus.Publish(ctx, &sync.Message{UserID: "user-1"})
	if !errors.Is(err, sync.ErrPublishUnavailable) {
		t.Errorf("Publish on closed bus error = %v, expected ErrPublishUnavailable", err)
	}
	if _, err := bus.Subscribe(ctx, "user-2"); !errors.Is(err, sync.ErrSubscriptionFailed) {
		t.Errorf("Subscribe on closed bus error = %v, expected ErrSubscriptionFailed", err)
	}
}
