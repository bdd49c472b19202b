package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 4)
	if err := b.Subscribe(ctx, func(channel string, payload []byte) {
		got <- Message{Channel: channel, Payload: payload}
	}, ChannelJobProgress, ChannelJobComplete); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stage := "expanding"
	if err := b.Publish(ctx, ChannelJobProgress, ProgressEvent{JobID: "J1", Progress: 40, Stage: &stage, Status: "processing"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Channel != ChannelJobProgress {
			t.Fatalf("expected channel %s, got %s", ChannelJobProgress, msg.Channel)
		}
		var decoded map[string]any
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded["jobId"] != "J1" || decoded["stage"] != "expanding" || decoded["status"] != "processing" {
			t.Fatalf("unexpected payload: %v", decoded)
		}
		if decoded["progress"].(float64) != 40 {
			t.Fatalf("expected progress 40, got %v", decoded["progress"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusDropsAfterUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan struct{}, 1)
	if err := b.Subscribe(ctx, func(string, []byte) { got <- struct{}{} }, ChannelJobComplete); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		b.mu.RLock()
		remaining := len(b.handlers[ChannelJobComplete])
		b.mu.RUnlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := b.Publish(context.Background(), ChannelJobComplete, CompleteEvent{JobID: "J1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-got:
		t.Fatal("expected no delivery after unsubscribe")
	default:
	}
	if len(b.Published()) != 1 {
		t.Fatalf("expected publish to be recorded, got %d", len(b.Published()))
	}
}

func TestCompleteEventEncoding(t *testing.T) {
	msg := "render timeout"
	raw, err := json.Marshal(CompleteEvent{JobID: "J1", Success: false, Error: &msg})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jobId":"J1","success":false,"error":"render timeout"}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}
}
