package sensorrelay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func encode(t *testing.T, r Reading) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal reading: %v", err)
	}
	return b
}

func TestNewCallbackSubscriber(t *testing.T) {
	received := make(chan Reading, 1)
	sub := NewCallbackSubscriber(func(r Reading) error {
		received <- r
		return nil
	})

	input := Reading{SourceType: "android.sensor.accelerometer", Values: [3]float64{1, 2, 3}, Timestamp: time.Unix(1, 0).UTC()}
	if err := sub.TrySend(encode(t, input)); err != nil {
		t.Fatalf("TrySend returned error: %v", err)
	}
	select {
	case got := <-received:
		if got.SourceType != input.SourceType || got.Values != input.Values || !got.Timestamp.Equal(input.Timestamp) {
			t.Fatalf("mismatched reading: %+v vs %+v", got, input)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestCallbackSubscriberErrorUnsubscribes(t *testing.T) {
	sub := NewCallbackSubscriber(func(Reading) error { return errors.New("boom") })

	if err := sub.TrySend(encode(t, Reading{SourceType: "light"})); err != nil {
		t.Fatalf("TrySend returned error: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done to be closed after a handler error")
	}
	if err := sub.TrySend(encode(t, Reading{SourceType: "light"})); !errors.Is(err, ErrSubscriberClosed) {
		t.Fatalf("expected ErrSubscriberClosed, got %v", err)
	}
}

func TestCallbackSubscriberSlowHandlerDoesNotBlockSend(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sub := NewCallbackSubscriber(func(Reading) error {
		<-release
		return nil
	})

	payload := encode(t, Reading{SourceType: "light"})
	start := time.Now()
	var err error
	for i := 0; i < callbackBuffer+2 && err == nil; i++ {
		err = sub.TrySend(payload)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("sends blocked on the handler for %s", elapsed)
	}
	if !errors.Is(err, ErrSlowSubscriber) {
		t.Fatalf("expected ErrSlowSubscriber once the buffer fills, got %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}

func TestCallbackSubscriberPreservesOrder(t *testing.T) {
	got := make(chan float64, 10)
	sub := NewCallbackSubscriber(func(r Reading) error {
		got <- r.Values[0]
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := sub.TrySend(encode(t, Reading{SourceType: "light", Values: [3]float64{float64(i)}})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		select {
		case v := <-got:
			if v != float64(i) {
				t.Fatalf("expected reading %d, got %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for reading %d", i)
		}
	}
}

func TestNewCallbackSubscriberNilHandler(t *testing.T) {
	sub := NewCallbackSubscriber(nil)
	if err := sub.TrySend(encode(t, Reading{SourceType: "s"})); err == nil {
		t.Fatalf("expected error when callback is nil")
	}
}

func TestNewChannelSubscriber(t *testing.T) {
	sub, ch, closeFn := NewChannelSubscriber(1)
	defer closeFn()

	input := Reading{SourceType: "android.sensor.gyroscope", Values: [3]float64{7, 8, 9}}
	if err := sub.TrySend(encode(t, input)); err != nil {
		t.Fatalf("TrySend returned error: %v", err)
	}

	select {
	case got := <-ch:
		if got.SourceType != input.SourceType || got.Values != input.Values {
			t.Fatalf("unexpected reading: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel reading")
	}

	closeFn()
	if err := sub.TrySend(encode(t, input)); !errors.Is(err, ErrSubscriberClosed) {
		t.Fatalf("expected ErrSubscriberClosed, got %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestChannelSubscriberFullBufferEvicts(t *testing.T) {
	sub, ch, closeFn := NewChannelSubscriber(1)
	defer closeFn()

	payload := encode(t, Reading{SourceType: "light"})
	if err := sub.TrySend(payload); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := sub.TrySend(payload); !errors.Is(err, ErrSlowSubscriber) {
		t.Fatalf("expected ErrSlowSubscriber, got %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}

	// the buffered reading is still readable before the close is observed
	if _, ok := <-ch; !ok {
		t.Fatalf("expected the buffered reading")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestSubscribersHaveDistinctIDs(t *testing.T) {
	a := NewCallbackSubscriber(func(Reading) error { return nil })
	b, _, closeFn := NewChannelSubscriber(0)
	defer closeFn()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID(), b.ID())
	}
}
