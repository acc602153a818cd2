package events

import (
	"testing"
	"time"
)

func TestEventsObservedInEmissionOrder(t *testing.T) {
	b := NewBus()
	b.Emit(StateChanged, "a")
	b.Emit(PeerAdded, "b")
	b.Emit(MessageReceived, "c")

	var got []string
	for i := 0; i < 3; i++ {
		ev, ok := b.Next()
		if !ok {
			t.Fatal("unexpected closed bus")
		}
		got = append(got, ev.Data.(string))
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNextBlocksUntilEmit(t *testing.T) {
	b := NewBus()
	done := make(chan Event, 1)
	go func() {
		ev, ok := b.Next()
		if !ok {
			return
		}
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	b.Emit(ConnectivityChanged, 7)

	select {
	case ev := <-done:
		if ev.Kind != ConnectivityChanged || ev.Data.(int) != 7 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on Emit")
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	b := NewBus()
	done := make(chan bool, 1)
	go func() {
		_, ok := b.Next()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Next to report !ok after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}
