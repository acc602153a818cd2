package peer

import (
	"testing"
	"time"

	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/wire"
)

type fakeSession struct {
	controls []interface{}
	images   []*wire.ImagePacket
	closed   bool
	doneCh   chan struct{}
	failSend bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{doneCh: make(chan struct{})}
}

func (f *fakeSession) SendControl(p interface{}) error {
	if f.failSend {
		return errTest
	}
	f.controls = append(f.controls, p)
	return nil
}

func (f *fakeSession) SendImage(p *wire.ImagePacket, group bool) error {
	f.images = append(f.images, p)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	close(f.doneCh)
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.doneCh }

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("boom")

func TestAddSessionFlipsOnlineAndPushesProfile(t *testing.T) {
	bus := events.NewBus()
	var id identity.UserID
	id[0] = 1
	p := New(id, false, bus)
	p.SetProfile(Profile{DisplayName: "alice"})

	s := newFakeSession()
	if err := p.AddSession(s, true, nil, nil); err != nil {
		t.Fatal(err)
	}
	if !p.IsOnline() {
		t.Fatal("expected peer online after AddSession")
	}
	if len(s.controls) != 1 {
		t.Fatalf("expected profile push, got %d controls", len(s.controls))
	}
	if len(s.images) != 1 {
		t.Fatalf("expected profile image push, got %d", len(s.images))
	}

	ev, ok := bus.Next()
	if !ok || ev.Kind != events.StateChanged {
		t.Fatalf("expected StateChanged event, got %#v ok=%v", ev, ok)
	}
}

func TestRemoveSessionFlipsOfflineAndResetsConnectivity(t *testing.T) {
	bus := events.NewBus()
	var id identity.UserID
	id[0] = 2
	p := New(id, false, bus)
	s := newFakeSession()
	_ = p.AddSession(s, false, nil, nil)
	bus.Next() // drain StateChanged(online)

	p.SetConnectivityStatus(FullMeshNetwork)
	bus.Next() // drain ConnectivityChanged

	p.RemoveSession(s)
	if p.IsOnline() {
		t.Fatal("expected peer offline after RemoveSession of last session")
	}
	if p.ConnectivityStatus() != NoNetwork {
		t.Fatalf("expected NoNetwork after last session removed, got %v", p.ConnectivityStatus())
	}
}

func TestSendMessageFansOutToAllSessions(t *testing.T) {
	bus := events.NewBus()
	var id identity.UserID
	p := New(id, false, bus)
	s1, s2 := newFakeSession(), newFakeSession()
	_ = p.AddSession(s1, false, nil, nil)
	_ = p.AddSession(s2, false, nil, nil)

	msg := &wire.MessagePacket{MessageNumber: 1, Payload: []byte("hi")}
	if err := p.SendMessage(msg); err != nil {
		t.Fatal(err)
	}
	if len(s1.controls) != 2 || len(s2.controls) != 2 { // profile push + message
		t.Fatalf("expected message delivered to both sessions, got s1=%d s2=%d", len(s1.controls), len(s2.controls))
	}
}

func TestSendMessageRejectsOversized(t *testing.T) {
	bus := events.NewBus()
	var id identity.UserID
	p := New(id, false, bus)
	msg := &wire.MessagePacket{Payload: make([]byte, MaxMessageSize+1)}
	if err := p.SendMessage(msg); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDisconnectClosesAllSessions(t *testing.T) {
	bus := events.NewBus()
	var id identity.UserID
	p := New(id, false, bus)
	s1, s2 := newFakeSession(), newFakeSession()
	_ = p.AddSession(s1, false, nil, nil)
	_ = p.AddSession(s2, false, nil, nil)

	p.Disconnect()
	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("s1 not closed")
	}
	select {
	case <-s2.Done():
	case <-time.After(time.Second):
		t.Fatal("s2 not closed")
	}
}
