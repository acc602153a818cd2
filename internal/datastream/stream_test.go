package datastream

import (
	"io"
	"testing"
	"time"
)

func TestReadWriteRoundTrip(t *testing.T) {
	var sent []byte
	s := New(5, func(p []byte) error {
		sent = append([]byte(nil), p...)
		return nil
	})

	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if string(sent) != "ping" {
		t.Fatalf("expected write to emit exactly one frame with the payload, got %q", sent)
	}

	if err := s.Feed([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadPartialConsumption(t *testing.T) {
	s := New(1, func([]byte) error { return nil })
	if err := s.Feed([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	first := make([]byte, 5)
	n, err := s.Read(first)
	if err != nil || n != 5 || string(first) != "hello" {
		t.Fatalf("n=%d err=%v buf=%q", n, err, first)
	}
	rest := make([]byte, 10)
	n, err = s.Read(rest)
	if err != nil || string(rest[:n]) != " world" {
		t.Fatalf("n=%d err=%v buf=%q", n, err, rest[:n])
	}
}

func TestZeroLengthFrameClosesStream(t *testing.T) {
	s := New(2, func([]byte) error { return nil })
	if err := s.Feed(nil); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != io.EOF || n != 0 {
		t.Fatalf("expected io.EOF on zero-length close frame, got n=%d err=%v", n, err)
	}
}

func TestReadTimeoutDistinctFromClose(t *testing.T) {
	s := New(3, func([]byte) error { return nil })
	s.SetReadTimeout(20 * time.Millisecond)
	buf := make([]byte, 4)
	_, err := s.Read(buf)
	if err != ErrReadTimeout {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
}

func TestFeedFillsSingleReadSlot(t *testing.T) {
	s := New(4, func([]byte) error { return nil })
	origTimeout := FeedTimeout
	_ = origTimeout
	if err := s.Feed([]byte("a")); err != nil {
		t.Fatal(err)
	}
	// The slot is now occupied and nobody is reading; a second feed
	// within the deadline window would block. The FeedTimeout path itself
	// is not exercised here; we only assert the first feed succeeded and
	// the slot is indeed occupied by reading its byte back.
	buf := make([]byte, 1)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "a" {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	s := New(6, func([]byte) error { return nil })
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("x")); err != ErrWriteAfterClose {
		t.Fatalf("expected ErrWriteAfterClose, got %v", err)
	}
}

func TestMuxPortParity(t *testing.T) {
	clientMux := NewMux(RoleClient, func(uint16, []byte) error { return nil })
	serverMux := NewMux(RoleServer, func(uint16, []byte) error { return nil })

	for i := 0; i < 5; i++ {
		cs, err := clientMux.Open()
		if err != nil {
			t.Fatal(err)
		}
		if cs.Port%2 != 1 {
			t.Fatalf("client-opened port %d is not odd", cs.Port)
		}
		ss, err := serverMux.Open()
		if err != nil {
			t.Fatal(err)
		}
		if ss.Port%2 != 0 {
			t.Fatalf("server-opened port %d is not even", ss.Port)
		}
	}
}

func TestMuxOpenAtRejectsDuplicate(t *testing.T) {
	m := NewMux(RoleServer, func(uint16, []byte) error { return nil })
	if _, err := m.OpenAt(42); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenAt(42); err != ErrPortInUse {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
}

func TestMuxFeedUnknownPort(t *testing.T) {
	m := NewMux(RoleClient, func(uint16, []byte) error { return nil })
	if err := m.Feed(99, []byte("x")); err != ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}
