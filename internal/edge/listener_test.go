package edge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

// _fake_sink records every frame sent to it and optionally fails all sends.
type _fake_sink struct {
	fail  bool
	sendC chan protocol.Frame
}

func _new_fake_sink(buffer int) *_fake_sink {
	return &_fake_sink{sendC: make(chan protocol.Frame, buffer)}
}

func (s *_fake_sink) Send(uid uint32, typ protocol.FrameType, payload []byte) error {
	if s.fail {
		return ErrNoControlChannel
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sendC <- protocol.Frame{UID: uid, Type: typ, Payload: cp}
	return nil
}

func _recv_frame(t *testing.T, ch <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func Test_handle_user_announces_new_client_and_forwards_data(t *testing.T) {
	table := session.NewTable()
	sink := _new_fake_sink(8)
	l := NewUserListener("", 1024, table, sink, NewBroadcaster())

	userSide, edgeSide := net.Pipe()
	defer userSide.Close()

	go l._handle_user(edgeSide)

	announce := _recv_frame(t, sink.sendC)
	if announce.Type != protocol.TypeNewClient {
		t.Fatalf("expected NEW_CLIENT, got %v", announce.Type)
	}

	if _, err := userSide.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := _recv_frame(t, sink.sendC)
	if data.Type != protocol.TypeData || string(data.Payload) != "hello" {
		t.Fatalf("unexpected data frame: %+v", data)
	}
	if data.UID != announce.UID {
		t.Fatalf("uid mismatch: %d vs %d", data.UID, announce.UID)
	}

	userSide.Close()
	disc := _recv_frame(t, sink.sendC)
	if disc.Type != protocol.TypeDisconnect {
		t.Fatalf("expected DISCONNECT, got %v", disc.Type)
	}

	if table.Len() != 0 {
		t.Fatalf("expected session removed after disconnect, table has %d entries", table.Len())
	}
}

func Test_handle_user_rejected_without_control_channel(t *testing.T) {
	table := session.NewTable()
	sink := _new_fake_sink(8)
	sink.fail = true
	l := NewUserListener("", 1024, table, sink, NewBroadcaster())

	userSide, edgeSide := net.Pipe()
	defer userSide.Close()

	done := make(chan struct{})
	go func() { l._handle_user(edgeSide); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle_user did not return when NEW_CLIENT send failed")
	}

	if table.Len() != 0 {
		t.Fatalf("expected no session left behind, got %d", table.Len())
	}
}

func Test_user_listener_run_stops_on_context_cancel(t *testing.T) {
	table := session.NewTable()
	sink := _new_fake_sink(8)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l := NewUserListener(addr, 1024, table, sink, NewBroadcaster())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
