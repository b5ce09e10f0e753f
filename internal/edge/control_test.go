package edge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

func _dial_control(t *testing.T, addr string) *protocol.Codec {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	return protocol.NewCodec(conn)
}

func _start_control_session(t *testing.T) (*ControlSession, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cs := NewControlSession(addr, session.NewTable(), NewBroadcaster())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- cs.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	return cs, addr
}

func Test_send_fails_with_no_agent_connected(t *testing.T) {
	cs := NewControlSession("", session.NewTable(), NewBroadcaster())
	if err := cs.Send(1, protocol.TypeData, nil); err != ErrNoControlChannel {
		t.Fatalf("expected ErrNoControlChannel, got %v", err)
	}
}

func Test_first_agent_connection_becomes_current(t *testing.T) {
	cs, addr := _start_control_session(t)

	codec := _dial_control(t, addr)
	defer codec.Close()
	time.Sleep(50 * time.Millisecond)

	if err := cs.Send(7, protocol.TypeNewClient, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != protocol.TypeNewClient || frame.UID != 7 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func Test_second_agent_connection_swaps_in_gracefully(t *testing.T) {
	cs, addr := _start_control_session(t)

	first := _dial_control(t, addr)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second := _dial_control(t, addr)
	defer second.Close()

	handshake, err := second.ReadFrame()
	if err != nil {
		t.Fatalf("reading handshake: %v", err)
	}
	if handshake.Type != protocol.TypeNewConnectionEstablished {
		t.Fatalf("expected NEW_CONNECTION_ESTABLISHED, got %v", handshake.Type)
	}

	eoc, err := first.ReadFrame()
	if err != nil {
		t.Fatalf("reading end of connection: %v", err)
	}
	if eoc.Type != protocol.TypeEndOfConnection {
		t.Fatalf("expected END_OF_CONNECTION on old channel, got %v", eoc.Type)
	}

	// old channel should now be closed by the edge.
	if _, err := first.ReadFrame(); err == nil {
		t.Fatal("expected old control channel to be closed after swap")
	}

	if err := cs.Send(3, protocol.TypeNewClient, nil); err != nil {
		t.Fatalf("send after swap: %v", err)
	}
	frame, err := second.ReadFrame()
	if err != nil {
		t.Fatalf("reading from new current: %v", err)
	}
	if frame.Type != protocol.TypeNewClient || frame.UID != 3 {
		t.Fatalf("unexpected frame on promoted channel: %+v", frame)
	}
}

func Test_disconnect_frame_closes_user_session(t *testing.T) {
	table := session.NewTable()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cs := NewControlSession(addr, table, NewBroadcaster())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cs.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	agentSide := _dial_control(t, addr)
	defer agentSide.Close()
	time.Sleep(50 * time.Millisecond)

	userA, userB := net.Pipe()
	defer userB.Close()
	sess := session.New(42, userA)
	table.Insert(sess)

	if err := agentSide.WriteFrame(42, protocol.TypeDisconnect, nil); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for table.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if table.Len() != 0 {
		t.Fatal("session was not removed after DISCONNECT frame")
	}
}
