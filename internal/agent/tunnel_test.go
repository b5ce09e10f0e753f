package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

func _test_config(edgeAddr string) *Config {
	return &Config{
		Edge:    EdgeConfig{ControlAddr: edgeAddr},
		Backend: BackendConfig{Addr: "127.0.0.1:1"},
		Tunnel: TunnelConfig{
			PingInterval:      50 * time.Millisecond,
			PongTimeout:       200 * time.Millisecond,
			SwapInterval:      200 * time.Millisecond,
			SwapBackoff:       50 * time.Millisecond,
			ReconnectDelay:    20 * time.Millisecond,
			MaxReconnectDelay: 100 * time.Millisecond,
		},
	}
}

func _new_test_session(cfg *Config) *ControlSession {
	cs := NewControlSession(cfg, nil, nil)
	cs.backend = NewBackendDialer(cfg.Backend.Addr, session.NewTable(), cs)
	return cs
}

func Test_send_fails_before_any_connection(t *testing.T) {
	cs := _new_test_session(_test_config("127.0.0.1:1"))
	if err := cs.Send(1, protocol.TypeData, nil); err != ErrNoControlChannel {
		t.Fatalf("expected ErrNoControlChannel, got %v", err)
	}
}

func Test_connect_with_backoff_retries_until_listener_appears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // closed: first dial attempts will fail

	cfg := _test_config(addr)
	cs := _new_test_session(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- cs._connect_with_backoff(ctx) }()

	// give it time to fail at least once, then start listening.
	time.Sleep(60 * time.Millisecond)
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	defer ln2.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln2.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	select {
	case err := <-connectErr:
		if err != nil {
			t.Fatalf("connect_with_backoff returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect_with_backoff never succeeded")
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("edge never saw the agent connection")
	}
}

func Test_pong_frame_updates_last_pong_time(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg := _test_config(ln.Addr().String())
	cs := _new_test_session(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cs._connect_with_backoff(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	edgeConn := <-accepted
	defer edgeConn.Close()
	edgeCodec := protocol.NewCodec(edgeConn)

	before := cs.lastPongAt.Load()
	if err := edgeCodec.WriteFrame(0, protocol.TypePong, []byte("PONG")); err != nil {
		t.Fatalf("write pong: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for cs.lastPongAt.Load() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cs.lastPongAt.Load() == before {
		t.Fatal("lastPongAt was not updated after receiving PONG")
	}
}

func Test_end_of_connection_promotes_pending_channel(t *testing.T) {
	cfg := _test_config("127.0.0.1:1")
	cs := _new_test_session(cfg)

	oldUserSide, oldAgentSide := net.Pipe()
	defer oldUserSide.Close()
	newUserSide, newAgentSide := net.Pipe()
	defer newUserSide.Close()

	oldHandle := newChannelHandle(oldAgentSide)
	newHandle := newChannelHandle(newAgentSide)

	cs.mu.Lock()
	cs.current = oldHandle
	cs.pending = newHandle
	cs.mu.Unlock()

	go cs._dispatch(context.Background(), newHandle)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- protocol.NewCodec(oldUserSide).WriteFrame(0, protocol.TypeEndOfConnection, nil)
	}()

	// _dispatch on oldHandle is not running in this test (we drive it
	// manually the way the edge's dispatcher would deliver the frame).
	cs._dispatch(context.Background(), oldHandle)

	if err := <-writeErr; err != nil {
		t.Fatalf("write end of connection: %v", err)
	}

	cs.mu.Lock()
	cur, pend := cs.current, cs.pending
	cs.mu.Unlock()
	if cur != newHandle {
		t.Fatalf("expected new handle to be promoted to current")
	}
	if pend != nil {
		t.Fatalf("expected pending to be cleared after promotion")
	}
}
