package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

// ErrNoControlChannel is returned by ControlSession.Send when no agent is
// currently connected.
var ErrNoControlChannel = fmt.Errorf("edge: no active control channel")

// channelHandle is one physical control TCP connection, either the current
// channel or a pending hot-swap candidate.
type channelHandle struct {
	codec     *protocol.Codec
	remote    string
	closeOnce sync.Once
}

func newChannelHandle(conn net.Conn) *channelHandle {
	return &channelHandle{codec: protocol.NewCodec(conn), remote: conn.RemoteAddr().String()}
}

func (h *channelHandle) Close() {
	h.closeOnce.Do(func() { h.codec.Close() })
}

// ControlSession owns up to two control channels (current and, transiently,
// pending) and runs the fan-in/fan-out dispatcher described in SPEC_FULL.md
// pair. It implements protocol.FrameSink so the user-listener can emit
// frames without caring whether a hot-swap is in progress.
type ControlSession struct {
	addr   string
	table  *session.Table
	events *Broadcaster

	mu      sync.Mutex
	current *channelHandle
	pending *channelHandle
}

// NewControlSession creates a control-session dispatcher listening on addr.
func NewControlSession(addr string, table *session.Table, events *Broadcaster) *ControlSession {
	return &ControlSession{addr: addr, table: table, events: events}
}

// Run accepts agent connections on the control port until ctx is cancelled.
func (cs *ControlSession) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cs.addr)
	if err != nil {
		return fmt.Errorf("listening on control addr: %w", err)
	}
	slog.Info("edge control listener started", "addr", cs.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				cs._shutdown()
				return ctx.Err()
			default:
				return fmt.Errorf("accepting control connection: %w", err)
			}
		}
		cs._handle_agent_connect(ctx, conn)
	}
}

// Send implements protocol.FrameSink by resolving the current channel under
// the mutex on every call, so a write issued mid-swap lands correctly.
func (cs *ControlSession) Send(uid uint32, typ protocol.FrameType, payload []byte) error {
	cs.mu.Lock()
	cur := cs.current
	cs.mu.Unlock()
	if cur == nil {
		return ErrNoControlChannel
	}
	if err := cur.codec.WriteFrame(uid, typ, payload); err != nil {
		return fmt.Errorf("writing frame to control channel: %w", err)
	}
	return nil
}

// _handle_agent_connect implements the accept-time half of the hot-swap: the first
// connection becomes current; any later one is held as pending and
// handshaked, then immediately swapped in.
func (cs *ControlSession) _handle_agent_connect(ctx context.Context, conn net.Conn) {
	handle := newChannelHandle(conn)

	cs.mu.Lock()
	isFirst := cs.current == nil
	if isFirst {
		cs.current = handle
	} else {
		cs.pending = handle
	}
	cs.mu.Unlock()

	if isFirst {
		slog.Info("agent connected", "remote", handle.remote)
		cs.events.Publish(Event{Type: "agent_connected", Detail: handle.remote})
		go cs._dispatch(ctx, handle)
		return
	}

	slog.Info("agent opened pending control channel", "remote", handle.remote)
	if err := handle.codec.WriteFrame(0, protocol.TypeNewConnectionEstablished, []byte("NEW_CONNECTION_ESTABLISHED")); err != nil {
		slog.Error("failed to handshake pending channel", "err", err)
		cs.mu.Lock()
		if cs.pending == handle {
			cs.pending = nil
		}
		cs.mu.Unlock()
		handle.Close()
		return
	}
	cs._swap(ctx)
}

// _swap performs the hot-swap: promote pending to current, send
// END_OF_CONNECTION on the old channel, then close the old channel.
// Promoting before the send means any write racing the swap lands on the
// new channel. It then starts the promoted channel's _dispatch goroutine.
func (cs *ControlSession) _swap(ctx context.Context) {
	cs.mu.Lock()
	old := cs.current
	next := cs.pending
	cs.pending = nil
	cs.current = next
	cs.mu.Unlock()

	if old != nil {
		if err := old.codec.WriteFrame(0, protocol.TypeEndOfConnection, []byte("END_OF_CONNECTION")); err != nil {
			slog.Warn("failed to send END_OF_CONNECTION to old channel", "err", err)
		}
		old.Close()
	}

	slog.Info("control channel swapped", "remote", next.remote)
	cs.events.Publish(Event{Type: "agent_swapped", Detail: next.remote})
	go cs._dispatch(ctx, next)
}

// _dispatch runs the per-channel read loop that is the control session's main
// dispatch loop. One goroutine per physical connection for the channel's
// entire lifetime, whether it started as current or as a pending swap
// candidate that was later promoted.
func (cs *ControlSession) _dispatch(ctx context.Context, handle *channelHandle) {
	for {
		frame, err := handle.codec.ReadFrame()
		if err != nil {
			cs.mu.Lock()
			wasCurrent := cs.current == handle
			if wasCurrent {
				cs.current = nil
			}
			cs.mu.Unlock()
			if wasCurrent {
				slog.Warn("control channel lost, awaiting a new agent", "err", err)
				cs.events.Publish(Event{Type: "agent_disconnected", Detail: handle.remote})
			}
			handle.Close()
			return
		}

		switch frame.Type {
		case protocol.TypeData:
			cs._forward_to_user(frame.UID, frame.Payload)
		case protocol.TypeDisconnect:
			cs._close_user_session(frame.UID)
		case protocol.TypePing:
			if err := handle.codec.WriteFrame(0, protocol.TypePong, []byte("PONG")); err != nil {
				slog.Warn("failed to send PONG", "err", err)
			}
		case protocol.TypeEndOfConnection:
			// Sent by the edge, not expected inbound; log and ignore.
			slog.Warn("unexpected END_OF_CONNECTION from agent", "remote", handle.remote)
		default:
			slog.Warn("unknown frame type from agent", "type", frame.Type, "remote", handle.remote)
		}
	}
}

func (cs *ControlSession) _forward_to_user(uid uint32, payload []byte) {
	sess, ok := cs.table.Lookup(uid)
	if !ok {
		return
	}
	if _, err := sess.Conn.Write(payload); err != nil {
		slog.Warn("failed writing to user socket, closing session", "uid", uid, "err", err)
		cs.table.Remove(uid)
		sess.Close()
	}
}

func (cs *ControlSession) _close_user_session(uid uint32) {
	sess, ok := cs.table.Remove(uid)
	if !ok {
		return
	}
	sess.Close()
}

func (cs *ControlSession) _shutdown() {
	cs.mu.Lock()
	cur, pend := cs.current, cs.pending
	cs.current, cs.pending = nil, nil
	cs.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
	if pend != nil {
		pend.Close()
	}
}
