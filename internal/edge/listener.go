package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

// UserListener accepts end-user TCP connections on the public port and
// pumps their bytes into the control session as DATA frames.
type UserListener struct {
	addr       string
	maxPayload int
	table      *session.Table
	sink       protocol.FrameSink
	events     *Broadcaster
}

// NewUserListener creates a listener that forwards accepted users through sink.
func NewUserListener(addr string, maxPayload int, table *session.Table, sink protocol.FrameSink, events *Broadcaster) *UserListener {
	return &UserListener{addr: addr, maxPayload: maxPayload, table: table, sink: sink, events: events}
}

// Run accepts connections until ctx is cancelled.
func (l *UserListener) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listening on public addr: %w", err)
	}
	slog.Info("edge public listener started", "addr", l.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("accepting user connection: %w", err)
			}
		}
		go l._handle_user(conn)
	}
}

// _handle_user implements the per-accept lifecycle: allocate a
// UID, announce NEW_CLIENT, then pump reads into DATA frames until the
// socket closes or a write to the control channel fails.
func (l *UserListener) _handle_user(conn net.Conn) {
	uid := l.table.Allocate()
	sess := session.New(uid, conn)
	l.table.Insert(sess)

	if err := l.sink.Send(uid, protocol.TypeNewClient, nil); err != nil {
		slog.Warn("no control channel available, rejecting user", "uid", uid, "err", err)
		l.table.Remove(uid)
		sess.Close()
		return
	}

	slog.Info("user connected", "uid", uid, "remote", conn.RemoteAddr())
	l.events.Publish(Event{Type: "session_opened", UID: uid, Detail: conn.RemoteAddr().String()})

	buf := make([]byte, l.maxPayload)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := l.sink.Send(uid, protocol.TypeData, buf[:n]); sendErr != nil {
				slog.Warn("failed forwarding user data to agent", "uid", uid, "err", sendErr)
				break
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("user socket closed", "uid", uid, "err", err)
			}
			break
		}
	}

	l.table.Remove(uid)
	sess.Close()
	if err := l.sink.Send(uid, protocol.TypeDisconnect, nil); err != nil {
		slog.Debug("failed to notify agent of user disconnect", "uid", uid, "err", err)
	}
	l.events.Publish(Event{Type: "session_closed", UID: uid})
}
