package agent

import (
	"log/slog"
	"net"
	"time"

	"github.com/greenkirill/revtun/internal/protocol"
	"github.com/greenkirill/revtun/internal/session"
)

// FrameSink is the capability BackendDialer needs to talk back to the
// control channel without knowing whether a hot-swap is in progress.
type FrameSink interface {
	Send(uid uint32, typ protocol.FrameType, payload []byte) error
}

// BackendDialer reacts to control-channel frames: on NEW_CLIENT it dials the backend and
// starts a read pump; on DATA it writes to the backend socket; on
// DISCONNECT it tears the session down locally without replying.
type BackendDialer struct {
	addr        string
	dialTimeout time.Duration
	table       *session.Table
	sink        FrameSink
}

// NewBackendDialer creates a dialer targeting addr.
func NewBackendDialer(addr string, table *session.Table, sink FrameSink) *BackendDialer {
	return &BackendDialer{addr: addr, dialTimeout: 10 * time.Second, table: table, sink: sink}
}

// HandleNewClient dials the backend for uid and starts its read pump. On
// dial failure it emits DISCONNECT(uid) and never inserts a session.
func (d *BackendDialer) HandleNewClient(uid uint32) {
	conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
	if err != nil {
		slog.Warn("failed to dial backend for new client", "uid", uid, "err", err)
		if sendErr := d.sink.Send(uid, protocol.TypeDisconnect, nil); sendErr != nil {
			slog.Debug("failed to notify edge of backend dial failure", "uid", uid, "err", sendErr)
		}
		return
	}

	sess := session.New(uid, conn)
	d.table.Insert(sess)
	slog.Info("backend connected for new client", "uid", uid, "backend", d.addr)
	go d._pump_backend(sess)
}

// HandleData writes payload to uid's backend socket. On a write failure it
// closes and removes the session and emits DISCONNECT itself, the same way
// _pump_backend does on a read failure: whichever side removes the session
// from the table first owns reporting it, so the peer always hears exactly
// one DISCONNECT regardless of which direction found the failure.
func (d *BackendDialer) HandleData(uid uint32, payload []byte) {
	sess, ok := d.table.Lookup(uid)
	if !ok {
		slog.Debug("data for unknown session, ignoring", "uid", uid)
		return
	}
	if _, err := sess.Conn.Write(payload); err != nil {
		slog.Warn("failed writing to backend socket", "uid", uid, "err", err)
		if _, ok := d.table.Remove(uid); !ok {
			// Already removed by _pump_backend (which reports it) or by
			// HandleDisconnect (edge-originated, stays silent).
			return
		}
		sess.Close()
		if sendErr := d.sink.Send(uid, protocol.TypeDisconnect, nil); sendErr != nil {
			slog.Debug("failed to notify edge of backend write failure", "uid", uid, "err", sendErr)
		}
	}
}

// HandleDisconnect tears the session down locally; no frame is sent back,
// the edge already knows, having originated the DISCONNECT.
func (d *BackendDialer) HandleDisconnect(uid uint32) {
	sess, ok := d.table.Remove(uid)
	if !ok {
		return
	}
	sess.Close()
}

// _pump_backend reads from the backend socket and forwards each chunk as a
// DATA frame until EOF or error, then emits a single DISCONNECT.
func (d *BackendDialer) _pump_backend(sess *session.Session) {
	buf := make([]byte, protocol.MaxReadChunk)
	for {
		n, err := sess.Conn.Read(buf)
		if n > 0 {
			if sendErr := d.sink.Send(sess.UID, protocol.TypeData, buf[:n]); sendErr != nil {
				slog.Warn("failed forwarding backend data to edge", "uid", sess.UID, "err", sendErr)
				break
			}
		}
		if err != nil {
			break
		}
	}

	if _, ok := d.table.Remove(sess.UID); !ok {
		// Already removed and reported by a concurrent HandleDisconnect
		// (edge-originated, stays silent) or HandleData (write failure,
		// already sent its own DISCONNECT above) — don't send a second one.
		return
	}
	sess.Close()
	if err := d.sink.Send(sess.UID, protocol.TypeDisconnect, nil); err != nil {
		slog.Debug("failed to notify edge of backend disconnect", "uid", sess.UID, "err", err)
	}
}
