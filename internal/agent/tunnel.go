package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greenkirill/revtun/internal/protocol"
)

// ErrNoControlChannel is returned by Send when no control channel is
// currently established (dialing, or between a lost current channel and a
// forced reconnect).
var ErrNoControlChannel = errors.New("agent: no active control channel")

// channelHandle is one physical control TCP connection: either the current
// channel or a pending hot-swap candidate dialed by the periodic dialer.
type channelHandle struct {
	codec     *protocol.Codec
	closeOnce sync.Once
}

func newChannelHandle(conn net.Conn) *channelHandle {
	return &channelHandle{codec: protocol.NewCodec(conn)}
}

func (h *channelHandle) Close() {
	h.closeOnce.Do(func() { h.codec.Close() })
}

// ControlSession owns the agent's outbound control connection and runs the
// keep-alive/hot-swap state machine: a receiver per channel,
// a pinger, and a periodic dialer, all coordinated through a mutex around
// the current/pending channel references and a reconnecting guard.
type ControlSession struct {
	cfg     *Config
	dialer  *ProxyDialer
	backend *BackendDialer

	mu      sync.Mutex
	current *channelHandle
	pending *channelHandle

	reconnecting atomic.Bool
	lastPongAt   atomic.Int64 // unix nanoseconds
}

// NewControlSession creates a control session for cfg, dispatching NEW_CLIENT/
// DATA/DISCONNECT frames to backend.
func NewControlSession(cfg *Config, dialer *ProxyDialer, backend *BackendDialer) *ControlSession {
	return &ControlSession{cfg: cfg, dialer: dialer, backend: backend}
}

// Send implements FrameSink for BackendDialer by resolving the current
// channel under the mutex on every call.
func (cs *ControlSession) Send(uid uint32, typ protocol.FrameType, payload []byte) error {
	cs.mu.Lock()
	cur := cs.current
	cs.mu.Unlock()
	if cur == nil {
		return ErrNoControlChannel
	}
	return cur.codec.WriteFrame(uid, typ, payload)
}

// Run dials the edge (retrying with backoff until it succeeds or ctx is
// cancelled), then runs the pinger and periodic dialer until ctx is
// cancelled. The agent never gives up: only ctx cancellation is terminal.
func (cs *ControlSession) Run(ctx context.Context) error {
	if err := cs._connect_with_backoff(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); cs._pinger(ctx) }()
	go func() { defer wg.Done(); cs._periodic_dialer(ctx) }()

	<-ctx.Done()
	cs._shutdown()
	wg.Wait()
	return ctx.Err()
}

// _dial opens one TCP connection to the edge's control port, through the
// proxy dialer if one is configured.
func (cs *ControlSession) _dial(ctx context.Context) (net.Conn, error) {
	if cs.dialer != nil {
		return cs.dialer.DialContext(ctx, "tcp", cs.cfg.Edge.ControlAddr)
	}
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", cs.cfg.Edge.ControlAddr)
}

// _connect_with_backoff implements the dialing state: it retries with
// exponential backoff, capped at MaxReconnectDelay, until a connection
// succeeds or ctx is cancelled.
func (cs *ControlSession) _connect_with_backoff(ctx context.Context) error {
	delay := cs.cfg.Tunnel.ReconnectDelay
	for {
		conn, err := cs._dial(ctx)
		if err == nil {
			handle := newChannelHandle(conn)
			cs.mu.Lock()
			cs.current = handle
			cs.mu.Unlock()
			cs.lastPongAt.Store(time.Now().UnixNano())
			slog.Info("connected to edge control port")
			go cs._dispatch(ctx, handle)
			return nil
		}

		slog.Warn("dialing edge failed, retrying", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > cs.cfg.Tunnel.MaxReconnectDelay {
			delay = cs.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// _dispatch is the per-channel receiver: it runs for the physical
// connection's entire lifetime, whether that connection started as current
// or as a pending swap candidate later promoted by END_OF_CONNECTION.
func (cs *ControlSession) _dispatch(ctx context.Context, handle *channelHandle) {
	for {
		frame, err := handle.codec.ReadFrame()
		if err != nil {
			cs._handle_channel_error(ctx, handle, err)
			return
		}

		switch frame.Type {
		case protocol.TypePong:
			cs.lastPongAt.Store(time.Now().UnixNano())
		case protocol.TypeData:
			cs.backend.HandleData(frame.UID, frame.Payload)
		case protocol.TypeNewClient:
			cs.backend.HandleNewClient(frame.UID)
		case protocol.TypeDisconnect:
			cs.backend.HandleDisconnect(frame.UID)
		case protocol.TypeNewConnectionEstablished:
			slog.Info("pending control channel handshake acknowledged")
		case protocol.TypeEndOfConnection:
			cs._promote_pending(handle)
			return
		default:
			slog.Warn("unknown frame type from edge", "type", frame.Type)
		}
	}
}

// _handle_channel_error reacts to a dead channel depending on whether it
// was the pending swap candidate (just drop it) or the current channel
// (force-reconnect, Path A).
func (cs *ControlSession) _handle_channel_error(ctx context.Context, handle *channelHandle, cause error) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	cs.mu.Lock()
	wasCurrent := cs.current == handle
	wasPending := cs.pending == handle
	if wasPending {
		cs.pending = nil
	}
	cs.mu.Unlock()

	if wasPending {
		slog.Warn("pending control channel failed before swap", "err", cause)
		handle.Close()
		return
	}
	if wasCurrent {
		cs._force_reconnect(ctx, handle, cause)
	}
}

// _promote_pending implements the agent side of the hot-swap:
// the pending channel, already being read by its own _dispatch goroutine,
// becomes current; the old channel (which just delivered END_OF_CONNECTION)
// is closed.
func (cs *ControlSession) _promote_pending(old *channelHandle) {
	cs.mu.Lock()
	next := cs.pending
	if next == nil {
		if cs.current == old {
			cs.current = nil
		}
		cs.mu.Unlock()
		slog.Warn("received END_OF_CONNECTION with no pending channel")
		old.Close()
		return
	}
	cs.pending = nil
	cs.current = next
	cs.mu.Unlock()

	old.Close()
	slog.Info("control channel swapped")
}

// _force_reconnect implements Path A: mutually exclusive with any other
// reconnect attempt via the reconnecting guard.
func (cs *ControlSession) _force_reconnect(ctx context.Context, dead *channelHandle, cause error) {
	if !cs.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer cs.reconnecting.Store(false)

	cs.mu.Lock()
	if cs.current == dead {
		cs.current = nil
	}
	cs.mu.Unlock()
	dead.Close()

	slog.Warn("control channel lost, forcing reconnect", "err", cause)
	if err := cs._connect_with_backoff(ctx); err != nil {
		slog.Error("reconnect aborted", "err", err)
	}
}

// _pinger sends PING every PingInterval and forces a reconnect if no PONG
// has been seen within PongTimeout.
func (cs *ControlSession) _pinger(ctx context.Context) {
	ticker := time.NewTicker(cs.cfg.Tunnel.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.mu.Lock()
			cur := cs.current
			cs.mu.Unlock()
			if cur == nil {
				continue
			}
			if err := cur.codec.WriteFrame(0, protocol.TypePing, []byte("PING")); err != nil {
				cs._handle_channel_error(ctx, cur, err)
				continue
			}
			lastPong := time.Unix(0, cs.lastPongAt.Load())
			if time.Since(lastPong) > cs.cfg.Tunnel.PongTimeout {
				cs._handle_channel_error(ctx, cur, errPingTimeout)
			}
		}
	}
}

var errPingTimeout = errors.New("agent: no PONG received within the timeout")

// _periodic_dialer opens a second control connection every SwapInterval so
// the edge can hot-swap it in gracefully. On dial failure it retries
// after SwapBackoff instead of waiting for the next full interval. It holds
// the reconnecting guard while it dials, so it never overlaps a forced
// reconnect; while one is in progress it also retries after SwapBackoff.
func (cs *ControlSession) _periodic_dialer(ctx context.Context) {
	timer := time.NewTimer(cs.cfg.Tunnel.SwapInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !cs.reconnecting.CompareAndSwap(false, true) {
				slog.Warn("periodic swap skipped: a forced reconnect is in progress")
				timer.Reset(cs.cfg.Tunnel.SwapBackoff)
				continue
			}
			cs.mu.Lock()
			hasPending := cs.pending != nil
			cs.mu.Unlock()
			if hasPending {
				cs.reconnecting.Store(false)
				slog.Warn("periodic swap skipped: a pending channel is already outstanding")
				timer.Reset(cs.cfg.Tunnel.SwapInterval)
				continue
			}

			err := cs._open_pending(ctx)
			cs.reconnecting.Store(false)
			if err != nil {
				slog.Warn("periodic swap dial failed, backing off", "err", err)
				timer.Reset(cs.cfg.Tunnel.SwapBackoff)
				continue
			}
			timer.Reset(cs.cfg.Tunnel.SwapInterval)
		}
	}
}

// _open_pending dials a fresh control connection and starts reading it
// immediately; its dispatch loop will log the NEW_CONNECTION_ESTABLISHED
// handshake and then sit idle until the edge promotes it via
// END_OF_CONNECTION on the old channel.
func (cs *ControlSession) _open_pending(ctx context.Context) error {
	conn, err := cs._dial(ctx)
	if err != nil {
		return err
	}
	handle := newChannelHandle(conn)
	cs.mu.Lock()
	cs.pending = handle
	cs.mu.Unlock()
	slog.Info("opened pending control channel for graceful swap")
	go cs._dispatch(ctx, handle)
	return nil
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
