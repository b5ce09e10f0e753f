package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greenkirill/revtun/internal/session"
)

// Event is a tunnel lifecycle notification pushed to admin subscribers.
// It never carries payload bytes: the tunnel stays a dumb pipe even on the
// observability surface.
type Event struct {
	Type   string `json:"type"`
	UID    uint32 `json:"uid,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Broadcaster fans events out to any number of admin websocket subscribers.
// A nil *Broadcaster is valid and Publish/Subscribe become no-ops, so the
// control session can hold an events field unconditionally.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Publish fans e out to every current subscriber without blocking; a slow
// subscriber drops events rather than stalling the tunnel.
func (b *Broadcaster) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new listener and returns it with a cancel function.
func (b *Broadcaster) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	if b == nil {
		return ch, func() {}
	}
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// sessionSummary is the admin-facing view of a session: no payload bytes,
// ever.
type sessionSummary struct {
	UID    uint32 `json:"uid"`
	Remote string `json:"remote"`
}

// AdminServer serves the operational surface described in SPEC_FULL.md
// a health check, a session-table snapshot, and a live websocket
// feed of lifecycle events.
type AdminServer struct {
	addr        string
	table       *session.Table
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
}

// NewAdminServer creates an admin server bound to addr.
func NewAdminServer(addr string, table *session.Table, broadcaster *Broadcaster) *AdminServer {
	return &AdminServer{
		addr:        addr,
		table:       table,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the admin HTTP server and blocks until ctx is cancelled.
func (a *AdminServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a._handle_healthz)
	mux.HandleFunc("/sessions", a._handle_sessions)
	mux.HandleFunc("/events", a._handle_events)

	srv := &http.Server{Addr: a.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("edge admin server starting", "addr", a.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *AdminServer) _handle_healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *AdminServer) _handle_sessions(w http.ResponseWriter, r *http.Request) {
	snap := a.table.Snapshot()
	out := make([]sessionSummary, 0, len(snap))
	for _, s := range snap {
		out = append(out, sessionSummary{UID: s.UID, Remote: s.Conn.RemoteAddr().String()})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (a *AdminServer) _handle_events(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("admin events upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := a.broadcaster.Subscribe()
	defer cancel()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}
