// Package edge implements the publicly reachable half of the tunnel: the
// user-facing listener, the agent-facing control-session dispatcher, and
// the hot-swap protocol that lets a fresh agent connection take over
// without dropping in-flight user sessions.
package edge

import (
	"context"
	"fmt"

	"github.com/greenkirill/revtun/internal/session"
)

// Server wires together the three listeners that make up an edge process.
type Server struct {
	cfg     *Config
	table   *session.Table
	control *ControlSession
	users   *UserListener
	admin   *AdminServer
}

// NewServer builds an edge server from cfg.
func NewServer(cfg *Config) *Server {
	table := session.NewTable()
	events := NewBroadcaster()
	control := NewControlSession(cfg.Listen.ControlAddr, table, events)
	users := NewUserListener(cfg.Listen.PublicAddr, cfg.Frame.MaxPayload, table, control, events)
	admin := NewAdminServer(cfg.Listen.AdminAddr, table, events)
	return &Server{cfg: cfg, table: table, control: control, users: users, admin: admin}
}

// Run starts the public listener, control listener, and admin server, and
// blocks until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- s.control.Run(ctx) }()
	go func() { errCh <- s.users.Run(ctx) }()
	go func() { errCh <- s.admin.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			cancel()
			return fmt.Errorf("edge server component failed: %w", err)
		}
	}
	return ctx.Err()
}
