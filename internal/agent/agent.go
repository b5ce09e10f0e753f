package agent

import (
	"context"

	"github.com/greenkirill/revtun/internal/session"
)

// Agent wires the backend dialer and control session together and runs them
// to ground: it dials the edge, then for every NEW_CLIENT opens
// a connection to the local backend service and pumps bytes in both
// directions until the session or the tunnel itself goes away.
type Agent struct {
	cfg     *Config
	control *ControlSession
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	dialer, err := DialerFromConfig(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	table := session.NewTable()
	control := NewControlSession(cfg, dialer, nil)
	control.backend = NewBackendDialer(cfg.Backend.Addr, table, control)

	return &Agent{cfg: cfg, control: control}, nil
}

// Run connects to the edge and blocks until ctx is cancelled, maintaining
// the control channel and reconnecting indefinitely on failures.
func (a *Agent) Run(ctx context.Context) error {
	return a.control.Run(ctx)
}
