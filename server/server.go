// Package server defines the lifecycle contract shared by agents and zones
// and a composite that runs several servers as one process.
package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Server is anything with the agent/zone lifecycle: Startup brings it to
// serving and returns, Shutdown drains it.
type Server interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// MultiServer runs a set of servers as a single unit. Development and small
// deployments use it to put an agent and its zones in one process, usually
// over the in-memory broker.
type MultiServer struct {
	logger  zerolog.Logger
	servers []Server
	running []Server
}

// NewMulti composes servers. Startup order follows the argument order;
// shutdown runs in reverse, so list zones before the agent that fronts them.
func NewMulti(logger zerolog.Logger, servers ...Server) *MultiServer {
	return &MultiServer{logger: logger, servers: servers}
}

// Startup starts every server in order. On failure the already-started ones
// shut back down before the error returns.
func (m *MultiServer) Startup(ctx context.Context) error {
	for i, s := range m.servers {
		if err := s.Startup(ctx); err != nil {
			m.logger.Error().Err(err).Int("index", i).Msg("Server startup failed, rolling back")
			if shutdownErr := m.Shutdown(ctx); shutdownErr != nil {
				m.logger.Error().Err(shutdownErr).Msg("Rollback shutdown failed")
			}
			return fmt.Errorf("multiserver: server %d: %w", i, err)
		}
		m.running = append(m.running, s)
	}
	m.logger.Info().Int("servers", len(m.running)).Msg("MultiServer up")
	return nil
}

// Shutdown stops the running servers in reverse startup order. All servers
// get a shutdown attempt; the first error wins.
func (m *MultiServer) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(m.running) - 1; i >= 0; i-- {
		if err := m.running[i].Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.running = nil
	return firstErr
}
