package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Supervisor keeps a Manager connected, redialing with exponential backoff.
type Supervisor struct {
	manager  *Manager
	endpoint string
	policy   Policy
	log      *slog.Logger
	wakeCh   chan struct{}
}

// NewSupervisor creates a supervisor for manager.
func NewSupervisor(manager *Manager, endpoint string, policy Policy, log *slog.Logger) *Supervisor {
	return &Supervisor{
		manager:  manager,
		endpoint: endpoint,
		policy:   policy,
		log:      log,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Run connects and reconnects until ctx is cancelled. With reconnect
// disabled it connects once and returns when that session ends or the
// dial fails. The session is closed before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := NewBackoff(s.policy)
	failures := 0

	for {
		if ctx.Err() != nil {
			s.manager.Close()
			return ctx.Err()
		}

		_, err := s.manager.Connect(ctx, s.endpoint)
		if err == nil {
			failures = 0
			backoff.Reset()

			select {
			case <-ctx.Done():
				s.manager.Close()
				return ctx.Err()
			case <-s.manager.Done():
			}
			if !s.policy.Enabled {
				s.log.Info("gateway session ended, reconnect disabled")
				return nil
			}
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if !s.policy.Enabled {
				return err
			}
			if s.policy.MaxAttempts > 0 && failures >= s.policy.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
			}
		}

		delay := backoff.Next()
		s.log.Warn("gateway disconnected, retrying", "error", err, "retry_in", delay, "attempt", failures)

		// Interruptible backoff; a wake signal skips the wait
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wakeCh:
			timer.Stop()
			backoff.Reset()
			s.log.Info("wake signal received, reconnecting immediately")
		case <-timer.C:
		}
	}
}

// Wake skips the current backoff wait, if any.
func (s *Supervisor) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Reconnect closes the current session and redials without waiting.
// It refuses with ErrReconnectDisabled when the policy would not redial.
func (s *Supervisor) Reconnect() error {
	if !s.policy.Enabled {
		return ErrReconnectDisabled
	}
	s.Wake()
	return s.manager.Close()
}

// State reports the managed connection's state.
func (s *Supervisor) State() State {
	return s.manager.State()
}
