// Package supervisor wires every cooperative loop the engine runs --
// one goroutine per trading profile, one for the crypto loop, one
// watching the heartbeat table -- behind a single context and
// WaitGroup, grounded on cmd/bitrader/main.go's goroutine-per-concern
// wiring (WS stream, error handler, depth handler, trade handler) and
// its signal-driven, timeout-bounded shutdown.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradingcore/internal/cryptoloop"
	"tradingcore/internal/emergency"
	"tradingcore/internal/heartbeat"
	"tradingcore/internal/runner"
)

// Supervisor owns every long-running loop in the engine. Its caller is
// responsible only for building a cancellable context from OS signals;
// Supervisor.Run does the rest, including the bounded shutdown wait the
// teacher's main did inline.
type Supervisor struct {
	Runners   []*runner.ProfileRunner
	Crypto    *cryptoloop.CryptoLoop
	Heartbeat *heartbeat.Table
	Emergency *emergency.Protocol

	ProfileInterval     time.Duration
	HeartbeatCheckEvery time.Duration
	ShutdownTimeout     time.Duration

	Now func() time.Time
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) profileInterval() time.Duration {
	if s.ProfileInterval <= 0 {
		return 10 * time.Second
	}
	return s.ProfileInterval
}

func (s *Supervisor) heartbeatCheckEvery() time.Duration {
	if s.HeartbeatCheckEvery <= 0 {
		return 15 * time.Second
	}
	return s.HeartbeatCheckEvery
}

func (s *Supervisor) shutdownTimeout() time.Duration {
	if s.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return s.ShutdownTimeout
}

// Run starts every profile runner, the crypto loop, and the heartbeat
// monitor, and blocks until ctx is cancelled. It then waits up to
// ShutdownTimeout for every goroutine to return before giving up,
// matching the teacher's done-channel-vs-time.After shutdown race.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for _, r := range s.Runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runProfile(runCtx, r)
		}()
	}

	if s.Crypto != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Crypto.Run(runCtx)
		}()
	}

	if s.Heartbeat != nil && s.Emergency != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.monitorHeartbeat(runCtx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("supervisor shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all trading loops stopped")
	case <-time.After(s.shutdownTimeout()):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

func (s *Supervisor) runProfile(ctx context.Context, r *runner.ProfileRunner) {
	ticker := time.NewTicker(s.profileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				log.Error().Err(err).Str("profile", r.Profile.ID).Msg("profile cycle failed")
			}
		}
	}
}

// monitorHeartbeat trips the emergency protocol the moment any
// registered component goes stale -- a dead profile loop or a crypto
// loop wedged on a broker call is exactly the failure this safety net
// exists for.
func (s *Supervisor) monitorHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatCheckEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if s.Heartbeat.Healthy(now) {
				continue
			}
			stale := s.Heartbeat.Stale(now)
			log.Error().Str("stale_components", strings.Join(stale, ",")).Msg("heartbeat stale, triggering emergency flatten")
			s.Emergency.Trigger(ctx, "heartbeat stale: "+strings.Join(stale, ","))
		}
	}
}

// Pause freezes the named profile's cycle -- no exits, no entries --
// until Resume is called. Returns an error if no runner matches
// profileID, satisfying the command surface's pause(profile_id).
func (s *Supervisor) Pause(profileID string) error {
	r := s.findRunner(profileID)
	if r == nil {
		return fmt.Errorf("supervisor: no profile runner for id %q", profileID)
	}
	r.SetPaused(true)
	return nil
}

// Resume unfreezes a profile previously paused with Pause.
func (s *Supervisor) Resume(profileID string) error {
	r := s.findRunner(profileID)
	if r == nil {
		return fmt.Errorf("supervisor: no profile runner for id %q", profileID)
	}
	r.SetPaused(false)
	return nil
}

func (s *Supervisor) findRunner(profileID string) *runner.ProfileRunner {
	for _, r := range s.Runners {
		if r.Profile.ID == profileID {
			return r
		}
	}
	return nil
}

// EmergencyTrigger flattens every broker position through the
// EmergencyProtocol, bypassing resilience, satisfying the command
// surface's emergency_trigger(reason).
func (s *Supervisor) EmergencyTrigger(ctx context.Context, reason string) emergency.ExecutionResult {
	return s.Emergency.Trigger(ctx, reason)
}

// EmergencyReset clears a tripped EmergencyProtocol so trading loops
// resume normal operation, satisfying emergency_reset(). Callers remain
// responsible for deciding it's actually safe to do so.
func (s *Supervisor) EmergencyReset() {
	s.Emergency.Reset()
}

// ForceRebalanceCheck runs one off-schedule cycle for every profile
// runner and the crypto loop, ahead of their regular ticker, satisfying
// force_rebalance_check(). It returns the first error encountered but
// still runs every loop once.
func (s *Supervisor) ForceRebalanceCheck(ctx context.Context) error {
	var first error
	for _, r := range s.Runners {
		if err := r.Cycle(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.Crypto != nil {
		if err := s.Crypto.Cycle(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
