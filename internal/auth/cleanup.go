package auth

import (
	"context"
	"fmt"
	"time"

	"authgate.org/internal/kv"
	"authgate.org/internal/obs"
)

// CleanupSessions sweeps expired sessions and revocation entries once. A
// store that expires keys on its own reports zero removals.
func (g *Gateway) CleanupSessions(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	if !g.sweepable() {
		return res, nil
	}
	n, err := g.sessions.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: sweep sessions: %v", ErrUnavailable, err)
	}
	res.Sessions = n
	obs.ObserveCleanup("sessions", n)
	n, err = g.revoked.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: sweep revocations: %v", ErrUnavailable, err)
	}
	res.Revocations = n
	obs.ObserveCleanup("revocations", n)
	return res, nil
}

func (g *Gateway) sweepable() bool {
	_, ok := g.store.(kv.Sweeper)
	return ok
}

// StartCleanup runs the periodic sweeps until ctx is cancelled or Close is
// called. Calling it again while running is a no-op; once stopped it can be
// started again.
func (g *Gateway) StartCleanup(ctx context.Context) {
	g.cleanupMu.Lock()
	defer g.cleanupMu.Unlock()
	if g.done != nil {
		select {
		case <-g.done:
		default:
			return
		}
	}
	done := make(chan struct{})
	if !g.sweepable() {
		g.log.Debug().Msg("store expires keys itself; cleanup disabled")
		close(done)
		g.cancel, g.done = func() {}, done
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel, g.done = cancel, done
	go g.cleanupLoop(ctx, done)
}

func (g *Gateway) cleanupLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	sessionTick := time.NewTicker(g.cfg.SessionSweepInterval)
	defer sessionTick.Stop()
	revocationTick := time.NewTicker(g.cfg.RevocationSweep)
	defer revocationTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTick.C:
			n, err := g.sessions.Sweep(ctx)
			if err != nil {
				g.log.Warn().Err(err).Msg("session sweep failed")
				continue
			}
			obs.ObserveCleanup("sessions", n)
			if n > 0 {
				g.log.Debug().Int("removed", n).Msg("expired sessions swept")
			}
		case <-revocationTick.C:
			n, err := g.revoked.Sweep(ctx)
			if err != nil {
				g.log.Warn().Err(err).Msg("revocation sweep failed")
				continue
			}
			obs.ObserveCleanup("revocations", n)
			if n > 0 {
				g.log.Debug().Int("removed", n).Msg("expired revocations swept")
			}
		}
	}
}

// Close stops the cleanup task and waits for it to exit. The store is owned
// by the caller and stays open.
func (g *Gateway) Close() error {
	g.cleanupMu.Lock()
	cancel, done := g.cancel, g.done
	g.cleanupMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	g.cleanupMu.Lock()
	if g.done == done {
		g.cancel, g.done = nil, nil
	}
	g.cleanupMu.Unlock()
	return nil
}
