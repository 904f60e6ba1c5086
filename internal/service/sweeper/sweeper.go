// Package sweeper implements the Expiry Sweeper (§4.G): a ticker that
// periodically asks the session registry to scan for sessions past TTL.
// The registry does the scanning; this package only owns the cadence and
// the goroutine lifecycle, following the teacher's own ticker-driven
// background loop shape.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Scanner is satisfied by *session.Registry; kept as an interface so tests
// can drive the sweeper against a fake without a real backend.
type Scanner interface {
	Sweep(ctx context.Context)
}

const DefaultInterval = 30 * time.Second

// Sweeper runs Scanner.Sweep on a fixed interval until stopped.
type Sweeper struct {
	scanner  Scanner
	interval time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Sweeper with DefaultInterval; override with WithInterval.
func New(scanner Scanner, log *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{scanner: scanner, interval: DefaultInterval, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// Start launches the background loop. Safe to call once; Stop tears it
// down. Intended to be wired into an fx.Lifecycle OnStart hook.
func (s *Sweeper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.scanner.Sweep(runCtx)
			}
		}
	}()

	s.log.Info("expiry sweeper started", "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for the current tick, if any, to finish.
// Intended to be wired into an fx.Lifecycle OnStop hook.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}
