package agent

import (
	"context"
	"errors"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/creatorx/market-engine/internal/engine"
)

// Supervisor runs an Agent in bursts until stopped or until a step hits a
// consistency fault.
type Supervisor struct {
	agent *Agent
	t     *tomb.Tomb
}

// Start launches the loop. Cancelling ctx stops it like Stop does.
func (a *Agent) Start(ctx context.Context) *Supervisor {
	t, ctx := tomb.WithContext(ctx)
	s := &Supervisor{agent: a, t: t}
	t.Go(func() error { return s.loop(ctx) })
	return s
}

// Stop kills the loop and waits for it. It returns the error that ended
// the loop, if any.
func (s *Supervisor) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

// Dead is closed once the loop has exited.
func (s *Supervisor) Dead() <-chan struct{} {
	return s.t.Dead()
}

func (s *Supervisor) loop(ctx context.Context) error {
	cfg := s.agent.cfg
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	s.agent.log.Info("agent supervisor started", "interval", cfg.Interval.String(), "max_steps", cfg.MaxStepsPerTick)
	for {
		select {
		case <-s.t.Dying():
			s.agent.log.Info("agent supervisor stopped")
			return nil
		case <-ticker.C:
			if err := s.burst(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) burst(ctx context.Context) error {
	cfg := s.agent.cfg
	s.agent.mu.Lock()
	n := 1 + s.agent.rng.Intn(cfg.MaxStepsPerTick)
	s.agent.mu.Unlock()

	for i := 0; i < n; i++ {
		if i > 0 && cfg.StepDelay > 0 {
			select {
			case <-s.t.Dying():
				return nil
			case <-time.After(cfg.StepDelay):
			}
		}
		if _, err := s.agent.Step(ctx); err != nil {
			if errors.Is(err, engine.ErrInvariant) {
				s.agent.log.Error("agent halted on invariant fault", "err", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			s.agent.log.Error("agent step failed", "err", err)
		}
	}
	return nil
}
