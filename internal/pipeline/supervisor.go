package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	appconfig "depthflow/config"
	"depthflow/logger"
)

// Supervisor restarts the ingestion loop after fatal errors. Each run gets a
// fresh Loop from newLoop since feeds and sinks cannot be reused. Restarts
// are paced by a token bucket and optionally capped.
type Supervisor struct {
	newLoop     func() *Loop
	limiter     *rate.Limiter
	maxRestarts int
	log         *logger.Entry
}

func NewSupervisor(cfg appconfig.SupervisorConfig, newLoop func() *Loop) *Supervisor {
	burst := cfg.RestartBurst
	if burst <= 0 {
		burst = 1
	}
	return &Supervisor{
		newLoop:     newLoop,
		limiter:     rate.NewLimiter(rate.Every(cfg.RestartEvery), burst),
		maxRestarts: cfg.MaxRestarts,
		log:         logger.GetLogger().WithComponent("supervisor"),
	}
}

// Run blocks until ctx is cancelled, a run ends cleanly, or the restart cap
// is exceeded, in which case the last run's error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	restarts := 0
	for {
		loop := s.newLoop()
		err := loop.Run(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}

		if s.maxRestarts > 0 && restarts >= s.maxRestarts {
			return fmt.Errorf("giving up after %d restarts: %w", restarts, err)
		}
		restarts++
		s.log.WithError(err).WithFields(logger.Fields{
			"run_id":   loop.RunID(),
			"restarts": restarts,
		}).Warn("ingestion run failed; restarting")

		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for restart: %w", err)
		}
	}
}
