package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DueStarter starts every scheduled campaign whose time has come.
type DueStarter interface {
	StartDue(ctx context.Context) (int, error)
}

// Sweeper drops expired in-memory state and reports how many entries it removed.
type Sweeper interface {
	Sweep() int
}

type Config struct {
	// DueSpec is a cron spec or @every descriptor for the due-campaign check.
	DueSpec       string
	SweepInterval time.Duration
}

// Scheduler runs the periodic jobs of the API process. Runs of the same job never overlap.
type Scheduler struct {
	cron     *cron.Cron
	starter  DueStarter
	sweepers map[string]Sweeper
	logger   zerolog.Logger
	ctx      context.Context
}

func New(cfg Config, starter DueStarter, sweepers map[string]Sweeper, logger zerolog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)), cron.WithLocation(time.UTC)),
		starter:  starter,
		sweepers: sweepers,
		logger:   logger,
		ctx:      context.Background(),
	}
	if cfg.DueSpec != "" && starter != nil {
		if _, err := s.cron.AddFunc(cfg.DueSpec, s.runDue); err != nil {
			return nil, fmt.Errorf("schedule due campaigns %q: %w", cfg.DueSpec, err)
		}
	}
	if cfg.SweepInterval > 0 && len(sweepers) > 0 {
		s.cron.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(s.sweep))
	}
	return s, nil
}

// Start runs the jobs until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info().Msg("scheduler stopped")
	}()
}

func (s *Scheduler) runDue() {
	n, err := s.starter.StartDue(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("started", n).Msg("starting due campaigns failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("started", n).Msg("started due campaigns")
	}
}

func (s *Scheduler) sweep() {
	for name, sw := range s.sweepers {
		if n := sw.Sweep(); n > 0 {
			s.logger.Debug().Str("tracker", name).Int("removed", n).Msg("swept expired entries")
		}
	}
}
