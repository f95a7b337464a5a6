package gc

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs periodic collection passes across every known
// repository on a cron.Cron configured with a seconds field.
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	collector *Collector
	logger    *zap.Logger
	repoNames func(ctx context.Context) ([]string, error)
	mode      Mode
	entryID   cron.EntryID
	running   bool
}

// NewScheduler builds a Scheduler. repoNames is called at the start of
// every tick to discover what to collect; in this repo it is
// registry.Engine.ListRepositories paged to completion.
func NewScheduler(collector *Collector, logger *zap.Logger, mode Mode, repoNames func(ctx context.Context) ([]string, error)) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		collector: collector,
		logger:    logger,
		repoNames: repoNames,
		mode:      mode,
	}
}

// Start schedules the recurring pass at cronExpr (standard 6-field,
// seconds-first, cron.WithSeconds syntax) and starts the cron runner.
func (s *Scheduler) Start(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(cronExpr, s.runOnce)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron runner, waiting for any in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

func (s *Scheduler) runOnce() {
	ctx := context.Background()
	names, err := s.repoNames(ctx)
	if err != nil {
		s.logger.Error("gc scheduler: list repositories", zap.Error(err))
		return
	}

	for _, name := range names {
		ok, err := s.collector.Collect(ctx, name, s.mode)
		if err != nil {
			s.logger.Error("gc scheduler: collect", zap.String("repository", name), zap.Error(err))
			continue
		}
		if !ok {
			s.logger.Info("gc scheduler: collect skipped, insertion in flight", zap.String("repository", name))
			continue
		}
		s.logger.Info("gc scheduler: collect complete", zap.String("repository", name), zap.String("mode", string(s.mode)))
	}
}
