package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule drains the ledger every ten minutes.
const DefaultSchedule = "*/10 * * * *"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Err(err).Fields(keysAndValues).Msg(msg)
}

// Scheduler drains the ledger on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	replayer *Replayer
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	schedule cron.Schedule
}

func NewScheduler(replayer *Replayer, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     c,
		replayer: replayer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		schedule: sched,
	}
	c.Schedule(sched, cron.FuncJob(s.RunOnce))
	return s, nil
}

// RunOnce drains the ledger now.
func (s *Scheduler) RunOnce() {
	results, err := s.replayer.Drain(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int("replayed", len(results)).Msg("Reconciliation finished with errors")
		return
	}
	if len(results) > 0 {
		s.logger.Info().Int("replayed", len(results)).Msg("Reconciliation finished")
	}
}

// NextRun reports when the next drain is due.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Time("next_run", s.NextRun(time.Now())).Msg("Reconcile scheduler started")
}

// Stop cancels a running drain and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
