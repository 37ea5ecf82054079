package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
)

// BatchRunner runs one check batch over every account.
type BatchRunner interface {
	CheckAll(ctx context.Context) ([]domain.CheckResult, domain.BatchStats, error)
}

// IdleSweeper closes sessions idle for longer than maxIdle.
type IdleSweeper interface {
	SweepIdle(maxIdle time.Duration) int
}

// SchedulerConfig sets the periodic jobs. A zero interval disables its job.
type SchedulerConfig struct {
	QueryInterval time.Duration
	SweepInterval time.Duration
	MaxIdle       time.Duration
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs the periodic batch and the session pool idle sweep.
type Scheduler struct {
	cron    *cron.Cron
	runner  BatchRunner
	sweeper IdleSweeper
	cfg     SchedulerConfig
	ctx     context.Context
	logger  *zap.Logger
}

// NewScheduler creates a Scheduler. Jobs run with ctx; sweeper may be nil.
func NewScheduler(ctx context.Context, runner BatchRunner, sweeper IdleSweeper, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	cl := cronLogger{s: logger.Named("cron").Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		sweeper: sweeper,
		cfg:     cfg,
		ctx:     ctx,
		logger:  logger,
	}
}

// Register adds the enabled jobs.
func (s *Scheduler) Register() error {
	if s.cfg.QueryInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.QueryInterval), s.RunBatchNow); err != nil {
			return fmt.Errorf("register check batch: %w", err)
		}
	}
	if s.sweeper != nil && s.cfg.SweepInterval > 0 && s.cfg.MaxIdle > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.SweepInterval), s.sweep); err != nil {
			return fmt.Errorf("register idle sweep: %w", err)
		}
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("query_interval", s.cfg.QueryInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
	)
}

// Stop halts scheduling. The returned context is done once running jobs end.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return done
}

// RunBatchNow runs a batch immediately, skipping it when one is in flight.
func (s *Scheduler) RunBatchNow() {
	_, stats, err := s.runner.CheckAll(s.ctx)
	var conflict *domain.ErrConflict
	switch {
	case errors.As(err, &conflict):
		s.logger.Info("check batch skipped, previous batch still running")
	case err != nil:
		s.logger.Error("check batch failed", zap.Error(err))
	default:
		s.logger.Debug("scheduled batch done", zap.String("batch_id", stats.BatchID))
	}
}

func (s *Scheduler) sweep() {
	if n := s.sweeper.SweepIdle(s.cfg.MaxIdle); n > 0 {
		s.logger.Info("idle sessions closed", zap.Int("closed", n))
	}
}
