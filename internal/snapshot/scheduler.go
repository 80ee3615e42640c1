package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/retry"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type creator interface {
	Create(ctx context.Context, chainID, actor string) (*ledger.Snapshot, bool, error)
}

type sweeper interface {
	VerifyAll(ctx context.Context) ([]*verifier.Result, error)
}

type chainLister interface {
	Chains(ctx context.Context) ([]string, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// SnapshotCron snapshots every chain on a schedule (seconds field first).
	SnapshotCron string
	// VerifyCron verifies every chain on a schedule.
	VerifyCron string
	// EveryEntries snapshots a chain after this many appends. 0 disables it.
	EveryEntries int64
	Actor        string
	Retry        retry.Config
	// RunTimeout bounds one scheduled run.
	RunTimeout time.Duration
}

// Scheduler triggers snapshots by time and by append count, and runs the
// periodic integrity sweep.
type Scheduler struct {
	cfg      SchedulerConfig
	snaps    creator
	sweep    sweeper
	chains   chainLister
	cron     *cron.Cron
	counts   *xsync.Map[string, int64]
	triggers chan string
	onBreak  func(*verifier.Result)
	logger   *zap.Logger

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewScheduler creates a Scheduler. onBreak, if non-nil, is called for every
// chain the sweep finds broken.
func NewScheduler(cfg SchedulerConfig, snaps creator, sweep sweeper, chains chainLister, onBreak func(*verifier.Result), logger *zap.Logger) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.Actor == "" {
		cfg.Actor = "scheduler"
	}
	return &Scheduler{
		cfg:      cfg,
		snaps:    snaps,
		sweep:    sweep,
		chains:   chains,
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{logger}))),
		counts:   xsync.NewMap[string, int64](),
		triggers: make(chan string, 64),
		onBreak:  onBreak,
		logger:   logger,
	}
}

// Start registers the cron jobs and starts the count-trigger worker. The
// scheduler runs until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.stop = context.WithCancel(ctx)

	if s.cfg.SnapshotCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.SnapshotCron, func() { s.SnapshotAll(ctx) }); err != nil {
			return err
		}
	}
	if s.cfg.VerifyCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.VerifyCron, func() { s.VerifyAll(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.worker(ctx)

	s.logger.Info("snapshot scheduler started",
		zap.String("snapshot_cron", s.cfg.SnapshotCron),
		zap.String("verify_cron", s.cfg.VerifyCron),
		zap.Int64("every_entries", s.cfg.EveryEntries),
	)
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Observe records one append on chainID. Every EveryEntries appends the chain
// is queued for a snapshot. Observe never blocks; if the queue is full the
// trigger is dropped and the next cron run picks the chain up.
func (s *Scheduler) Observe(chainID string) {
	if s.cfg.EveryEntries <= 0 {
		return
	}
	fire := false
	s.counts.Compute(chainID, func(n int64, _ bool) (int64, xsync.ComputeOp) {
		n++
		if n >= s.cfg.EveryEntries {
			fire = true
			return 0, xsync.DeleteOp
		}
		return n, xsync.UpdateOp
	})
	if !fire {
		return
	}
	select {
	case s.triggers <- chainID:
	default:
		s.logger.Warn("snapshot trigger dropped, queue full", zap.String("chain_id", chainID))
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chainID := <-s.triggers:
			s.snapshot(ctx, chainID)
		}
	}
}

// SnapshotAll snapshots every chain once.
func (s *Scheduler) SnapshotAll(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	chains, err := s.chains.Chains(rctx)
	if err != nil {
		s.logger.Error("list chains for snapshot", zap.Error(err))
		return
	}
	for _, chainID := range chains {
		if rctx.Err() != nil {
			return
		}
		s.snapshot(rctx, chainID)
	}
}

func (s *Scheduler) snapshot(ctx context.Context, chainID string) {
	err := retry.WithBackoff(ctx, s.cfg.Retry, s.logger, "snapshot "+chainID, func() error {
		_, _, err := s.snaps.Create(ctx, chainID, s.cfg.Actor)
		return err
	})
	if err != nil {
		s.logger.Error("scheduled snapshot failed", zap.String("chain_id", chainID), zap.Error(err))
	}
}

// VerifyAll runs the integrity sweep once and reports broken chains.
func (s *Scheduler) VerifyAll(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	results, err := s.sweep.VerifyAll(rctx)
	if err != nil {
		s.logger.Error("integrity sweep incomplete", zap.Error(err))
	}
	broken := 0
	for _, r := range results {
		if r == nil || r.Valid {
			continue
		}
		broken++
		if s.onBreak != nil {
			s.onBreak(r)
		}
	}
	s.logger.Info("integrity sweep finished",
		zap.Int("chains", len(results)),
		zap.Int("broken", broken),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
