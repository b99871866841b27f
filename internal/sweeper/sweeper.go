// Package sweeper hard-deletes tool calls and pipelines that were
// created before a cutoff and never reached a terminal state. Removal
// is permanent and unannounced: no events are published and no
// tombstones are kept, so anything needing an audit trail must
// snapshot records before the sweep runs.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/repo"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config controls when the sweeper fires and what it considers stale.
type Config struct {
	// Schedule is a cron expression or descriptor ("@hourly").
	Schedule string `yaml:"schedule"`
	// StaleAfter is the age at which a non-terminal record becomes
	// eligible for deletion.
	StaleAfter time.Duration `yaml:"stale_after"`
	// AuditRetention is how long audit events are kept. Only applies
	// when an audit store is attached.
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// DefaultConfig sweeps hourly, removing records stuck for over a day
// and audit events older than a week.
func DefaultConfig() Config {
	return Config{
		Schedule:       "@hourly",
		StaleAfter:     24 * time.Hour,
		AuditRetention: 7 * 24 * time.Hour,
	}
}

// Result summarizes one sweep run.
type Result struct {
	CallsRemoved       int
	PipelinesRemoved   int
	AuditEventsRemoved int
	Duration           time.Duration
}

// Sweeper runs the cleanup, either on demand or on a cron schedule.
type Sweeper struct {
	repo       *repo.Repository
	cfg        Config
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	audit      *observability.AuditRecorder
	auditStore observability.AuditStore
	logger     *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Options carries optional collaborators.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Audit   *observability.AuditRecorder
	// AuditStore, when set, has its old events deleted on each sweep
	// per Config.AuditRetention.
	AuditStore observability.AuditStore
	Logger     *slog.Logger
}

// New creates a Sweeper. The schedule is validated here so a bad
// expression fails at startup, not at first fire.
func New(r *repo.Repository, cfg Config, opts Options) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultConfig().AuditRetention
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:       r,
		cfg:        cfg,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		audit:      opts.Audit,
		auditStore: opts.AuditStore,
		logger:     logger,
	}, nil
}

// RunOnce deletes everything stale as of now. A store failure on one
// record kind does not stop the other; the first error is returned and
// the next scheduled run retries naturally since the survivors only
// get older.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter)
	return s.sweep(ctx, cutoff)
}

// SweepBefore deletes stale records created strictly before cutoff.
func (s *Sweeper) SweepBefore(ctx context.Context, cutoff time.Time) (Result, error) {
	return s.sweep(ctx, cutoff)
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time) (Result, error) {
	if s.tracer == nil {
		return s.run(ctx, cutoff, nil)
	}
	var res Result
	err := observability.WithSpan(ctx, s.tracer, "sweep", func(ctx context.Context, span trace.Span) error {
		var err error
		res, err = s.run(ctx, cutoff, span)
		return err
	})
	return res, err
}

func (s *Sweeper) run(ctx context.Context, cutoff time.Time, span trace.Span) (Result, error) {
	start := time.Now()
	var res Result
	var firstErr error

	stores := s.repo.Stores()

	removedCalls, err := stores.Calls.DeleteStale(ctx, cutoff)
	if err != nil {
		firstErr = fmt.Errorf("sweep tool calls: %w", err)
		s.logger.Error("stale call sweep failed", "cutoff", cutoff, "error", err)
	} else {
		res.CallsRemoved = len(removedCalls)
		s.repo.PurgeStaleCalls(ctx, removedCalls)
	}

	removedPipelines, err := stores.Pipelines.DeleteStale(ctx, cutoff)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("sweep pipelines: %w", err)
		}
		s.logger.Error("stale pipeline sweep failed", "cutoff", cutoff, "error", err)
	} else {
		res.PipelinesRemoved = len(removedPipelines)
		s.repo.PurgeStalePipelines(ctx, removedPipelines)
	}

	if s.auditStore != nil {
		removed, err := s.auditStore.Delete(s.cfg.AuditRetention)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep audit events: %w", err)
			}
			s.logger.Error("audit event sweep failed", "retention", s.cfg.AuditRetention, "error", err)
		} else {
			res.AuditEventsRemoved = removed
		}
	}

	res.Duration = time.Since(start)
	if span != nil {
		s.tracer.AddEvent(span, "sweep.removed",
			"calls", res.CallsRemoved,
			"pipelines", res.PipelinesRemoved,
			"audit_events", res.AuditEventsRemoved)
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(res.CallsRemoved, res.PipelinesRemoved, res.Duration.Seconds())
	}
	if s.audit != nil {
		_ = s.audit.RecordSweep(ctx, res.CallsRemoved, res.PipelinesRemoved, firstErr)
	}
	s.logger.Info("sweep complete",
		"cutoff", cutoff,
		"calls_removed", res.CallsRemoved,
		"pipelines_removed", res.PipelinesRemoved,
		"audit_events_removed", res.AuditEventsRemoved,
		"duration", res.Duration)
	return res, firstErr
}

// Start schedules recurring sweeps. Run failures are logged and left
// for the next fire.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper scheduled",
		"schedule", s.cfg.Schedule,
		"stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
