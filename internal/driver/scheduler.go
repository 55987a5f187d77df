package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Drainer is implemented by Driver.
type Drainer interface {
	Drain(ctx context.Context) (Report, error)
}

// Scheduler triggers drains on a cron schedule and on demand.
type Scheduler struct {
	drainer Drainer
	cron    *cron.Cron
	spec    string
	trigger chan struct{}
	logger  *slog.Logger
	onDrain func(Report, error)

	mu   sync.Mutex
	last *DrainRecord
}

// DrainRecord is the outcome of the most recent drain the scheduler ran.
type DrainRecord struct {
	Report     Report    `json:"report"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewScheduler creates a scheduler. spec accepts standard cron expressions
// and descriptors such as "@every 30s"; an empty spec disables the timer so
// only Trigger starts drains.
func NewScheduler(d Drainer, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		drainer: d,
		cron:    cron.New(),
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.Trigger() }); err != nil {
			return nil, fmt.Errorf("invalid drain schedule %q: %w", spec, err)
		}
		s.spec = spec
	}
	return s, nil
}

// OnDrain registers a callback run after every drain attempt, including
// ones skipped with ErrBusy.
func (s *Scheduler) OnDrain(fn func(Report, error)) {
	s.onDrain = fn
}

// Trigger requests a drain. It never blocks; if a request is already
// pending it returns false and the pending drain covers this one.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run processes triggers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.spec != "" {
		s.logger.Info("starting drain schedule", "schedule", s.spec)
	}
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.logger.Info("stopped drain schedule")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			s.drainOnce(ctx)
		}
	}
}

func (s *Scheduler) drainOnce(ctx context.Context) {
	report, err := s.drainer.Drain(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Debug("drain skipped, another drain is running")
	case err != nil && ctx.Err() == nil:
		s.logger.Error("drain failed", "error", err)
	}
	if !errors.Is(err, ErrBusy) {
		rec := &DrainRecord{Report: report, FinishedAt: time.Now().UTC()}
		if err != nil {
			rec.Error = err.Error()
		}
		s.mu.Lock()
		s.last = rec
		s.mu.Unlock()
	}
	if s.onDrain != nil {
		s.onDrain(report, err)
	}
}

// Last returns the most recent completed drain. ok is false until one has
// run.
func (s *Scheduler) Last() (rec DrainRecord, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return DrainRecord{}, false
	}
	return *s.last, true
}
