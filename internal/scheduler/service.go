package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrRunInProgress = errors.New("a scheduling run is already in progress")

// Runner is a full top-level traversal, normally *AccountScheduler.
type Runner interface {
	Start(ctx context.Context) error
}

// RunStatus describes the latest scheduling run.
type RunStatus struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Running    bool      `json:"running"`
}

// TriggerService fires the account traversal on a cron schedule and on demand.
// At most one run is active at a time; a tick that finds a run in progress is skipped.
type TriggerService struct {
	runner  Runner
	spec    string
	cron    *cron.Cron
	logger  zerolog.Logger
	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *RunStatus
}

// NewTriggerService validates spec (standard 5-field cron, empty disables the
// periodic trigger) and builds the service.
func NewTriggerService(runner Runner, spec string, logger zerolog.Logger) (*TriggerService, error) {
	if spec != "" {
		if err := ValidateCronExpression(spec); err != nil {
			return nil, err
		}
	}
	logger = logger.With().Str("component", "TriggerService").Logger()
	return &TriggerService{
		runner: runner,
		spec:   spec,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger: logger,
	}, nil
}

// Start runs the cron loop until ctx is done, then waits for the active run.
func (s *TriggerService) Start(ctx context.Context) error {
	if s.spec == "" {
		s.logger.Info().Msg("no cron configured, periodic scheduling disabled")
		<-ctx.Done()
		s.wg.Wait()
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("cron", s.spec).Time("next_run", s.Next()).Msg("trigger service started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

func (s *TriggerService) tick(ctx context.Context) {
	if _, err := s.Run(ctx, "cron"); errors.Is(err, ErrRunInProgress) {
		s.logger.Warn().Msg("previous run still active, skipping tick")
	}
}

// Run executes one traversal synchronously.
func (s *TriggerService) Run(ctx context.Context, trigger string) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	defer s.running.Store(false)
	id := uuid.NewString()
	return id, s.execute(ctx, id, trigger)
}

// Trigger starts one traversal in the background and returns its run id.
func (s *TriggerService) Trigger(ctx context.Context, trigger string) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	id := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_ = s.execute(ctx, id, trigger)
	}()
	return id, nil
}

// Wait blocks until a background run started by Trigger has finished.
func (s *TriggerService) Wait() { s.wg.Wait() }

func (s *TriggerService) execute(ctx context.Context, id, trigger string) error {
	logger := s.logger.With().Str("run_id", id).Str("trigger", trigger).Logger()
	status := &RunStatus{ID: id, Trigger: trigger, StartedAt: time.Now().UTC(), Running: true}
	s.setLast(status)

	logger.Info().Msg("scheduling run started")
	err := s.runner.Start(ctx)

	done := *status
	done.FinishedAt = time.Now().UTC()
	done.Running = false
	if err != nil {
		done.Error = err.Error()
		logger.Error().Err(err).Dur("took", done.FinishedAt.Sub(done.StartedAt)).Msg("scheduling run failed")
	} else {
		logger.Info().Dur("took", done.FinishedAt.Sub(done.StartedAt)).Msg("scheduling run finished")
	}
	s.setLast(&done)
	return err
}

func (s *TriggerService) setLast(st *RunStatus) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

// Last returns the latest run, if any.
func (s *TriggerService) Last() (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunStatus{}, false
	}
	return *s.last, true
}

func (s *TriggerService) Spec() string { return s.spec }

// Next is the next cron fire time, or the zero time when no cron is configured.
func (s *TriggerService) Next() time.Time {
	if s.spec == "" {
		return time.Time{}
	}
	next, err := NextRunTime(s.spec, time.Now())
	if err != nil {
		return time.Time{}
	}
	return next
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes robfig/cron's internal logging through zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
