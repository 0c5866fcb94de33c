// Package scheduler fires the daily reminder sweep. It is a thin wrapper
// around robfig/cron; the job itself (dispatch.Engine.SweepAll) owns all
// re-entrancy and idempotency concerns, so overlapping manual triggers are
// fine.
package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "cobrazap/pkg/logx"
)

// DefaultSpec fires once daily at 08:00 in the configured location.
const DefaultSpec = "0 8 * * *"

type Config struct {
	Enabled  bool
	Spec     string // cron spec, 5-field
	Timezone string // IANA TZ, e.g. "America/Sao_Paulo"
}

// Job is the sweep entry point invoked on every tick.
type Job func(ctx context.Context)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	job Job

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		job:    job,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}

	loc, err := s.location()
	if err != nil {
		return err
	}
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in sweep job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if runCtx.Err() != nil {
			return
		}
		s.job(runCtx)
	}); err != nil {
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		return err
	}

	s.c = c
	c.Start()
	s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// Location resolves the configured operating-day timezone.
func (s *Service) Location() (*time.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location()
}

func (s *Service) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
