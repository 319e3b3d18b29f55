package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("reliability scheduler already running")

const lockKey = "reliability:recompute"

// Scheduler recomputes reliability on an interval. With a Redis locker only
// one replica recomputes per tick.
type Scheduler struct {
	service *Service
	locker  locks.KeyedLocker
	logger  ectologger.Logger

	interval time.Duration
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

func NewScheduler(service *Service, locker locks.KeyedLocker, logger ectologger.Logger) *Scheduler {
	interval := service.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Scheduler{
		service:  service,
		locker:   locker,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true

	s.logger.WithContext(ctx).Infof("Starting reliability scheduler: interval=%s", s.interval)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.stoppedC:
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Reliability scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "reliability.Scheduler.runOnce")
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, []string{lockKey})
		if err != nil {
			if errors.Is(err, locks.ErrLockNotAcquired) {
				s.logger.WithContext(ctx).Debug("Reliability recompute running elsewhere")
				return
			}
			s.logger.WithContext(ctx).WithError(err).Error("Failed to acquire reliability lock")
			return
		}
		defer release()
	}

	if _, err := s.service.Recompute(ctx, s.service.now()); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to recompute source reliability")
	}
}
