package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/clock"
)

// Leadership reports whether this process may run cluster-wide duties.
type Leadership interface {
	IsLeader() bool
}

// AlwaysLeader is used when there is no shared coordinator and the process
// is the only sweeper.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

type sweepFunc func(ctx context.Context, maxIdle time.Duration) (int, error)

// Sweeper runs the idle-expiry sweep on a fixed interval while this process
// holds leadership.
type Sweeper struct {
	sweep    sweepFunc
	leader   Leadership
	clock    clock.Clock
	interval time.Duration
	maxIdle  time.Duration
	logger   *logrus.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(o *Orchestrator, leader Leadership, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return newSweeper(o.SweepExpired, leader, o.clock, interval, o.IdleTimeout(), logger)
}

func newSweeper(sweep sweepFunc, leader Leadership, clk clock.Clock, interval, maxIdle time.Duration, logger *logrus.Logger) *Sweeper {
	if leader == nil {
		leader = AlwaysLeader{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		sweep:    sweep,
		leader:   leader,
		clock:    clk,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"interval": s.interval,
		"max_idle": s.maxIdle,
	}).Info("Starting funnel sweeper")

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return s.clock.AfterFunc(s.interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-tick:
			if s.leader.IsLeader() {
				if _, err := s.sweep(ctx, s.maxIdle); err != nil {
					s.logger.WithError(err).Error("Funnel sweep failed")
				}
			}
			timer = arm()
		}
	}
}
