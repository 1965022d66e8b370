package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/metrics"
)

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

const resignScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// LeaderElection elects one pod to run the funnel sweep. Leadership is a
// Redis key holding the pod id with a TTL that the leader keeps renewing.
type LeaderElection struct {
	rdb      *redis.Client
	key      string
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	isLeader bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:      rdb,
		key:      constants.LeaderElectionKey,
		podID:    podID,
		ttl:      ttl,
		interval: constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds),
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting sweep leader election")

	le.tryBecomeLeader(ctx)

	le.wg.Add(1)
	go le.leaderElectionLoop(ctx)
}

// Stop ends the election loop and gives up leadership if held.
func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() { close(le.stopCh) })
	le.wg.Wait()
	if le.leading() {
		le.resignLeadership(context.Background())
	}
}

// IsLeader checks the leader key in Redis and syncs local state with it.
func (le *LeaderElection) IsLeader() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	currentLeader, err := le.rdb.Get(ctx, le.key).Result()
	isActualLeader := err == nil && currentLeader == le.podID

	le.mu.Lock()
	defer le.mu.Unlock()
	if le.isLeader != isActualLeader {
		le.isLeader = isActualLeader
		if isActualLeader {
			le.logger.Info("Confirmed sweep leadership from Redis")
		} else {
			le.logger.Info("Sweep leadership lost")
		}
	}
	return le.isLeader
}

func (le *LeaderElection) leading() bool {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.isLeader
}

func (le *LeaderElection) setLeader(v bool) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.isLeader = v
}

func (le *LeaderElection) leaderElectionLoop(ctx context.Context) {
	defer le.wg.Done()

	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := le.rdb.SetNX(ctx, le.key, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		return
	}

	if acquired {
		if !le.leading() {
			le.logger.WithField("pod_id", le.podID).Info("Became sweep leader")
			le.metrics.SweepLeaderChanges.Inc()
			le.setLeader(true)
		}
		return
	}

	// Someone holds the key; renew if it is us.
	le.renewLeadership(ctx)
}

func (le *LeaderElection) renewLeadership(ctx context.Context) {
	result, err := le.rdb.Eval(ctx, renewScript, []string{le.key}, le.podID, int(le.ttl.Seconds())).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.setLeader(false)
		return
	}

	if result == 0 {
		if le.leading() {
			le.logger.Warn("Leadership renewal failed - no longer leader")
		}
		le.setLeader(false)
		return
	}
	if !le.leading() {
		le.metrics.SweepLeaderChanges.Inc()
		le.setLeader(true)
	}
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	if err := le.rdb.Eval(ctx, resignScript, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned sweep leadership")
	}
	le.setLeader(false)
}
