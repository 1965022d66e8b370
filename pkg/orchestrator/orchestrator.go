// Package orchestrator runs funnel instances from start to a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/channel"
	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/constants"
	"proactive-outreach-engine/pkg/funnel"
	"proactive-outreach-engine/pkg/intent"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/pulse"
	"proactive-outreach-engine/pkg/store"
)

// User-facing replies.
const (
	msgAbandoned = "No worries, I'll drop it."
	msgCompleted = "All set. Ping me if you want to pick it up again."
	msgNudge     = "Still with me? Tap one of the options or just tell me."
	msgOutdated  = "That button is from an older chat, it's not active anymore."
	msgAdvanced  = "Got it."
)

// Expiry sources, used as the funnels_expired_total label.
const (
	SourceTimer = "timer"
	SourceSweep = "sweep"
)

type FunnelStore interface {
	InsertFunnelInstance(ctx context.Context, inst *models.FunnelInstance) error
	GetActiveFunnel(ctx context.Context, platformUserID string) (*models.FunnelInstance, error)
	AdvanceFunnel(ctx context.Context, id string, fromStep, toStep int, at time.Time) error
	TouchFunnel(ctx context.Context, id string, at time.Time) error
	FinishFunnel(ctx context.Context, id string, status models.FunnelStatus, at time.Time) (bool, error)
	ExpireIdleFunnel(ctx context.Context, id string, cutoff, at time.Time) (bool, error)
	ListIdleActiveFunnels(ctx context.Context, cutoff time.Time) ([]*models.FunnelInstance, error)
}

type Selector interface {
	BuildContext(ctx context.Context, platformUserID, chatID string) (*intent.IntentContext, error)
	Select(ctx context.Context, ic *intent.IntentContext) (*intent.Selection, error)
}

type Resolver interface {
	Resolve(ctx context.Context, inst *models.FunnelInstance) (*models.FunnelDefinition, error)
}

type Emitter interface {
	Emit(event models.FunnelEvent)
}

// Deps are the collaborators of an Orchestrator. Clock and Locks default to
// the real clock and an in-process keyed mutex.
type Deps struct {
	Store    FunnelStore
	Selector Selector
	Resolver Resolver
	Sender   channel.Sender
	Events   Emitter
	Clock    clock.Clock
	Locks    pulse.KeyedLocker
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	store       FunnelStore
	selector    Selector
	resolver    Resolver
	sender      channel.Sender
	events      Emitter
	clock       clock.Clock
	locks       pulse.KeyedLocker
	timers      *TimerRegistry
	idleTimeout time.Duration
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

func New(deps Deps, idleTimeout time.Duration) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Locks == nil {
		deps.Locks = pulse.NewKeyedMutex()
	}
	if idleTimeout <= 0 {
		idleTimeout = constants.MinutesToDuration(constants.DefaultIdleTimeoutMinutes)
	}
	return &Orchestrator{
		store:       deps.Store,
		selector:    deps.Selector,
		resolver:    deps.Resolver,
		sender:      deps.Sender,
		events:      deps.Events,
		clock:       deps.Clock,
		locks:       deps.Locks,
		timers:      NewTimerRegistry(deps.Clock, deps.Metrics),
		idleTimeout: idleTimeout,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}
}

// TryStart selects and starts a funnel for the user unless one is already ACTIVE.
func (o *Orchestrator) TryStart(ctx context.Context, platformUserID, chatID string) (*models.StartResult, error) {
	unlock := o.locks.Lock(platformUserID)
	defer unlock()

	_, err := o.store.GetActiveFunnel(ctx, platformUserID)
	if err == nil {
		return &models.StartResult{Reason: "an active funnel is already running"}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("try start: %w", err)
	}

	ic, err := o.selector.BuildContext(ctx, platformUserID, chatID)
	if errors.Is(err, intent.ErrUnknownUser) {
		return &models.StartResult{Reason: "unknown user"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("try start: %w", err)
	}
	selection, err := o.selector.Select(ctx, ic)
	if err != nil {
		return nil, fmt.Errorf("try start: %w", err)
	}
	if selection.Best == nil {
		return &models.StartResult{Reason: selection.Reason}, nil
	}

	best := selection.Best
	def := best.Definition
	now := o.clock.Now()
	inst := &models.FunnelInstance{
		ID:             uuid.NewString(),
		PlatformUserID: platformUserID,
		UserID:         ic.UserID,
		ChatID:         chatID,
		FunnelKey:      def.Key,
		Status:         models.FunnelActive,
		Context:        snapshotContext(best.Topic, best.Score),
		LastEventAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.InsertFunnelInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrActiveFunnelExists) {
			return &models.StartResult{Reason: "an active funnel is already running"}, nil
		}
		return nil, fmt.Errorf("try start: %w", err)
	}

	if !o.sendStep(ctx, inst, def, 0) {
		o.finish(ctx, inst, models.FunnelAbandoned, models.EventAbandoned, map[string]any{"reason": "send_failed"})
		return &models.StartResult{Reason: "first message could not be delivered", FunnelKey: def.Key}, nil
	}

	o.armIdleTimer(inst)
	o.emit(inst, models.EventStarted, 0, map[string]any{
		"score":    best.Score,
		"category": def.Category,
		"inferred": ic.PulseInferred,
	})
	o.logger.WithFields(logrus.Fields{
		"platform_user_id": platformUserID,
		"instance_id":      inst.ID,
		"funnel_key":       def.Key,
		"score":            best.Score,
		"pulse_state":      ic.PulseState,
	}).Info("Funnel started")

	return &models.StartResult{Started: true, Reason: selection.Reason, FunnelKey: def.Key}, nil
}

// HandleReply feeds free text to the user's ACTIVE funnel. Handled is false when
// the message belongs to the main pipeline.
func (o *Orchestrator) HandleReply(ctx context.Context, platformUserID, text string) (*models.ReplyResult, error) {
	if isControlMessage(text) {
		return &models.ReplyResult{}, nil
	}

	unlock := o.locks.Lock(platformUserID)
	defer unlock()

	inst, def, step, ok, err := o.loadActive(ctx, platformUserID)
	if err != nil || !ok {
		return &models.ReplyResult{}, err
	}

	decision := funnel.EvaluateReply(step, text)
	res, err := o.apply(ctx, inst, def, decision)
	if err != nil {
		return nil, fmt.Errorf("handle reply: %w", err)
	}
	return &models.ReplyResult{
		Handled:      true,
		ResponseText: res.text,
		PassThrough:  res.passThrough,
	}, nil
}

// HandleCallback applies a tapped choice. Malformed tokens are ignored and a
// token for another funnel gets an "outdated" reply without touching state.
func (o *Orchestrator) HandleCallback(ctx context.Context, platformUserID, token string) (*models.CallbackResult, error) {
	parsed, err := funnel.ParseToken(token)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"platform_user_id": platformUserID,
			"token":            token,
		}).Debug("Ignoring malformed callback token")
		return &models.CallbackResult{}, nil
	}

	unlock := o.locks.Lock(platformUserID)
	defer unlock()

	inst, def, step, ok, err := o.loadActive(ctx, platformUserID)
	if err != nil {
		return nil, err
	}
	if inst == nil || inst.FunnelKey != parsed.FunnelKey {
		return &models.CallbackResult{Text: msgOutdated}, nil
	}
	if !ok {
		return &models.CallbackResult{Text: msgOutdated}, nil
	}

	decision := funnel.EvaluateCallback(step, parsed.Action)
	if decision.Kind == funnel.DecisionStay {
		return &models.CallbackResult{Text: msgNudge}, nil
	}
	res, err := o.apply(ctx, inst, def, decision)
	if err != nil {
		return nil, fmt.Errorf("handle callback: %w", err)
	}
	return &models.CallbackResult{Text: res.text}, nil
}

// ExpireIfIdle marks the instance EXPIRED when it is still ACTIVE and has been
// idle for at least maxIdle. Both the idle timer and the sweep go through here.
func (o *Orchestrator) ExpireIfIdle(ctx context.Context, inst *models.FunnelInstance, maxIdle time.Duration, source string) (bool, error) {
	unlock := o.locks.Lock(inst.PlatformUserID)
	defer unlock()

	now := o.clock.Now()
	expired, err := o.store.ExpireIdleFunnel(ctx, inst.ID, now.Add(-maxIdle), now)
	if err != nil {
		return false, fmt.Errorf("expire funnel %s: %w", inst.ID, err)
	}
	if !expired {
		return false, nil
	}

	o.timers.Cancel(inst.ID)
	o.emit(inst, models.EventExpired, inst.CurrentStepIndex, map[string]any{"source": source})
	if o.metrics != nil {
		o.metrics.FunnelsExpired.WithLabelValues(source).Inc()
	}
	o.logger.WithFields(logrus.Fields{
		"platform_user_id": inst.PlatformUserID,
		"instance_id":      inst.ID,
		"funnel_key":       inst.FunnelKey,
		"source":           source,
	}).Info("Funnel expired")
	return true, nil
}

// SweepExpired expires every ACTIVE instance idle for at least maxIdle and
// returns how many were expired.
func (o *Orchestrator) SweepExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	idle, err := o.store.ListIdleActiveFunnels(ctx, o.clock.Now().Add(-maxIdle))
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}

	count := 0
	for _, inst := range idle {
		expired, err := o.ExpireIfIdle(ctx, inst, maxIdle, SourceSweep)
		if err != nil {
			o.logger.WithError(err).WithField("instance_id", inst.ID).Error("Failed to expire funnel")
			continue
		}
		if expired {
			count++
		}
	}

	if count > 0 {
		o.logger.WithFields(logrus.Fields{
			"expired_count": count,
			"max_idle":      maxIdle,
		}).Info("Swept idle funnels")
	}
	return count, nil
}

// IdleTimeout is the idle threshold used by instance timers.
func (o *Orchestrator) IdleTimeout() time.Duration {
	return o.idleTimeout
}

// ArmedTimers returns the number of idle timers currently armed.
func (o *Orchestrator) ArmedTimers() int {
	return o.timers.Len()
}

// Close cancels all idle timers.
func (o *Orchestrator) Close() {
	o.timers.StopAll()
}

type outcome struct {
	text        string
	passThrough bool
}

func (o *Orchestrator) apply(ctx context.Context, inst *models.FunnelInstance, def *models.FunnelDefinition, d funnel.Decision) (outcome, error) {
	switch d.Kind {
	case funnel.DecisionAbandon:
		o.finish(ctx, inst, models.FunnelAbandoned, models.EventAbandoned, map[string]any{"reason": d.Reason})
		return outcome{text: msgAbandoned}, nil

	case funnel.DecisionPassThrough:
		if o.finish(ctx, inst, models.FunnelCompleted, models.EventPassedOn, map[string]any{"action": def.Action}) {
			o.emit(inst, models.EventCompleted, inst.CurrentStepIndex, nil)
		}
		return outcome{passThrough: true}, nil

	case funnel.DecisionAdvance:
		if d.NextIndex < 0 || d.NextIndex >= len(def.Steps) {
			o.finish(ctx, inst, models.FunnelCompleted, models.EventCompleted, map[string]any{"reason": d.Reason})
			return outcome{text: msgCompleted}, nil
		}
		now := o.clock.Now()
		if err := o.store.AdvanceFunnel(ctx, inst.ID, inst.CurrentStepIndex, d.NextIndex, now); err != nil {
			return outcome{}, err
		}
		from := inst.CurrentStepIndex
		inst.CurrentStepIndex, inst.LastEventAt = d.NextIndex, now
		if !o.sendStep(ctx, inst, def, d.NextIndex) {
			o.finish(ctx, inst, models.FunnelAbandoned, models.EventAbandoned, map[string]any{"reason": "send_failed"})
			return outcome{}, nil
		}
		o.armIdleTimer(inst)
		o.emit(inst, models.EventAdvanced, d.NextIndex, map[string]any{"from": from, "reason": d.Reason})
		return outcome{text: msgAdvanced}, nil

	default:
		now := o.clock.Now()
		if err := o.store.TouchFunnel(ctx, inst.ID, now); err != nil {
			return outcome{}, err
		}
		inst.LastEventAt = now
		o.armIdleTimer(inst)
		o.emit(inst, models.EventNudged, inst.CurrentStepIndex, nil)
		return outcome{text: msgNudge}, nil
	}
}

// loadActive returns the user's ACTIVE instance with its definition and current
// step. ok is false when there is nothing to act on.
func (o *Orchestrator) loadActive(ctx context.Context, platformUserID string) (*models.FunnelInstance, *models.FunnelDefinition, models.FunnelStep, bool, error) {
	inst, err := o.store.GetActiveFunnel(ctx, platformUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, models.FunnelStep{}, false, nil
	}
	if err != nil {
		return nil, nil, models.FunnelStep{}, false, fmt.Errorf("load active funnel: %w", err)
	}

	def, err := o.resolver.Resolve(ctx, inst)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"funnel_key":  inst.FunnelKey,
		}).Warn("Cannot resolve funnel definition")
		return inst, nil, models.FunnelStep{}, false, nil
	}
	if inst.CurrentStepIndex < 0 || inst.CurrentStepIndex >= len(def.Steps) {
		o.logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"step_index":  inst.CurrentStepIndex,
		}).Warn("Funnel step out of range")
		return inst, def, models.FunnelStep{}, false, nil
	}
	return inst, def, def.Steps[inst.CurrentStepIndex], true, nil
}

// sendStep delivers a step and reports whether it reached the user.
func (o *Orchestrator) sendStep(ctx context.Context, inst *models.FunnelInstance, def *models.FunnelDefinition, index int) bool {
	step := def.Steps[index]
	delivered, err := o.sender.Send(ctx, inst.ChatID, step.Text, funnel.RenderChoices(def.Key, step))
	if err != nil || !delivered {
		entry := o.logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"chat_id":     inst.ChatID,
			"step_index":  index,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("Failed to deliver funnel step")
		o.emit(inst, models.EventSendFailed, index, nil)
		return false
	}
	return true
}

// finish moves the instance to a terminal status. It reports false when the
// row had already left ACTIVE.
func (o *Orchestrator) finish(ctx context.Context, inst *models.FunnelInstance, status models.FunnelStatus, eventType models.FunnelEventType, payload map[string]any) bool {
	o.timers.Cancel(inst.ID)

	ok, err := o.store.FinishFunnel(ctx, inst.ID, status, o.clock.Now())
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"status":      status,
		}).Error("Failed to finish funnel")
		return false
	}
	if !ok {
		return false
	}
	inst.Status = status

	o.emit(inst, eventType, inst.CurrentStepIndex, payload)
	o.logger.WithFields(logrus.Fields{
		"platform_user_id": inst.PlatformUserID,
		"instance_id":      inst.ID,
		"funnel_key":       inst.FunnelKey,
		"status":           status,
		"step_index":       inst.CurrentStepIndex,
	}).Info("Funnel finished")
	return true
}

func (o *Orchestrator) armIdleTimer(inst *models.FunnelInstance) {
	target := *inst
	o.timers.Arm(inst.ID, o.idleTimeout, func() {
		if _, err := o.ExpireIfIdle(context.Background(), &target, o.idleTimeout, SourceTimer); err != nil {
			o.logger.WithError(err).WithField("instance_id", target.ID).Error("Idle timer failed to expire funnel")
		}
	})
}

func (o *Orchestrator) emit(inst *models.FunnelInstance, eventType models.FunnelEventType, stepIndex int, payload map[string]any) {
	if o.metrics != nil {
		o.metrics.FunnelLifecycleEvents.WithLabelValues(string(eventType)).Inc()
	}
	if o.events == nil {
		return
	}
	o.events.Emit(models.FunnelEvent{
		InstanceID:     inst.ID,
		PlatformUserID: inst.PlatformUserID,
		FunnelKey:      inst.FunnelKey,
		Type:           eventType,
		StepIndex:      stepIndex,
		Payload:        payload,
		At:             o.clock.Now(),
	})
}

func isControlMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, constants.ControlPrefix) || strings.HasPrefix(trimmed, constants.SystemPrefix)
}
