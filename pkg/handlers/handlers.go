package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/models"
	"proactive-outreach-engine/pkg/store"
)

type UserStore interface {
	EnsureUser(ctx context.Context, platformUserID string, at time.Time) (string, error)
	ResolveUserID(ctx context.Context, platformUserID string) (string, error)
	TouchSession(ctx context.Context, userID string, at time.Time) error
	GetSessionActivity(ctx context.Context, userID string) (models.SessionActivity, error)
}

type PulseService interface {
	RecordEngagement(ctx context.Context, event models.EngagementEvent) (*models.PulseRecord, error)
	GetRecord(ctx context.Context, userID string) (*models.PulseRecord, error)
}

type FunnelService interface {
	TryStart(ctx context.Context, platformUserID, chatID string) (*models.StartResult, error)
	HandleReply(ctx context.Context, platformUserID, text string) (*models.ReplyResult, error)
	HandleCallback(ctx context.Context, platformUserID, token string) (*models.CallbackResult, error)
	SweepExpired(ctx context.Context, maxIdle time.Duration) (int, error)
	IdleTimeout() time.Duration
	ArmedTimers() int
}

// Deps are the collaborators of a Handler. Ping and IsLeader may be nil.
type Deps struct {
	Users    UserStore
	Pulse    PulseService
	Funnels  FunnelService
	Ping     func() error
	IsLeader func() bool
	PodID    string
	Clock    clock.Clock
	Logger   *logrus.Logger
}

type Handler struct {
	users    UserStore
	pulse    PulseService
	funnels  FunnelService
	ping     func() error
	isLeader func() bool
	podID    string
	clock    clock.Clock
	logger   *logrus.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Ping == nil {
		deps.Ping = func() error { return nil }
	}
	if deps.IsLeader == nil {
		deps.IsLeader = func() bool { return true }
	}
	return &Handler{
		users:    deps.Users,
		pulse:    deps.Pulse,
		funnels:  deps.Funnels,
		ping:     deps.Ping,
		isLeader: deps.IsLeader,
		podID:    deps.PodID,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// Engagement records an inbound user message against the user's pulse.
func (h *Handler) Engagement(w http.ResponseWriter, r *http.Request) {
	platformUserID := mux.Vars(r)["id"]
	if platformUserID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var request struct {
		Message             string     `json:"message"`
		Mood                string     `json:"mood,omitempty"`
		PreviousMessageAt   *time.Time `json:"previous_message_at,omitempty"`
		PreviousUserMessage string     `json:"previous_user_message,omitempty"`
		Timestamp           time.Time  `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = h.clock.Now()
	}

	ctx := r.Context()
	userID, err := h.users.EnsureUser(ctx, platformUserID, request.Timestamp)
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to register user")
		return
	}

	// Fall back to the last recorded session message when the caller does
	// not track it.
	if request.PreviousMessageAt == nil {
		if activity, err := h.users.GetSessionActivity(ctx, userID); err == nil && !activity.LastMessageAt.IsZero() {
			last := activity.LastMessageAt
			request.PreviousMessageAt = &last
		}
	}
	if err := h.users.TouchSession(ctx, userID, request.Timestamp); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Warn("Failed to record session activity")
	}

	record, err := h.pulse.RecordEngagement(ctx, models.EngagementEvent{
		UserID:              userID,
		Message:             request.Message,
		Now:                 request.Timestamp,
		PreviousMessageAt:   request.PreviousMessageAt,
		PreviousUserMessage: request.PreviousUserMessage,
		Classifier:          models.ParseMoodTag(request.Mood),
	})
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to record engagement")
		return
	}

	writeJSON(w, http.StatusOK, record)

	h.logger.WithFields(logrus.Fields{
		"platform_user_id": platformUserID,
		"score":            record.Score,
		"state":            record.State,
	}).Debug("Recorded engagement")
}

func (h *Handler) Pulse(w http.ResponseWriter, r *http.Request) {
	platformUserID := mux.Vars(r)["id"]

	userID, err := h.users.ResolveUserID(r.Context(), platformUserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to resolve user")
		return
	}

	record, err := h.pulse.GetRecord(r.Context(), userID)
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to read pulse")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) StartFunnel(w http.ResponseWriter, r *http.Request) {
	platformUserID := mux.Vars(r)["platformUserId"]

	var request struct {
		ChatID string `json:"chat_id"`
	}
	if err := decodeOptional(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if request.ChatID == "" {
		request.ChatID = platformUserID
	}

	result, err := h.funnels.TryStart(r.Context(), platformUserID, request.ChatID)
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to start funnel")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	platformUserID := mux.Vars(r)["platformUserId"]

	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.funnels.HandleReply(r.Context(), platformUserID, request.Text)
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to handle reply")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	platformUserID := mux.Vars(r)["platformUserId"]

	var request struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.funnels.HandleCallback(r.Context(), platformUserID, request.Token)
	if err != nil {
		h.fail(w, err, platformUserID, "Failed to handle callback")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Sweep expires idle funnels on demand. It runs on any pod; the background
// sweep is the one gated on leadership.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var request struct {
		MaxIdleMinutes int `json:"max_idle_minutes"`
	}
	if err := decodeOptional(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	maxIdle := h.funnels.IdleTimeout()
	if request.MaxIdleMinutes > 0 {
		maxIdle = time.Duration(request.MaxIdleMinutes) * time.Minute
	}

	count, err := h.funnels.SweepExpired(r.Context(), maxIdle)
	if err != nil {
		h.fail(w, err, "", "Failed to sweep funnels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired":          count,
		"max_idle_minutes": int(maxIdle / time.Minute),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		writeError(w, http.StatusServiceUnavailable, "health check failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"pod_id":       h.podID,
		"is_leader":    h.isLeader(),
		"armed_timers": h.funnels.ArmedTimers(),
		"timestamp":    h.clock.Now(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, err error, platformUserID, msg string) {
	entry := h.logger.WithError(err)
	if platformUserID != "" {
		entry = entry.WithField("platform_user_id", platformUserID)
	}
	entry.Error(msg)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
