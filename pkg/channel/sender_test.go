package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proactive-outreach-engine/pkg/models"
)

func TestWebhookSender_PostsMessage(t *testing.T) {
	var got OutboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, time.Second, logrus.New())
	delivered, err := sender.Send(context.Background(), "chat-1", "hi", []models.Choice{{Label: "yes", Action: "funnel:topic-1:yes"}})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, OutboundMessage{ChatID: "chat-1", Text: "hi", Choices: []models.Choice{{Label: "yes", Action: "funnel:topic-1:yes"}}}, got)
}

func TestWebhookSender_RejectedIsNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, time.Second, logrus.New())
	delivered, err := sender.Send(context.Background(), "chat-1", "hi", nil)
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestWebhookSender_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sender := NewWebhookSender(srv.URL, time.Second, logrus.New())
	delivered, err := sender.Send(context.Background(), "chat-1", "hi", nil)
	assert.Error(t, err)
	assert.False(t, delivered)
}

func TestLogSender_AlwaysDelivers(t *testing.T) {
	delivered, err := NewLogSender(logrus.New()).Send(context.Background(), "chat-1", "hi", nil)
	require.NoError(t, err)
	assert.True(t, delivered)
}
