// Package channel delivers outreach messages to a chat.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/models"
)

// Sender delivers text and optional tappable choices to a chat. delivered is
// false when the channel accepted the call but could not deliver the message.
type Sender interface {
	Send(ctx context.Context, chatID, text string, choices []models.Choice) (delivered bool, err error)
}

// OutboundMessage is the JSON body posted by WebhookSender.
type OutboundMessage struct {
	ChatID  string          `json:"chat_id"`
	Text    string          `json:"text"`
	Choices []models.Choice `json:"choices,omitempty"`
}

// WebhookSender posts each message to a channel adapter over HTTP.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *logrus.Logger
}

func NewWebhookSender(url string, timeout time.Duration, logger *logrus.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *WebhookSender) Send(ctx context.Context, chatID, text string, choices []models.Choice) (bool, error) {
	body, err := json.Marshal(OutboundMessage{ChatID: chatID, Text: text, Choices: choices})
	if err != nil {
		return false, fmt.Errorf("webhook send: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		w.logger.WithFields(logrus.Fields{
			"chat_id":     chatID,
			"status_code": resp.StatusCode,
		}).Warn("Channel adapter rejected message")
		return false, nil
	}
	return true, nil
}

// LogSender only logs messages. It is used when no channel adapter is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(_ context.Context, chatID, text string, choices []models.Choice) (bool, error) {
	labels := make([]string, 0, len(choices))
	for _, c := range choices {
		labels = append(labels, c.Label)
	}
	l.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"text":    text,
		"choices": labels,
	}).Info("Outbound message")
	return true, nil
}
