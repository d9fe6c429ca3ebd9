/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Notifier delivers user-facing messages. It is fire and forget: the engine
// logs a failed delivery and carries on.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string) error
}

// NotificationPayload represents the structure of a user notification.
type NotificationPayload struct {
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LogNotifier only logs. It is used when no queue is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID, title, message string) error {
	logrus.WithFields(logrus.Fields{"user_id": userID, "title": title}).Info(message)
	return nil
}

// QueueNotifier hands notifications to asynq for delivery by the workers.
type QueueNotifier struct {
	queue *Queue
}

func NewQueueNotifier(q *Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, userID, title, message string) error {
	return n.queue.EnqueueNotification(ctx, NotificationPayload{
		UserID:    userID,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
}

// ProcessNotification processes a notification task from the queue by
// posting it to the configured webhook.
func ProcessNotification(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	var payload NotificationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("invalid notification payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if conf.Notification.Webhook.Url == "" {
		logrus.WithFields(logrus.Fields{"user_id": payload.UserID, "title": payload.Title}).Info(payload.Message)
		return nil
	}
	return sendNotificationWebhook(ctx, conf.Notification.Webhook.Url, conf.Notification.Webhook.Headers, payload)
}

func sendNotificationWebhook(ctx context.Context, url string, headers map[string]string, payload NotificationPayload) error {
	body, err := request.ToJsonReq(map[string]interface{}{
		"event": "user.notification",
		"data":  payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if _, err := request.Call(req, nil); err != nil {
		logrus.WithField("user_id", payload.UserID).WithError(err).Warn("notification webhook failed")
		return err
	}
	return nil
}
