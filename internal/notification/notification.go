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

// Package notification raises operational alerts for conditions that need a
// human: jobs that exhausted their retries, withdrawals that could not be
// settled after the provider paid out.
package notification

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/request"
	"github.com/sirupsen/logrus"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func buildSlackMessage(alert error, fields map[string]string, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "Alert From Escrow", Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", alert)}}},
	}}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %s", k, fields[k]))
		}
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: "*Context:*\n" + strings.Join(lines, "\n")}}})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}})
	return msg
}

// SlackNotification posts the alert to the configured Slack webhook.
func SlackNotification(alert error, fields map[string]string) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := request.ToJsonReq(buildSlackMessage(alert, fields, time.Now()))
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		return err
	}

	// Slack answers with plain "ok", so the body is not decoded.
	_, err = request.Call(req, nil)
	return err
}

// NotifyError logs the alert and forwards it to Slack when configured. It
// never blocks the caller.
func NotifyError(systemError error) {
	NotifyErrorWithContext(systemError, nil)
}

func NotifyErrorWithContext(systemError error, fields map[string]string) {
	go deliver(systemError, fields)
}

func deliver(systemError error, fields map[string]string) {
	entry := logrus.NewEntry(logrus.StandardLogger())
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Error(systemError)

	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}
	if err := SlackNotification(systemError, fields); err != nil {
		logrus.WithError(err).Warn("failed to deliver slack alert")
	}
}
