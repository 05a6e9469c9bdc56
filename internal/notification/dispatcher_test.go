// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/logging"
)

func testAlert(level alerting.Level) alerting.Alert {
	return alerting.Alert{
		UUID:    "11111111-2222-3333-4444-555555555555",
		Key:     "K",
		Message: "rate anomaly on K",
		Level:   level,
		Source:  "rate-monitor",
		Entity:  "k_rate",
		Created: 1700000000,
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.AlertsConfig{
		Webhook: &config.WebhookChannelConfig{Enabled: true, URL: server.URL},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))

	var sentMu sync.Mutex
	var sent []string
	d.OnSent = func(uuid string) {
		sentMu.Lock()
		defer sentMu.Unlock()
		sent = append(sent, uuid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.Enqueue(testAlert(alerting.LevelWarning))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil && received["key"] == "K"
	}, 5*time.Second, 10*time.Millisecond, "webhook payload not received")

	assert.Eventually(t, func() bool {
		sentMu.Lock()
		defer sentMu.Unlock()
		return len(sent) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMinLevelGating(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.AlertsConfig{
		Webhook: &config.WebhookChannelConfig{Enabled: true, URL: server.URL, MinLevel: "critical"},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))

	// Below the channel minimum: dropped synchronously in deliver.
	d.deliver(testAlert(alerting.LevelWarning))
	assert.Zero(t, calls)

	d.deliver(testAlert(alerting.LevelCritical))
	assert.Equal(t, 1, calls)
	d.deliver(testAlert(alerting.LevelEmergency))
	assert.Equal(t, 2, calls)
}

func TestWebhookNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewDispatcher(nil, logging.New(logging.DefaultConfig()))
	err := d.sendWebhook(&config.WebhookChannelConfig{URL: server.URL}, testAlert(alerting.LevelWarning))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEmailDelivery(t *testing.T) {
	cfg := &config.AlertsConfig{
		Email: &config.EmailChannelConfig{
			Enabled: true,
			Server:  "mail.example.org",
			From:    "bacmon@example.org",
			To:      []string{"ops@example.org"},
		},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	d.emailSender = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	d.deliver(testAlert(alerting.LevelAlert))

	assert.Equal(t, "mail.example.org:587", gotAddr)
	assert.Equal(t, "bacmon@example.org", gotFrom)
	assert.Equal(t, []string{"ops@example.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: [ALERT] K")
	assert.Contains(t, string(gotMsg), "Message: rate anomaly on K")
}

func TestLogfileDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	cfg := &config.AlertsConfig{
		Logfile: &config.LogfileChannelConfig{Enabled: true, Path: path},
	}
	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))

	d.deliver(testAlert(alerting.LevelCritical))
	d.deliver(testAlert(alerting.LevelWarning))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := string(data)
	assert.Contains(t, lines, "[CRITICAL] rate anomaly on K")
	assert.Contains(t, lines, "[WARNING] rate anomaly on K")
	assert.Contains(t, lines, "key=K")
}

func TestEnqueueNeverBlocks(t *testing.T) {
	d := NewDispatcher(nil, logging.New(logging.DefaultConfig()))
	// No worker running: fill the queue past capacity and keep going.
	for i := 0; i < defaultQueueSize+10; i++ {
		d.Enqueue(testAlert(alerting.LevelInfo))
	}
}
