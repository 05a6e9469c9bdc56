// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification delivers admitted alerts over the configured
// channels. A single worker drains a bounded queue so channel I/O never
// blocks the monitor.
package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

const defaultQueueSize = 256

// Dispatcher fans admitted alerts out to the configured channels.
type Dispatcher struct {
	cfg    *config.AlertsConfig
	logger *logging.Logger
	queue  chan alerting.Alert
	stopCh chan struct{}
	wg     sync.WaitGroup

	httpClient *http.Client

	// OnSent is invoked after each successful channel delivery with the
	// alert's uuid. The alert manager uses it to bump notifications_sent.
	OnSent func(uuid string)

	// emailSender is injectable for testing.
	emailSender func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewDispatcher builds a dispatcher over the alerts configuration. cfg may be
// nil, in which case every delivery is a no-op.
func NewDispatcher(cfg *config.AlertsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := 10 * time.Second
	if cfg != nil && cfg.Webhook != nil && cfg.Webhook.TimeoutMS > 0 {
		timeout = time.Duration(cfg.Webhook.TimeoutMS) * time.Millisecond
	}
	return &Dispatcher{
		cfg:         cfg,
		logger:      logger.WithComponent("notification"),
		queue:       make(chan alerting.Alert, defaultQueueSize),
		stopCh:      make(chan struct{}),
		httpClient:  &http.Client{Timeout: timeout},
		emailSender: smtp.SendMail,
	}
}

// Enqueue accepts an alert for delivery without blocking. A full queue drops
// the alert with a warning.
func (d *Dispatcher) Enqueue(a alerting.Alert) {
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("notification queue full, dropping alert",
			"uuid", a.UUID, "key", a.Key)
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case a := <-d.queue:
				d.deliver(a)
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the worker after the in-flight delivery completes.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// deliver sends one alert to every enabled channel at or below its level.
// Channel failures are logged and never fail the alert.
func (d *Dispatcher) deliver(a alerting.Alert) {
	if d.cfg == nil {
		return
	}

	if ch := d.cfg.Email; ch != nil && ch.Enabled && levelReached(a.Level, ch.MinLevel) {
		d.record("email", a, d.sendEmail(ch, a))
	}
	if ch := d.cfg.Webhook; ch != nil && ch.Enabled && levelReached(a.Level, ch.MinLevel) {
		d.record("webhook", a, d.sendWebhook(ch, a))
	}
	if ch := d.cfg.Logfile; ch != nil && ch.Enabled && levelReached(a.Level, ch.MinLevel) {
		d.record("logfile", a, d.appendLogfile(ch, a))
	}
}

func (d *Dispatcher) record(channel string, a alerting.Alert, err error) {
	if err != nil {
		metrics.Get().NotificationsSent.WithLabelValues(channel, "error").Inc()
		d.logger.Error("notification delivery failed",
			"channel", channel, "uuid", a.UUID, "error", err)
		return
	}
	metrics.Get().NotificationsSent.WithLabelValues(channel, "ok").Inc()
	if d.OnSent != nil {
		d.OnSent(a.UUID)
	}
}

// levelReached checks the channel's minimum level; an unset minimum accepts
// everything.
func levelReached(level alerting.Level, minLevel string) bool {
	if minLevel == "" {
		return true
	}
	return level >= alerting.ParseLevel(minLevel)
}

func (d *Dispatcher) sendWebhook(ch *config.WebhookChannelConfig, a alerting.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendEmail(ch *config.EmailChannelConfig, a alerting.Alert) error {
	if ch.Server == "" || len(ch.To) == 0 {
		return fmt.Errorf("email channel missing server or recipients")
	}

	port := ch.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", ch.Server, port)

	var auth smtp.Auth
	if ch.Username != "" {
		auth = smtp.PlainAuth("", ch.Username, ch.Password, ch.Server)
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(a.Level.String()), a.Key)
	body := formatAlertBody(a)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", ch.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(ch.To, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(body)

	if ch.UseTLS {
		return d.sendEmailTLS(addr, ch, auth, msg.Bytes())
	}
	return d.emailSender(addr, auth, ch.From, ch.To, msg.Bytes())
}

// sendEmailTLS opens an implicit-TLS SMTP session, for servers that do not
// offer STARTTLS on the submission port.
func (d *Dispatcher) sendEmailTLS(addr string, ch *config.EmailChannelConfig, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: ch.Server})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, ch.Server)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(ch.From); err != nil {
		return err
	}
	for _, rcpt := range ch.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (d *Dispatcher) appendLogfile(ch *config.LogfileChannelConfig, a alerting.Alert) error {
	f, err := os.OpenFile(ch.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%s [%s] %s key=%s entity=%s uuid=%s\n",
		time.Unix(a.Created, 0).UTC().Format(time.RFC3339),
		strings.ToUpper(a.Level.String()), a.Message, a.Key, a.Entity, a.UUID)
	_, err = f.WriteString(line)
	return err
}

// formatAlertBody renders the structured email body.
func formatAlertBody(a alerting.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Level: %s\n", a.Level)
	fmt.Fprintf(&b, "Key: %s\n", a.Key)
	fmt.Fprintf(&b, "Entity: %s\n", a.Entity)
	fmt.Fprintf(&b, "Source: %s\n", a.Source)
	fmt.Fprintf(&b, "Time: %s\n", time.Unix(a.Created, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Message: %s\n", a.Message)
	if len(a.Details) > 0 {
		b.WriteString("Details:\n")
		if raw, err := json.MarshalIndent(a.Details, "  ", "  "); err == nil {
			fmt.Fprintf(&b, "  %s\n", raw)
		}
	}
	return b.String()
}
