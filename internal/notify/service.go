// Package notify tells external webhooks when background jobs finish.
//
// The Service is an events.Publisher: it is attached next to the event bus
// and reacts to job.updated events whose job has reached a terminal status.
// Each configured channel receives a JSON POST, optionally signed with
// HMAC-SHA256 in the X-Flowdesk-Signature header.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/metrics"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// ── Notification ─────────────────────────────────────────────

// EventJobFinished is the only notification type sent today.
const EventJobFinished = "job.finished"

// Notification is the JSON body posted to channels.
type Notification struct {
	Type      string           `json:"type"`
	JobID     string           `json:"job_id"`
	UserID    string           `json:"user_id"`
	JobName   string           `json:"job_name"`
	Status    models.JobStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Channel is one delivery target. An empty Statuses list subscribes to
// every terminal status.
type Channel struct {
	Kind     string
	URL      string
	Secret   string
	Statuses []string
}

// Driver delivers a notification to one kind of channel.
type Driver interface {
	Kind() string
	Send(ctx context.Context, ch *Channel, n Notification) error
}

// Result reports the outcome of one delivery.
type Result struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ── Service ──────────────────────────────────────────────────

// Service dispatches job notifications to the registered channels.
type Service struct {
	client   *http.Client
	channels []Channel

	drvMu   sync.RWMutex
	drivers map[string]Driver

	wg      sync.WaitGroup
	timeout time.Duration
}

// NewService creates a service with the built-in webhook driver.
func NewService(channels []Channel) *Service {
	svc := &Service{
		client:   &http.Client{Timeout: 15 * time.Second},
		channels: channels,
		drivers:  make(map[string]Driver),
		timeout:  time.Minute,
	}
	svc.RegisterDriver(&WebhookDriver{client: svc.client, backoff: 2 * time.Second})
	return svc
}

// RegisterDriver adds or replaces the driver for its kind.
func (s *Service) RegisterDriver(d Driver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[d.Kind()] = d
	log.Debug().Str("kind", d.Kind()).Msg("Registered notification driver")
}

func (s *Service) driver(kind string) Driver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Publish implements events.Publisher. Deliveries run in the background so
// the job runtime is never held up by a slow webhook.
func (s *Service) Publish(userID string, ev events.Event) {
	if ev.Type != events.JobUpdated || len(s.channels) == 0 {
		return
	}
	job, ok := ev.Data.(models.Job)
	if !ok || !job.Status.Terminal() {
		return
	}

	n := Notification{
		Type:      EventJobFinished,
		JobID:     job.ID,
		UserID:    userID,
		JobName:   job.Name,
		Status:    job.Status,
		Error:     job.ErrorMessage,
		Timestamp: time.Now().UTC(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.DispatchAll(ctx, n)
	}()
}

// DispatchAll sends n to every subscribed channel concurrently.
func (s *Service) DispatchAll(ctx context.Context, n Notification) []Result {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for i := range s.channels {
		ch := &s.channels[i]
		if !subscribes(ch, n.Status) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.Dispatch(ctx, ch, n)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Dispatch sends n through a single channel.
func (s *Service) Dispatch(ctx context.Context, ch *Channel, n Notification) Result {
	result := Result{Channel: ch.Kind + ":" + ch.URL}

	d := s.driver(ch.Kind)
	if d == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", ch.Kind)
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		return result
	}
	if err := d.Send(ctx, ch, n); err != nil {
		result.Error = err.Error()
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("url", ch.URL).Str("job_id", n.JobID).Msg("Job notification failed")
		return result
	}

	result.Success = true
	metrics.NotificationsSent.WithLabelValues("ok").Inc()
	log.Info().Str("url", ch.URL).Str("job_id", n.JobID).Str("status", string(n.Status)).Msg("Job notification dispatched")
	return result
}

// Close waits for in-flight deliveries to finish or ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func subscribes(ch *Channel, status models.JobStatus) bool {
	if len(ch.Statuses) == 0 {
		return true
	}
	for _, s := range ch.Statuses {
		if s == string(status) || s == "*" {
			return true
		}
	}
	return false
}

// ── Webhook Driver ───────────────────────────────────────────

// WebhookDriver posts the notification as JSON with up to 3 attempts.
type WebhookDriver struct {
	client  *http.Client
	backoff time.Duration
}

// Kind returns "webhook".
func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts n to ch.URL, signing the body when ch.Secret is set.
func (d *WebhookDriver) Send(ctx context.Context, ch *Channel, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * d.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Flowdesk-Webhook/1.0")
		req.Header.Set("X-Flowdesk-Event", n.Type)
		if ch.Secret != "" {
			req.Header.Set("X-Flowdesk-Signature", "sha256="+Sign(ch.Secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
