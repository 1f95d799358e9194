// Package notifications sends best-effort push notifications through ntfy.
// When no topic is configured the service is a no-op, and failures never
// affect job outcomes.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ripley/internal/config"
)

const userAgent = "Ripley/0.1.0"

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyDiscDetected(ctx context.Context, discTitle, discType string) error
	NotifyJobStarted(ctx context.Context, discTitle string) error
	NotifyJobCompleted(ctx context.Context, discTitle string, outputs int) error
	NotifyJobFailed(ctx context.Context, discTitle, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyDiscDetected(ctx context.Context, discTitle, discType string) error {
	discTitle = strings.TrimSpace(discTitle)
	discType = strings.TrimSpace(discType)
	if discType == "" {
		discType = "unknown"
	}
	return n.send(ctx, payload{
		title:   "Ripley - Disc Detected",
		message: fmt.Sprintf("Disc detected: %s (%s)", discTitle, discType),
		tags:    []string{"ripley", "disc", "detected"},
	})
}

func (n *ntfyService) NotifyJobStarted(ctx context.Context, discTitle string) error {
	return n.send(ctx, payload{
		title:   "Ripley - Job Started",
		message: fmt.Sprintf("Started processing: %s", strings.TrimSpace(discTitle)),
		tags:    []string{"ripley", "job", "started"},
	})
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, discTitle string, outputs int) error {
	return n.send(ctx, payload{
		title:    "Ripley - Job Complete",
		message:  fmt.Sprintf("Finished %s: %d output(s) placed", strings.TrimSpace(discTitle), outputs),
		tags:     []string{"ripley", "job", "completed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, discTitle, reason string) error {
	message := fmt.Sprintf("Failed: %s", strings.TrimSpace(discTitle))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	return n.send(ctx, payload{
		title:    "Ripley - Job Failed",
		message:  message,
		tags:     []string{"ripley", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Ripley - Test",
		message:  "Notification system test",
		tags:     []string{"ripley", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyDiscDetected(context.Context, string, string) error { return nil }
func (noopService) NotifyJobStarted(context.Context, string) error           { return nil }
func (noopService) NotifyJobCompleted(context.Context, string, int) error    { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string) error    { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
