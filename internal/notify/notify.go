// Package notify delivers out-of-band alerts for events a human should
// see, escalations above all.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/policy"
)

// Event is one alert.
type Event struct {
	Kind      string    `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Kinds of events notifiers currently carry.
const (
	KindEscalation       = "escalation"
	KindHelpRequested    = "help_requested"
	KindProjectCompleted = "project_completed"
	KindProjectFailed    = "project_failed"
)

// Notifier delivers events over one configured channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// New builds the notifier selected by cfg. The zero config logs.
func New(cfg policy.NotifyConfig, logger zerolog.Logger) (Notifier, error) {
	switch cfg.Channel {
	case "", "log":
		return &logNotifier{logger: logger}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notify: webhook channel requires a url")
		}
		return &webhookNotifier{
			url:    cfg.WebhookURL,
			client: &http.Client{Timeout: 10 * time.Second},
			logger: logger,
		}, nil
	case "command":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("notify: command channel requires a command")
		}
		return &commandNotifier{argv: cfg.Command, logger: logger}, nil
	default:
		return nil, fmt.Errorf("notify: unknown channel %q", cfg.Channel)
	}
}

type logNotifier struct {
	logger zerolog.Logger
}

func (n *logNotifier) Notify(_ context.Context, ev Event) error {
	evt := n.logger.Info()
	if ev.Kind == KindEscalation || ev.Kind == KindProjectFailed {
		evt = n.logger.Warn()
	}
	evt.Str("kind", ev.Kind).Str("role", ev.Role).Str("title", ev.Title).Msg(ev.Body)
	return nil
}

type webhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func (n *webhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	n.logger.Debug().Str("kind", ev.Kind).Str("url", n.url).Msg("webhook notification delivered")
	return nil
}

type commandNotifier struct {
	argv   []string
	logger zerolog.Logger
}

func (n *commandNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode command payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, n.argv[0], n.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify: command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	n.logger.Debug().Str("kind", ev.Kind).Str("command", n.argv[0]).Msg("command notification delivered")
	return nil
}
