// Package notifier pushes download lifecycle notifications to external services.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/grantflow/download_manager/internal/download"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string

	// Client is used for webhook delivery. Falls back to a client with a
	// short timeout so a slow webhook never stalls event consumers.
	Client *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// CompletedMessage formats a notification for a finished download.
func CompletedMessage(rec *download.Record) string {
	return fmt.Sprintf("✅ Download completed: %s (%s)", rec.Filename, humanize.Bytes(uint64(rec.ReceivedBytes)))
}

// FailedMessage formats a notification for a failed download.
func FailedMessage(rec *download.Record) string {
	reason := rec.LastError
	if reason == "" {
		reason = "unknown error"
	}

	return fmt.Sprintf("❌ Download failed: %s (%s)", rec.Filename, reason)
}
