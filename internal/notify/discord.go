package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender delivers alerts to a Discord channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
	}
}

// Send posts the alert to the webhook, with the title bolded.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := struct {
		Content string `json:"content"`
	}{
		Content: "**" + title + "**\n" + message,
	}

	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
