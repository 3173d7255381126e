package notify

import (
	"context"
	"unicode/utf8"
)

const (
	discordMaxTitle       = 256
	discordMaxDescription = 4096
)

// Embed colours per flow event.
var discordColors = map[string]int{
	EventFlowSuccess:         0x2ecc71,
	EventFlowFailed:          0xe74c3c,
	EventConfirmationTimeout: 0xf1c40f,
}

const discordDefaultColor = 0x95a5a6

// DiscordSender posts flow notifications as webhook embeds.
type DiscordSender struct {
	webhookURL string
	client     httpDoer
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
}

func (d *DiscordSender) Send(ctx context.Context, m Message) error {
	color, ok := discordColors[m.Event]
	if !ok {
		color = discordDefaultColor
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []discordEmbed{{
			Title:       truncate(m.Title, discordMaxTitle),
			Description: truncate(m.Body, discordMaxDescription),
			Color:       color,
		}},
	})
}

func (d *DiscordSender) Name() string { return "discord" }

// truncate cuts s to at most max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
