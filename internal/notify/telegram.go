package notify

import (
	"context"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts flow notifications through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  httpDoer
}

// NewTelegramSender creates a TelegramSender for a bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{token: token, chatID: chatID, baseURL: telegramAPI, client: newHTTPClient()}
}

// WithBaseURL points the sender at another Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

// markdownEscaper escapes the legacy Markdown metacharacters; operation
// kinds and guard keys contain underscores.
var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

var telegramMarks = map[string]string{
	EventFlowSuccess:         "✅ ",
	EventFlowFailed:          "❌ ",
	EventConfirmationTimeout: "⏳ ",
}

func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	text := telegramMarks[m.Event] + "*" + markdownEscaper.Replace(m.Title) + "*"
	if m.Body != "" {
		text += "\n" + markdownEscaper.Replace(m.Body)
	}
	return postJSON(ctx, t.client, "telegram", t.baseURL+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
