package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
)

const (
	telegramAPI = "https://api.telegram.org"

	// Message length caps of the two services.
	telegramTextLimit   = 4096
	discordContentLimit = 2000
)

// TelegramSender posts alerts through a bot to one chat.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{token: token, chatID: chatID, apiBase: telegramAPI, client: &http.Client{Timeout: sendTimeout}}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send uses HTML parse mode: entity refs and job categories contain
// underscores, which Markdown would read as emphasis.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(message))
	return postJSON(ctx, t.client, t.Name(), fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token), telegramMessage{
		ChatID:                t.chatID,
		Text:                  truncate(text, telegramTextLimit),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
}

func (t *TelegramSender) Name() string { return "telegram" }

// DiscordSender posts alerts to a channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: sendTimeout}}
}

type discordMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Send cuts long bodies (chain revert reasons) to the webhook limit.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, discordMessage{
		Username: "takaledger",
		Content:  truncate(fmt.Sprintf("**%s**\n%s", title, message), discordContentLimit),
	})
}

func (d *DiscordSender) Name() string { return "discord" }

// truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
