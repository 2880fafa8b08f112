package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"botwatch/internal/application/port"
	"botwatch/internal/domain"
)

type sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Notifier posts notifications to one chat. Sends are paced to one per
// second, the per-chat limit the Bot API enforces.
type Notifier struct {
	bot     sender
	chatID  int64
	limiter *rate.Limiter
}

// New 创建 Telegram 通知器，token 无效时返回错误；发送限速为每秒 1 条
func New(token string, chatID int64) (*Notifier, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newNotifier(b, chatID), nil
}

func newNotifier(bot sender, chatID int64) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, limiter: rate.NewLimiter(rate.Limit(1), 3)}
}

func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbot.NewMessage(n.chatID, Format(ev))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Format renders ev as plain text.
func Format(ev domain.Event) string {
	var b strings.Builder
	switch ev.Type {
	case domain.NotificationBotActivated:
		b.WriteString("🟢 ")
	case domain.NotificationTradeClosed:
		b.WriteString("🔴 ")
	case domain.NotificationWarning, domain.NotificationError:
		b.WriteString("⚠️ ")
	}
	if ev.Title != "" {
		b.WriteString(ev.Title)
		b.WriteString("\n")
	}
	b.WriteString(ev.Message)
	if v, ok := ev.Metadata["entryPrice"].(float64); ok && v > 0 {
		fmt.Fprintf(&b, "\nentry: %g", v)
	}
	if v, ok := ev.Metadata["leverage"].(float64); ok && v > 0 {
		fmt.Fprintf(&b, "\nleverage: %gx", v)
	}
	return b.String()
}

var _ port.Notifier = (*Notifier)(nil)
