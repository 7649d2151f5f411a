// Package alerts — операционные оповещения о нарушениях инвариантов.
// Оповещение всегда пишется в лог; при заданном токене дублируется в Telegram.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
)

// Notifier отправляет оповещение операторам.
type Notifier interface {
	Alert(ctx context.Context, title string, fields log.Fields)
}

// LogNotifier пишет оповещения только в лог.
type LogNotifier struct{}

// Alert пишет оповещение уровнем Error.
func (LogNotifier) Alert(_ context.Context, title string, fields log.Fields) {
	log.WithFields(fields).WithField("alert", true).Error(title)
}

// TelegramNotifier дублирует оповещения в чаты операторов.
type TelegramNotifier struct {
	bot     *telego.Bot
	chatIDs []int64
	timeout time.Duration
}

// NewTelegram создаёт оповещатель через Telegram-бота.
func NewTelegram(token string, chatIDs []int64) (*TelegramNotifier, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram-бота: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, timeout: 5 * time.Second}, nil
}

// Alert пишет в лог и отправляет сообщение в каждый чат.
// Ошибки отправки логируются и не поднимаются выше.
func (n *TelegramNotifier) Alert(ctx context.Context, title string, fields log.Fields) {
	LogNotifier{}.Alert(ctx, title, fields)

	text := Format(title, fields)
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	for _, chatID := range n.chatIDs {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			log.WithError(err).WithField("chat_id", chatID).Warn("Не удалось отправить оповещение в Telegram")
		}
	}
}

// Format собирает текст оповещения: заголовок и поля по алфавиту.
func Format(title string, fields log.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("⚠️ ")
	b.WriteString(title)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, fields[k])
	}
	return b.String()
}

// Recorder запоминает оповещения. Используется в тестах.
type Recorder struct {
	mu     sync.Mutex
	alerts []string
}

// Alert сохраняет заголовок.
func (r *Recorder) Alert(_ context.Context, title string, _ log.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, title)
}

// Titles возвращает заголовки полученных оповещений.
func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}
