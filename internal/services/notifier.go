package services

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/klinefleet/klinefleet/internal/config"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/sirupsen/logrus"
)

// Notifier pushes operator alerts for agent lifecycle transitions over
// Telegram. Alerting is best-effort and optional: with no bot token
// configured every call is a no-op, and a failed send is logged, never
// propagated.
type Notifier struct {
	bot    *bot.Bot
	chatID string
	logger *logrus.Logger
}

// NewNotifier creates the notifier. Returns a disabled notifier when the
// token or chat id is missing.
func NewNotifier(cfg config.TelegramConfig, logger *logrus.Logger) *Notifier {
	n := &Notifier{chatID: cfg.ChatID, logger: logger}

	if cfg.BotToken == "" || cfg.ChatID == "" {
		logger.Info("Telegram notifier disabled (no bot token or chat id configured)")
		return n
	}

	b, err := bot.New(cfg.BotToken)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize Telegram bot, notifier disabled")
		return n
	}
	n.bot = b
	return n
}

// AgentOffline alerts that an agent was confirmed dead and its symbols freed.
func (n *Notifier) AgentOffline(ctx context.Context, agent *models.Agent, reason string) {
	n.send(ctx, fmt.Sprintf("🔴 Agent %s marked offline: %s (%d symbols freed for reassignment)",
		agent.Address(), reason, len(agent.AssignedSymbols)))
}

// AgentRecovered alerts that a previously offline agent answered a probe.
func (n *Notifier) AgentRecovered(ctx context.Context, agent *models.Agent) {
	n.send(ctx, fmt.Sprintf("🟢 Agent %s is back online", agent.Address()))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if n.bot == nil {
		return
	}

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   text,
	})
	if err != nil {
		n.logger.WithError(err).Warn("Failed to send Telegram notification")
	}
}
