package telegram_bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"fleet-control/internal/models"
)

// Bot posts model-lifecycle events to an operator chat. All sends are
// best-effort: a delivery failure is logged and forgotten.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewBot creates a Telegram notifier for the given operator chat.
func NewBot(token string, chatID int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Info("Telegram notifier initialized", zap.String("bot", api.Self.UserName))
	return &Bot{api: api, chatID: chatID, logger: logger}, nil
}

// NotifyRetrainingCompleted announces a successful retraining job.
func (b *Bot) NotifyRetrainingCompleted(job *models.RetrainingJob) {
	text := fmt.Sprintf(
		"✅ Retraining job %s completed\nModel version: %s\nValidation accuracy: %.4f\nSamples: %d",
		job.JobID, job.ModelVersion, job.ValAccuracy, job.NumSamples)
	b.sendMessage(text)
}

// NotifyRetrainingFailed announces a failed retraining job with its reason.
func (b *Bot) NotifyRetrainingFailed(job *models.RetrainingJob) {
	text := fmt.Sprintf(
		"❌ Retraining job %s failed\nReason: %s",
		job.JobID, job.ErrorMessage)
	b.sendMessage(text)
}

// NotifyDeploymentCompleted announces a finished rollout with its per-device
// accounting.
func (b *Bot) NotifyDeploymentCompleted(deployment *models.DeploymentJob) {
	text := fmt.Sprintf(
		"📦 Rollout %s of %s finished\nSucceeded: %d\nFailed: %d",
		deployment.DeploymentID, deployment.ModelVersion,
		deployment.SuccessCount, deployment.FailureCount)
	b.sendMessage(text)
}

func (b *Bot) sendMessage(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send Telegram notification", zap.Error(err))
	}
}
