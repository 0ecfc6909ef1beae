package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ecgmon/config"
	"ecgmon/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type TelegramService struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	config *config.Config
	logger *zap.Logger
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := &TelegramService{
		bot:    bot,
		chatID: chatID,
		config: cfg,
		logger: logger,
	}

	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramService) Name() string {
	return "telegram"
}

// Notify sends one formatted alert. Throttling is done by the dispatcher.
func (ts *TelegramService) Notify(_ context.Context, alert *models.Alert) error {
	return ts.send(formatAlertMessage(alert))
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	return nil
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage() error {
	message := "🟢 <b>ECG Monitoring Service Started</b>\n\n" +
		fmt.Sprintf("📡 Telemetry: <code>%s</code>\n", ts.config.TelemetryTopic) +
		fmt.Sprintf("💓 Heart rate band: %.0f-%.0f BPM\n", ts.config.BpmWarnLow, ts.config.BpmWarnHigh) +
		"🤖 Telegram notifications active\n\n" +
		"✅ System is ready and operational!"

	return ts.send(message)
}

// formatAlertMessage creates a mobile-friendly message for one alert
func formatAlertMessage(alert *models.Alert) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n\n", alert.GetAlertEmoji(), alertTitle(alert)))

	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", alert.DeviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", alert.Timestamp.Format("2006-01-02 15:04:05")))

	switch alert.Family() {
	case "bpm":
		sb.WriteString(fmt.Sprintf("💓 <b>Heart Rate:</b> %.0f BPM (limit %.0f)\n", alert.Value, alert.Threshold))
	case "liveness":
		if alert.Type == models.DeviceCameBack {
			sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n", formatDuration(time.Duration(alert.Value*float64(time.Second)))))
		}
	}

	sb.WriteString(fmt.Sprintf("\n%s %s\n\n", alert.GetSeverityColor(), alert.Description))
	sb.WriteString(fmt.Sprintf("<b>Status:</b> %s", strings.ToUpper(string(alert.Severity))))

	return sb.String()
}

func alertTitle(alert *models.Alert) string {
	switch alert.Type {
	case models.BpmTooHigh:
		return "HIGH HEART RATE"
	case models.BpmTooLow:
		return "LOW HEART RATE"
	case models.DeviceWentDown:
		return "DEVICE OFFLINE"
	case models.DeviceCameBack:
		return "DEVICE RECOVERED"
	default:
		return "ECG ALERT"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
