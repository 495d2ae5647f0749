package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var (
	ErrKeyMissing           = errors.New("sendgrid api key is not set")
	ErrInvalidMailSender    = errors.New("invalid mail sender")
	ErrInvalidMailRecipient = errors.New("invalid mail recipient")
)

// EmailConfig configures the sendgrid alert backend.
type EmailConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SendgridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromEmail      string `mapstructure:"from_email"`
	ToEmail        string `mapstructure:"to_email"`
}

func (c EmailConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("enabled", c.Enabled),
		slog.String("from", c.FromEmail),
		slog.String("to", c.ToEmail),
		slog.String("sendgrid_api_key", mask(c.SendgridAPIKey)),
	)
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// sendTimeout caps one sendgrid call; Notify is invoked inline from the
// dispatch and sweep paths and must not hold them on a slow API.
const sendTimeout = 10 * time.Second

// EmailNotifier delivers alerts through sendgrid.
type EmailNotifier struct {
	cfg EmailConfig
}

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.SendgridAPIKey == "" {
		return nil, ErrKeyMissing
	}
	if cfg.FromEmail == "" {
		return nil, ErrInvalidMailSender
	}
	if cfg.ToEmail == "" {
		return nil, ErrInvalidMailRecipient
	}
	return &EmailNotifier{cfg: cfg}, nil
}

func (n *EmailNotifier) Notify(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	from := mail.NewEmail("SyncBox Alerts", n.cfg.FromEmail)
	to := mail.NewEmail(n.cfg.ToEmail, n.cfg.ToEmail)

	message := mail.NewSingleEmail(from, n.subject(ev), to, "", n.body(ev))
	client := sendgrid.NewSendClient(n.cfg.SendgridAPIKey)

	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		slog.Error("failed to send alert email", "error", err)
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	slog.Debug("alert email sent", "to", n.cfg.ToEmail, "status", resp.StatusCode, "messageId", resp.Headers["X-Message-Id"])
	return nil
}

func (n *EmailNotifier) subject(ev *Event) string {
	switch ev.Kind {
	case KindOverdue:
		return fmt.Sprintf("[SyncBox] overdue %s operation for partner %s", ev.Priority, ev.PartnerID)
	case KindConflict:
		return fmt.Sprintf("[SyncBox] sync conflict for partner %s", ev.PartnerID)
	default:
		return fmt.Sprintf("[SyncBox] %s alert for partner %s", ev.Kind, ev.PartnerID)
	}
}

func (n *EmailNotifier) body(ev *Event) string {
	body := fmt.Sprintf(
		"<p>Operation <b>%s</b> (%s %s/%s, device %s)</p>",
		ev.OperationID, ev.Priority, ev.EntityType, ev.EntityID, ev.DeviceID,
	)
	if ev.Kind == KindOverdue {
		since := humanize.RelTime(time.Now().Add(-ev.Age), time.Now(), "", "")
		body += fmt.Sprintf("<p>Pending for %s, past its SLA window.</p>", since)
	}
	if ev.Detail != "" {
		body += fmt.Sprintf("<p>Detail: %s</p>", ev.Detail)
	}
	return body
}
