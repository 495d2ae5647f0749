package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEmailConfig() EmailConfig {
	return EmailConfig{
		Enabled:        true,
		SendgridAPIKey: "SG.test-key",
		FromEmail:      "alerts@edgepos.example",
		ToEmail:        "ops@edgepos.example",
	}
}

func TestNewEmailNotifier_ConfigValidation(t *testing.T) {
	_, err := NewEmailNotifier(validEmailConfig())
	require.NoError(t, err)

	cfg := validEmailConfig()
	cfg.SendgridAPIKey = ""
	_, err = NewEmailNotifier(cfg)
	assert.ErrorIs(t, err, ErrKeyMissing)

	cfg = validEmailConfig()
	cfg.FromEmail = ""
	_, err = NewEmailNotifier(cfg)
	assert.ErrorIs(t, err, ErrInvalidMailSender)

	cfg = validEmailConfig()
	cfg.ToEmail = ""
	_, err = NewEmailNotifier(cfg)
	assert.ErrorIs(t, err, ErrInvalidMailRecipient)
}

func TestEmailConfig_LogValueMasksKey(t *testing.T) {
	s := validEmailConfig().LogValue().String()
	assert.NotContains(t, s, "SG.test-key")
	assert.Contains(t, s, "SG.t****")
}

func TestEmailNotifier_NotifyHonoursCancelledContext(t *testing.T) {
	n, err := NewEmailNotifier(validEmailConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err = n.Notify(ctx, &Event{
		Kind:        KindConflict,
		OperationID: "op-1",
		PartnerID:   "partner-1",
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "a dead context must not hold the caller")
}

func TestEmailNotifier_SubjectAndBody(t *testing.T) {
	n, err := NewEmailNotifier(validEmailConfig())
	require.NoError(t, err)

	overdue := &Event{
		Kind:        KindOverdue,
		OperationID: "op-1",
		PartnerID:   "partner-1",
		DeviceID:    "dev-1",
		EntityType:  "order",
		EntityID:    "order-1",
		Priority:    "critical",
		Age:         10 * time.Minute,
	}
	assert.Contains(t, n.subject(overdue), "overdue critical operation")
	assert.Contains(t, n.body(overdue), "op-1")
	assert.Contains(t, n.body(overdue), "past its SLA window")

	conflict := &Event{Kind: KindConflict, OperationID: "op-2", PartnerID: "partner-1", Detail: "data_mismatch"}
	assert.Contains(t, n.subject(conflict), "sync conflict")
	assert.Contains(t, n.body(conflict), "data_mismatch")
}
