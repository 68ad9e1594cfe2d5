package notify

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("notify: mail not found")

// State is the delivery state of a queued mail.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDelivered  State = "delivered"
	// StateFailed is terminal: the mail ran out of attempts.
	StateFailed State = "failed"
)

// Kind selects the notification template.
type Kind string

const (
	KindAccountCreated  Kind = "account_created"
	KindPasswordChanged Kind = "password_changed"
	KindTOTPEnabled     Kind = "totp_enabled"
	KindTOTPDisabled    Kind = "totp_disabled"
)

// Mail is a queued outbound notification.
type Mail struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Recipient string            `json:"recipient"`
	Kind      Kind              `json:"kind"`
	Data      map[string]string `json:"data,omitempty"`
	State     State             `json:"state"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Queue persists mails and moves them through
// pending -> processing -> delivered | failed.
type Queue interface {
	Enqueue(ctx context.Context, m *Mail) error
	// Claim moves up to limit mails to processing, oldest first. Besides
	// pending mails it takes back processing mails untouched for longer
	// than lease, which covers dispatchers that died mid-batch. A lease
	// of zero only claims pending mails.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Mail, error)
	MarkDelivered(ctx context.Context, id string) error
	// Release returns a processing mail to pending and counts the attempt.
	Release(ctx context.Context, id string) error
	// MarkFailed parks a processing mail in the failed state and counts the attempt.
	MarkFailed(ctx context.Context, id string) error
}

// Sender delivers a single mail.
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// NewMail builds a pending notification addressed to an account.
func NewMail(kind Kind, accountID, recipient, firstName string) *Mail {
	m := &Mail{Kind: kind, AccountID: accountID, Recipient: recipient, State: StatePending}
	if firstName != "" {
		m.Data = map[string]string{"first_name": firstName}
	}
	return m
}
