// Package notify defines the outbound-notification contract between the
// core (engine, worker) and the chat presentation layer. The core never
// builds chat UI; it states which follow-up action class applies and the
// presentation layer picks the matching keyboard.
package notify

import "errors"

// FollowUp tells the presentation layer which action buttons belong
// under a notification.
type FollowUp int

const (
	FollowUpNone FollowUp = iota
	FollowUpNewCredential
	FollowUpRenewal
	FollowUpTrialExpired
	FollowUpBuy
)

// Notifier delivers one user-facing message. Delivery is at-least-once;
// dedup is the caller's job (notification flags in the ledger).
type Notifier interface {
	Notify(telegramID int64, text string, followUp FollowUp) error
	// Escalate pushes an operator-facing message with full context to
	// the admin channel. Best effort; never blocks the caller's path.
	Escalate(text string)
}

// Permanent reports whether a delivery failure is attributable to the
// recipient being unreachable (blocked the bot, deleted the account,
// never started a chat). Permanent failures must not be retried.
type Permanent interface {
	Permanent() bool
}

// IsPermanent classifies a Notifier error.
func IsPermanent(err error) bool {
	var p Permanent
	return errors.As(err, &p) && p.Permanent()
}
