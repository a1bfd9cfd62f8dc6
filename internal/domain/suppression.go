package domain

// EmailStatus is the deliverability state of a recipient address.
type EmailStatus string

const (
	EmailActive       EmailStatus = "active"
	EmailBounced      EmailStatus = "bounced"
	EmailComplained   EmailStatus = "complained"
	EmailUnsubscribed EmailStatus = "unsubscribed"
)

// BounceType distinguishes permanent from transient bounces.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// Suppression is the deliverability view of a recipient, matched
// case-insensitively on the normalized email.
type Suppression struct {
	Email       string      `json:"email" db:"email"`
	Status      EmailStatus `json:"email_status" db:"email_status"`
	IsBounced   bool        `json:"is_bounced" db:"is_bounced"`
	BounceType  BounceType  `json:"bounce_type" db:"bounce_type"`
	BounceCount int         `json:"bounce_count" db:"bounce_count"`
	LastMessage string      `json:"last_message" db:"last_message"`
}

// Suppressed returns true when the recipient must not receive marketing
// mail, together with a machine-readable reason.
func (s Suppression) Suppressed() (bool, string) {
	switch {
	case s.Status == EmailUnsubscribed:
		return true, "unsubscribed"
	case s.Status == EmailComplained:
		return true, "complained"
	case s.IsBounced || s.Status == EmailBounced:
		if s.BounceType == BounceSoft {
			return true, "bounced:soft"
		}
		return true, "bounced:hard"
	}
	return false, ""
}
