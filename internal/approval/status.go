package approval

import (
	"errors"
	"fmt"
)

// Status is the server-side state of an approval ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

var (
	ErrTicketNotFound    = errors.New("approval ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrNotApproved       = errors.New("approval ticket is not approved")
	ErrNotGranted        = errors.New("approval ticket has not been granted")
)

// ParseStatus maps a wire string to a Status. Unknown values are rejected
// rather than guessed.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Transition validates a status change. Only pending may move, and only to
// a terminal status.
func Transition(from, to Status) error {
	if from != StatusPending || !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
