package chat

import (
	"fmt"
)

// Status is the delivery state of a message. It only ever moves forward:
// Sent, then Delivered, then Read. Delivered may be skipped.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ParseStatus converts a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSent, StatusDelivered, StatusRead:
		return st, nil
	default:
		return "", fmt.Errorf("chat: unknown status %q", s)
	}
}

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s Status) Before(other Status) bool {
	return s.rank() > 0 && s.rank() < other.rank()
}

// sources lists the stored values from which target can be reached. It is
// the guard of the conditional status update, which keeps concurrent writers
// from ever moving a message backwards.
func sources(target Status) []string {
	switch target {
	case StatusDelivered:
		return []string{string(StatusSent)}
	case StatusRead:
		return []string{string(StatusSent), string(StatusDelivered)}
	default:
		return nil
	}
}

// checkTransition decides whether actor may move m to target. It returns
// false with a nil error when m is already at or past target.
func checkTransition(m Message, actor string, target Status) (bool, error) {
	if target != StatusDelivered && target != StatusRead {
		return false, fmt.Errorf("%w: %s is not a transition target", ErrInvalidTransition, target)
	}
	if actor == "" || actor != m.ReceiverID {
		return false, fmt.Errorf("%w: %s is not the receiver of message %s", ErrInvalidTransition, actor, m.ID)
	}
	if m.Status.rank() == 0 {
		return false, fmt.Errorf("%w: message %s has unknown status %q", ErrInvalidTransition, m.ID, m.Status)
	}
	return m.Status.Before(target), nil
}
