package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a status change breaks the
	// message lifecycle rules, e.g. a sender marking their own message read.
	ErrInvalidTransition = errors.New("chat: invalid status transition")

	// ErrInvalidParty is returned for an empty party id or a conversation of
	// a user with themselves.
	ErrInvalidParty = errors.New("chat: invalid conversation party")

	// ErrSendFailed matches every *SendError.
	ErrSendFailed = errors.New("chat: send failed")
)

// Send failure reasons.
const (
	ReasonEmptyText       = "empty text"
	ReasonInvalidText     = "invalid text"
	ReasonInvalidReceiver = "invalid receiver"
	ReasonRateLimited     = "rate limited"
	ReasonBlocked         = "blocked content"
	ReasonStore           = "store error"
)

// SendError reports why a message was not persisted. Nothing is written when
// a SendError is returned.
type SendError struct {
	Reason string
	Err    error // underlying cause, may be nil
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat: send failed: %s: %v", e.Reason, e.Err)
	}
	return "chat: send failed: " + e.Reason
}

// Is makes errors.Is(err, ErrSendFailed) hold for any SendError.
func (e *SendError) Is(target error) bool {
	return target == ErrSendFailed
}

func (e *SendError) Unwrap() error {
	return e.Err
}
