package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScope  = errors.New("invalid outbox scope")
	ErrAlreadyLocked = errors.New("scope is locked by another owner")
	ErrLockLost      = errors.New("lock token no longer owns the record")
	ErrScopeNotFound = errors.New("outbox scope not found")
	ErrInboxNotFound = errors.New("inbox state not found")

	ErrTransientStorage     = errors.New("transient storage error")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrExhausted            = errors.New("retry and redelivery budget exhausted")

	ErrHandlerNotRegistered     = errors.New("no handler registered for message type")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for message type")
	ErrPoisonMessage            = errors.New("message cannot be decoded")

	ErrReferralNotFound = errors.New("referral not found")
)

// HandlerFailure wraps a business handler error, panic or timeout.
// It counts against the retry and redelivery budget.
type HandlerFailure struct {
	MessageType string
	Attempt     int
	Err         error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler for %s failed on attempt %d: %v", e.MessageType, e.Attempt, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

func IsHandlerFailure(err error) bool {
	var hf *HandlerFailure
	return errors.As(err, &hf)
}

func IsTransientStorage(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
