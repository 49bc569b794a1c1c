package modmail

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrQueueFull    = errors.New("queue full")
)

var (
	ErrLinkMessage            = errors.New("link message error")
	ErrIgnoredMessage         = errors.New("ignored message")
	ErrMalformedThreadMessage = errors.New("malformed thread message")
	ErrThreadMessageNotFound  = errors.New("thread message not found")
	ErrDMMessageNotFound      = errors.New("dm message not found")
)

// LinkMessageError is returned by the message linker. errors.Is matches both
// ErrLinkMessage and the specific kind.
type LinkMessageError struct {
	Kind      error
	MessageID string
}

func (e *LinkMessageError) Error() string {
	kind := e.Kind
	if kind == nil {
		kind = ErrLinkMessage
	}
	if e.MessageID == "" {
		return kind.Error()
	}
	return fmt.Sprintf("%s: %s", kind.Error(), e.MessageID)
}

func (e *LinkMessageError) Is(target error) bool {
	return target == ErrLinkMessage || (e.Kind != nil && target == e.Kind)
}

func linkError(kind error, messageID string) error {
	return &LinkMessageError{Kind: kind, MessageID: messageID}
}

// UserVisible reports whether the failure should be shown to staff as
// "message not found" rather than swallowed or logged.
func (e *LinkMessageError) UserVisible() bool {
	return e.Kind == ErrThreadMessageNotFound || e.Kind == ErrDMMessageNotFound
}

var (
	ErrThread             = errors.New("thread error")
	ErrThreadNotReady     = errors.New("thread not ready")
	ErrThreadCancelled    = errors.New("thread cancelled")
	ErrThreadLogsNotFound = errors.New("thread logs not found")
)

type ThreadError struct {
	Kind     error
	ThreadID string
}

func (e *ThreadError) Error() string {
	kind := e.Kind
	if kind == nil {
		kind = ErrThread
	}
	if e.ThreadID == "" {
		return kind.Error()
	}
	return fmt.Sprintf("%s: %s", kind.Error(), e.ThreadID)
}

func (e *ThreadError) Is(target error) bool {
	return target == ErrThread || (e.Kind != nil && target == e.Kind)
}

func threadError(kind error, threadID string) error {
	return &ThreadError{Kind: kind, ThreadID: threadID}
}
