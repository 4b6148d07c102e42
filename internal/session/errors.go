package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/internal/overflow"
	"loom/internal/provider"
)

// Kind classifies a chat failure. Admission kinds reject the request
// before a turn starts; generation kinds are recorded on the assistant
// message so the turn still lands in history.
type Kind string

const (
	KindBusy            Kind = "busy"
	KindQueueOverflow   Kind = "queue_overflow"
	KindQueueTimeout    Kind = "queue_timeout"
	KindContextOverflow Kind = "context_overflow"
	KindToolValidation  Kind = "tool_validation"
	KindMissingTool     Kind = "missing_tool"
	KindAuth            Kind = "auth"
	KindAborted         Kind = "aborted"
	KindUnknown         Kind = "unknown"
)

// Error is a classified session failure.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a session *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func errBusy(sessionID string) *Error {
	return newError(KindBusy, fmt.Sprintf("session %s already has a generation in flight", sessionID), nil)
}

func errQueueOverflow(capacity int) *Error {
	return newError(KindQueueOverflow, fmt.Sprintf("session queue is full (%d pending)", capacity), nil)
}

func errQueueTimeout(waited time.Duration) *Error {
	return newError(KindQueueTimeout, fmt.Sprintf("queued request expired after %s", waited.Round(time.Second)), nil)
}

func errAborted(msg string) *Error {
	if msg == "" {
		msg = "generation aborted"
	}
	return newError(KindAborted, msg, context.Canceled)
}

func errMissingTool(name, suggestion string) *Error {
	msg := fmt.Sprintf("tool %q is not available", name)
	if suggestion != "" {
		msg = fmt.Sprintf("%s; closest known tool is %q", msg, suggestion)
	}
	return newError(KindMissingTool, msg, nil)
}

func errToolValidation(name, detail string) *Error {
	return newError(KindToolValidation, fmt.Sprintf("tool %q arguments rejected: %s", name, detail), nil)
}

func errStillTooLarge() *Error {
	return newError(KindContextOverflow, overflow.ErrStillTooLarge.Error(), overflow.ErrStillTooLarge)
}

func errUnknown(cause error) *Error {
	return newError(KindUnknown, "", cause)
}

// Classify maps an arbitrary failure from the generation path onto the
// taxonomy. Session errors pass through unchanged; provider errors map
// by code; context cancellation becomes an abort. Overflow that survived
// recovery, including a compaction refused by its cooldown, surfaces as
// the user-facing still-too-large error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if se, ok := AsError(err); ok {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errAborted("")
	}
	if errors.Is(err, overflow.ErrStillTooLarge) {
		return errStillTooLarge()
	}
	var cooldown *overflow.CooldownError
	if errors.As(err, &cooldown) {
		return errStillTooLarge()
	}
	if pe, ok := provider.AsProviderError(err); ok {
		switch pe.Code {
		case provider.ErrCodeAuthFailed, provider.ErrCodeTokenExpired:
			return newError(KindAuth, pe.Message, err)
		case provider.ErrCodeContextWindow:
			return newError(KindContextOverflow, pe.Message, err)
		case provider.ErrCodeAborted:
			return errAborted(pe.Message)
		}
		return newError(KindUnknown, pe.Message, err)
	}
	return errUnknown(err)
}
