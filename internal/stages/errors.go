package stages

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/llm"
)

type Class string

const (
	// ClassValidation errors are caused by the input and are never retried.
	ClassValidation Class = "validation"
	// ClassTransient errors are infrastructure hiccups worth retrying.
	ClassTransient Class = "transient"
	// ClassRecoverable errors end the stage but the student can fix them,
	// for example by rephrasing the question.
	ClassRecoverable Class = "recoverable"
	// ClassFatal errors end the stage and retrying cannot help.
	ClassFatal Class = "fatal"
)

type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(class Class, msg string, err error) *Error {
	return &Error{Class: class, Message: msg, Err: err}
}

func Validationf(format string, args ...any) error {
	return &Error{Class: ClassValidation, Message: fmt.Sprintf(format, args...)}
}

func Recoverablef(format string, args ...any) error {
	return &Error{Class: ClassRecoverable, Message: fmt.Sprintf(format, args...)}
}

func Fatalf(format string, args ...any) error {
	return &Error{Class: ClassFatal, Message: fmt.Sprintf(format, args...)}
}

type retryable interface {
	Retryable() bool
}

// Classify maps any stage error onto a Class. Unknown errors count as
// transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassTransient
	}
	if status, ok := llm.StatusCode(err); ok {
		return classifyStatus(status)
	}
	var r retryable
	if errors.As(err, &r) {
		if r.Retryable() {
			return ClassTransient
		}
		return ClassValidation
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultClient {
			return ClassValidation
		}
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

func classifyStatus(status int) Class {
	switch {
	case status == 408 || status == 409 || status == 425 || status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassValidation
	default:
		return ClassTransient
	}
}

func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// Message is the human-readable part of err for events.
func Message(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
