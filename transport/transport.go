// Package transport defines how resources are fetched from their locators.
//
// A Transport starts a fetch and returns immediately; the result is delivered
// asynchronously to the completion callback. Fetches can be canceled through
// the returned Handle. Cancellation is best effort: the completion callback is
// still invoked, with an error of kind KindCanceled.
package transport

import (
	"errors"
	"fmt"

	progress "github.com/always-cache/image-cache/pkg/progress-reader"
)

// ErrCanceled matches (with errors.Is) every *Error of kind KindCanceled.
var ErrCanceled = errors.New("request canceled")

// Kind classifies transport errors.
type Kind int

const (
	// Network, HTTP status or decoding failure.
	KindFailure Kind = iota
	// The request was canceled before it completed.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindFailure:
		return "failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type delivered by transports.
type Error struct {
	Kind    Kind
	Locator string
	// HTTP status code, if the failure was caused by the response status.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindCanceled {
		return fmt.Sprintf("fetch %s: %s", e.Locator, ErrCanceled)
	}
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Locator, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s", e.Locator, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrCanceled && e.Kind == KindCanceled
}

// Canceled returns the error for a canceled fetch.
func Canceled(locator string) *Error {
	return &Error{Kind: KindCanceled, Locator: locator}
}

// Failure returns the error for a failed fetch.
// An error that already is a *Error is returned as is.
func Failure(locator string, statusCode int, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindFailure, Locator: locator, StatusCode: statusCode, Err: err}
}

// IsCanceled reports whether err signals a canceled fetch.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// ProgressFunc receives the number of bytes received so far and the expected
// total (-1 if unknown).
type ProgressFunc = progress.Func

// CompletionFunc receives the fetched bytes, or an error.
type CompletionFunc func(body []byte, err error)

// Handle cancels an issued fetch.
type Handle interface {
	Cancel()
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func()

func (f HandleFunc) Cancel() {
	f()
}

// Transport fetches resources.
//
// Implementations must be safe for concurrent use, must not block in Fetch,
// and must invoke onComplete exactly once per Fetch, also after Cancel.
// onProgress may be nil.
type Transport interface {
	Fetch(locator string, onProgress ProgressFunc, onComplete CompletionFunc) Handle
}
