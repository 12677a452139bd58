package imagecache

import (
	"fmt"

	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
	"github.com/always-cache/image-cache/transport"
)

// Code is the outcome of a request.
type Code int

const (
	// The request failed. Result.Err holds the transport error.
	CodeUnknown Code = 0
	// The resource was delivered, from the cache or from the transport.
	CodeSuccess Code = 4776
	// The request was superseded or canceled.
	// This is a neutral signal, not an error.
	CodeCanceled Code = -999
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeCanceled:
		return "canceled"
	case CodeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Stage tells which part of a request a result belongs to.
type Stage int

const (
	// The requested resource, or the full resource of a pair.
	StageFinal Stage = iota
	// The thumbnail of a pair.
	StageThumbnail
)

// Result is delivered to the completion callback.
type Result[R any] struct {
	Code     Code
	Key      cachekey.Key
	Stage    Stage
	Resource R
	// Set if the resource was served from the cache without fetching.
	FromCache bool
	// Set if the result comes from re-requesting the last successful locators
	// after the transport canceled the request.
	Recovered bool
	// Only set for CodeUnknown. It is a *transport.Error of kind KindFailure.
	Err error
}

// Completion receives the outcome of a request exactly once.
type Completion[R any] func(Result[R])

func canceledResult[R any](key cachekey.Key, stage Stage) Result[R] {
	return Result[R]{Code: CodeCanceled, Key: key, Stage: stage}
}

func failedResult[R any](key cachekey.Key, stage Stage, err error) Result[R] {
	return Result[R]{Code: CodeUnknown, Key: key, Stage: stage, Err: transport.Failure(key.Locator, 0, err)}
}

// RequestOption configures a single request.
type RequestOption[R any] func(*requestOptions[R])

type requestOptions[R any] struct {
	progress       transport.ProgressFunc
	placeholder    R
	hasPlaceholder bool
	stage          func(Result[R])
}

// WithProgress reports the download progress of every fetch of the request.
func WithProgress[R any](fn transport.ProgressFunc) RequestOption[R] {
	return func(o *requestOptions[R]) {
		o.progress = fn
	}
}

// WithPlaceholder makes the placeholder the current resource of the coordinator
// while the request is fetching. It stays current if the fetch fails or is canceled.
func WithPlaceholder[R any](placeholder R) RequestOption[R] {
	return func(o *requestOptions[R]) {
		o.placeholder = placeholder
		o.hasPlaceholder = true
	}
}

// WithStage receives the thumbnail result of a pair request before the full
// resource is fetched. It is not called for single requests.
func WithStage[R any](fn func(Result[R])) RequestOption[R] {
	return func(o *requestOptions[R]) {
		o.stage = fn
	}
}

func buildRequestOptions[R any](opts []RequestOption[R]) requestOptions[R] {
	o := requestOptions[R]{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
