package httpapi

import (
	"fmt"

	imagecache "github.com/always-cache/image-cache"
)

// StatusHeader is set on every image response, formatted like the
// Cache-Status header of RFC 9211.
const StatusHeader = "Image-Cache-Status"

const statusCacheName = "ImageCache"

type CacheStatusStatus string

const (
	CacheStatusHit      CacheStatusStatus = "hit"
	CacheStatusFwd      CacheStatusStatus = "fwd"
	CacheStatusCanceled CacheStatusStatus = "canceled"
)

type CacheStatusFwdReason string

const (
	// The request was not handled by the cache, e.g. an invalid locator.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The cache did not contain the resource.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"
)

type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Canceled() {
	cs.status = CacheStatusCanceled
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", statusCacheName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// statusFor describes how the result was produced.
func statusFor(res imagecache.Result[[]byte]) CacheStatus {
	var cs CacheStatus
	switch res.Code {
	case imagecache.CodeSuccess:
		if res.FromCache {
			cs.Hit()
		} else {
			cs.Forward(CacheStatusFwdMiss)
			cs.Stored()
		}
	case imagecache.CodeCanceled:
		cs.Canceled()
	default:
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail("failed")
	}
	if res.Recovered {
		cs.Detail("recovered")
	}
	return cs
}
