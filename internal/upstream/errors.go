// Package upstream contains the HTTP clients for the two external
// collaborators of the pipeline: the AI extraction engine and the
// notification provider. Both live behind one base URL and share an API key.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// UpstreamError wraps any failure of an outbound provider call. StatusCode is
// zero for transport-level failures (connection refused, timeout). Detail
// carries a snippet of the provider's error body so the recorded failure
// reason names what the provider actually objected to.
type UpstreamError struct {
	Op         string // "extract" or "notify"
	StatusCode int
	Detail     string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		if e.Detail != "" {
			return fmt.Sprintf("upstream %s: status %d: %s", e.Op, e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("upstream %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: rate limiting,
// server-side errors, timeouts, and transport faults. Client errors such as
// 400 or 401 are permanent.
func (e *UpstreamError) Transient() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode != 0 {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	// Remaining transport faults (refused connection, reset, DNS).
	return e.Err != nil
}
