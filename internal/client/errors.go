package client

import (
	"errors"
	"fmt"
)

// GenericFailure is shown when the server gives no usable detail.
const GenericFailure = "request failed"

// ErrSessionExpired is the terminal result of the server rejecting the
// credential. Local session state has already been cleared; the application
// shell should navigate to EntryPoint when Redirect is set.
type ErrSessionExpired struct {
	Redirect   bool
	EntryPoint string
}

func (e ErrSessionExpired) Error() string {
	return "session expired, please log in again"
}

// ErrAPI is any other server-reported failure. Detail is the server's
// human-readable message, or GenericFailure.
type ErrAPI struct {
	Status     int
	Detail     string
	RetryAfter int // seconds, set on 429 when the server says
}

func (e ErrAPI) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (status %d, retry after %d seconds)", e.Detail, e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("%s (status %d)", e.Detail, e.Status)
}

// ErrNetwork means no response came back: connection failure, timeout or
// cancellation. Callers should offer a retry rather than ask for new input.
type ErrNetwork struct {
	Err     error
	Timeout bool
}

func (e ErrNetwork) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network unreachable (timed out): %v", e.Err)
	}
	return fmt.Sprintf("network unreachable: %v", e.Err)
}

func (e ErrNetwork) Unwrap() error { return e.Err }

// IsSessionExpired reports whether err is (or wraps) ErrSessionExpired.
func IsSessionExpired(err error) bool {
	var target ErrSessionExpired
	return errors.As(err, &target)
}

// IsNetwork reports whether err is (or wraps) ErrNetwork.
func IsNetwork(err error) bool {
	var target ErrNetwork
	return errors.As(err, &target)
}

// AsAPI extracts an ErrAPI from err.
func AsAPI(err error) (ErrAPI, bool) {
	var target ErrAPI
	ok := errors.As(err, &target)
	return target, ok
}
