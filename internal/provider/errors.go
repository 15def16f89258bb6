package provider

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors classifying backend failures. Callers branch on these
// with errors.Is; the concrete SDK error stays wrapped underneath.
var (
	ErrAuth        = errors.New("provider: authentication failed")
	ErrBadRequest  = errors.New("provider: bad request")
	ErrRateLimited = errors.New("provider: rate limited")
	ErrTimeout     = errors.New("provider: request timed out")
	ErrNotFound    = errors.New("provider: model or endpoint not found")
	ErrUnsupported = errors.New("provider: operation not supported")
)

// classifyStatus maps an HTTP status code from a provider API to one of
// the sentinel errors, or nil when the status is not an error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 400 && status < 500:
		return ErrBadRequest
	}
	return nil
}

// classifyErr wraps err with the matching sentinel when one applies.
func classifyErr(err error, status int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	if sentinel := classifyStatus(status); sentinel != nil {
		return errors.Join(sentinel, err)
	}
	return err
}
