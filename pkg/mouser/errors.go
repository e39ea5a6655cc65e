package mouser

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the search API could not be reached or kept
// failing after retries. Callers should treat the search as failed, not the
// keyword as unmatched.
var ErrUnavailable = errors.New("mouser: service unavailable")

// ErrRateLimited indicates the API rejected the request for quota reasons.
// Callers should stop issuing further searches for the current batch.
var ErrRateLimited = errors.New("mouser: rate limited")

// APIError is a structured error returned in the response body.
type APIError struct {
	Code         string
	Message      string
	PropertyName string
}

func (e *APIError) Error() string {
	if e.PropertyName != "" {
		return fmt.Sprintf("mouser: api error %s on %s: %s", e.Code, e.PropertyName, e.Message)
	}
	return fmt.Sprintf("mouser: api error %s: %s", e.Code, e.Message)
}
