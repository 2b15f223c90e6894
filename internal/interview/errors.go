package interview

import (
	"errors"
	"fmt"
	"net/http"
)

// RateLimitMessage is shown to the candidate when the evaluation backend
// is throttled and gave no detail of its own.
const RateLimitMessage = "AI rate limit reached. Please wait a minute and try again."

var (
	// ErrRateLimited matches any APIError with status 429.
	ErrRateLimited = errors.New("interview: rate limited")
	// ErrInvalidStage is returned when an action does not fit the current stage.
	ErrInvalidStage = errors.New("interview: invalid stage")
	// ErrEmptyInput is returned for a blank resume, role or answer.
	ErrEmptyInput = errors.New("interview: empty input")
)

// APIError is a non-2xx response from the interview API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("interview api: %d: %s", e.StatusCode, e.Detail)
}

// Is makes errors.Is(err, ErrRateLimited) true for 429 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
