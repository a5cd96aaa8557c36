package embed

import "fmt"

// InputError reports empty or whitespace-only texts in an Embed call.
// The positions are input indices; the caller filters and retries
// without the offending items.
type InputError struct {
	Indices []int
}

func (e *InputError) Error() string {
	return fmt.Sprintf("embed: empty input at indices %v", e.Indices)
}

// ServiceError reports chunks that still failed after retries were
// exhausted. Indices are the input positions left without vectors, so
// the caller can mark just those records as un-embedded instead of
// aborting the run.
type ServiceError struct {
	Indices []int
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("embed: %d inputs failed after retries: %v", len(e.Indices), e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// QuotaError is a permanent provider-side failure (auth or exhausted
// quota). Never retried; fatal to the run.
type QuotaError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("embed: quota/auth failure (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}
