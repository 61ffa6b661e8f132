package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrTooManyConcurrentJobs = errors.New("too many concurrent jobs")
	ErrProviderUnavailable   = errors.New("generation provider unavailable")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrMalformedEvent        = errors.New("malformed webhook event")
	ErrJobNotYetVisible      = errors.New("job not yet visible")
	ErrJobNotFound           = errors.New("job not found")
	ErrOrderNotFound         = errors.New("payment order not found")
	ErrAmountMismatch        = errors.New("payment amount does not match order")
)

// ValidationError lists rejected request fields by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
