// Package security provides validation, sanitization, and limits for dispatchq.
package security

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

// Limits enforced at submission and storage time.
const (
	// MaxIDLength is the maximum length for execution and job ids.
	MaxIDLength = 255

	// MaxJobTypeLength is the maximum length for job type names.
	MaxJobTypeLength = 255

	// MaxConfigSize is the maximum serialized size in bytes for a job's
	// config payload (1MB).
	MaxConfigSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts.
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency.
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages.
	MaxErrorMessageLength = 4096
)

// validID matches alphanumeric, hyphens, underscores, and dots.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// ValidateJob checks a job against submission preconditions.
func ValidateJob(job *core.Job) error {
	if job.ExecutionID == "" {
		return core.ErrMissingExecutionID
	}
	if job.JobID == "" {
		return core.ErrMissingJobID
	}
	if len(job.ExecutionID) > MaxIDLength || len(job.JobID) > MaxIDLength ||
		!validID.MatchString(job.ExecutionID) || !validID.MatchString(job.JobID) {
		return core.ErrInvalidJobID
	}
	if job.Type == "" || len(job.Type) > MaxJobTypeLength || !validID.MatchString(job.Type) {
		return core.ErrInvalidJobType
	}
	if job.Priority < core.MinPriority || job.Priority > core.MaxPriority {
		return core.ErrPriorityOutOfRange
	}
	if job.MaxRetries < 0 {
		return core.ErrNegativeRetries
	}
	if job.Config != nil {
		b, err := json.Marshal(job.Config)
		if err != nil || len(b) > MaxConfigSize {
			return core.ErrConfigTooLarge
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Strip null bytes and control characters, keeping newlines and tabs.
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
