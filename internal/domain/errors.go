package domain

import (
	"errors"
	"fmt"
)

// ConfigError marks a structural configuration problem: an unknown plugin,
// a missing required parameter, a dangling provider reference, or an invalid
// external store. Jobs fail to start on this error; they never enter running.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

func NewConfigError(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// MissingSecretError is returned by the secret store when a process.env.NAME
// reference cannot be resolved. It fails job creation, not execution.
type MissingSecretError struct {
	Name string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("missing secret %q", e.Name)
}

// QuotaError marks a run-count quota rejection. AI-quota exhaustion is not
// an error — it degrades the job (see domain.Job.AISkipped) instead.
type QuotaError struct {
	Reason string
}

func (e *QuotaError) Error() string { return "quota exceeded: " + e.Reason }

func NewQuotaError(format string, args ...any) error {
	return &QuotaError{Reason: fmt.Sprintf(format, args...)}
}

// RetryableError wraps a transient external fault (network, rate limit).
// The pipeline retries with bounded backoff and, on exhaustion, skips the
// affected plugin for the current cycle instead of failing the job.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "transient error: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// FatalError wraps an unrecoverable fault (storage corruption, logic bug).
// It fails the job; continuous jobs do not auto-resume.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ErrPaymentUsed is returned when a settlement proof's signature was already
// recorded. It maps to HTTP 400 per spec §8 scenario 3.
var ErrPaymentUsed = fmt.Errorf("payment has already been used")

// ErrPaymentExpired is returned when a settlement proof's memo has passed
// its expiresAt. It maps to HTTP 402.
var ErrPaymentExpired = fmt.Errorf("payment memo has expired")
