package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// ConfigError reports that the agent core cannot run because no usable
// model or credentials are configured.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("LLM not configured: %s: %v", e.Reason, e.Err)
	}
	return "LLM not configured: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config builds a *ConfigError. err may be nil.
func Config(err error, format string, a ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, a...), Err: err}
}

// IsConfig reports whether err carries a *ConfigError anywhere in its chain.
func IsConfig(err error) bool {
	var ce *ConfigError
	return stderrors.As(err, &ce)
}

// Is and As re-export the standard library helpers so callers only import
// one errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
