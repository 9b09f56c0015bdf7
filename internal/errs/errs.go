// Package errs defines the error taxonomy shared by every ddworktree component
// and the mapping from errors to process exit codes.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// classify with errors.Is.
var (
	// ErrConfig marks a malformed or missing registry entry or registry file
	ErrConfig = errors.New("configuration error")
	// ErrCollision marks an alias or tree path that is already registered
	ErrCollision = errors.New("pair collision")
	// ErrPairNotFound marks a lookup for an unknown pair
	ErrPairNotFound = errors.New("pair not found")
	// ErrScopeViolation marks a path ignored by main but visible to local
	ErrScopeViolation = errors.New("ignore scope invariant violated")
	// ErrAdapter marks any failure surfaced by the version-control adapter
	ErrAdapter = errors.New("version control error")
	// ErrConflict marks unresolved content conflicts found during sync
	ErrConflict = errors.New("unresolved conflict")
	// ErrPairBusy marks a pair lock that could not be taken in time
	ErrPairBusy = errors.New("pair busy")
	// ErrDrift marks a drift report with unresolved entries
	ErrDrift = errors.New("drift detected")
	// ErrApplyFailed marks a sync or fix that stopped before finishing
	ErrApplyFailed = errors.New("apply failed")
	// ErrUnhealthy marks a doctor run with at least one failing check
	ErrUnhealthy = errors.New("health check failed")
)

// Exit codes, grouped by family.
const (
	ExitOK       = 0
	ExitDrift    = 1
	ExitConfig   = 2
	ExitAdapter  = 3
	ExitLock     = 4
	ExitInternal = 1
)

// ConfigError wraps a problem with the registry file or one of its entries
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

// CollisionError reports an alias or path already owned by another pair
type CollisionError struct {
	Alias    string
	Path     string
	Existing string
}

func (e *CollisionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("path %s is already used by pair %q", e.Path, e.Existing)
	}
	return fmt.Sprintf("alias %q is already registered", e.Alias)
}

func (e *CollisionError) Unwrap() error { return ErrCollision }

// NotFoundError reports an unknown pair alias or path
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pair matches %q", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrPairNotFound }

// AdapterError carries the failing version-control operation with its tree
// and path context.
type AdapterError struct {
	Op   string
	Tree string
	Path string
	Err  error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	b.WriteString("git ")
	b.WriteString(e.Op)
	if e.Tree != "" {
		b.WriteString(" in ")
		b.WriteString(e.Tree)
	}
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *AdapterError) Unwrap() []error { return []error{ErrAdapter, e.Err} }

// ConflictError lists the paths a sync refused to touch
type ConflictError struct {
	Pair  string
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pair %q has %d unresolved conflict(s): %s", e.Pair, len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// LockError reports lock contention on a pair
type LockError struct {
	Pair    string
	Timeout time.Duration
	Owner   string
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("pair %q is busy (waited %s)", e.Pair, e.Timeout)
	if e.Owner != "" {
		msg += ", held by " + e.Owner
	}
	return msg
}

func (e *LockError) Unwrap() error { return ErrPairBusy }

// ExitCode maps an error returned by a command to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPairBusy):
		return ExitLock
	case errors.Is(err, ErrConfig), errors.Is(err, ErrCollision), errors.Is(err, ErrPairNotFound):
		return ExitConfig
	case errors.Is(err, ErrAdapter):
		return ExitAdapter
	case errors.Is(err, ErrDrift), errors.Is(err, ErrConflict), errors.Is(err, ErrApplyFailed),
		errors.Is(err, ErrUnhealthy):
		return ExitDrift
	default:
		return ExitInternal
	}
}
