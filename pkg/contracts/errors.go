package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DenyReason is the machine-readable cause of a capability denial.
type DenyReason string

const (
	DenyExpired         DenyReason = "expired"
	DenyExhausted       DenyReason = "exhausted"
	DenyPatternMismatch DenyReason = "pattern-mismatch"
	DenyMissingRight    DenyReason = "missing-right"
	DenyNotFound        DenyReason = "not-found"
	DenyRevoked         DenyReason = "revoked"
	DenyPolicy          DenyReason = "policy-denied"
)

// RoutingReason is the machine-readable cause of a routing failure.
type RoutingReason string

const (
	RouteNoTarget           RoutingReason = "no-target"
	RouteUnknownOpcode      RoutingReason = "unknown-opcode"
	RouteUnknownCorrelation RoutingReason = "unknown-correlation"
	RouteCancelled          RoutingReason = "cancelled"
	RouteDraining           RoutingReason = "draining"
	RouteTimeout            RoutingReason = "timeout"
)

// Retryable is implemented by every kernel error. A retryable error may
// succeed if the same request is submitted again later.
type Retryable interface {
	error
	Retryable() bool
	Reason() string
}

// SchemaValidationError reports a malformed message or manifest.
type SchemaValidationError struct {
	Field  string
	Detail string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s: %s", e.Field, e.Detail)
}

func (e *SchemaValidationError) Retryable() bool { return false }
func (e *SchemaValidationError) Reason() string   { return "schema-validation" }

// CapabilityDenied reports that no capability authorizes the request.
type CapabilityDenied struct {
	CapabilityID string
	Cause        DenyReason
}

func (e *CapabilityDenied) Error() string {
	if e.CapabilityID == "" {
		return fmt.Sprintf("capability denied: %s", e.Cause)
	}
	return fmt.Sprintf("capability denied: %s (%s)", e.Cause, e.CapabilityID)
}

// Retryable reports true only for exhaustion, which may clear once the
// holder is re-issued a capability.
func (e *CapabilityDenied) Retryable() bool { return e.Cause == DenyExhausted }
func (e *CapabilityDenied) Reason() string   { return string(e.Cause) }

// RoutingError reports that a message cannot be delivered.
type RoutingError struct {
	Cause      RoutingReason
	Target     ModuleID
	Opcode     string
	Suggestion string
}

func (e *RoutingError) Error() string {
	msg := fmt.Sprintf("routing failed: %s (target=%s opcode=%s)", e.Cause, e.Target, e.Opcode)
	if e.Suggestion != "" {
		msg += fmt.Sprintf("; did you mean %q?", e.Suggestion)
	}
	return msg
}

func (e *RoutingError) Retryable() bool {
	return e.Cause == RouteNoTarget || e.Cause == RouteTimeout || e.Cause == RouteDraining
}

func (e *RoutingError) Reason() string { return string(e.Cause) }

// TTLExpired reports a message dropped because its deadline passed.
type TTLExpired struct {
	MessageID uuid.UUID
	Deadline  LogicalTime
}

func (e *TTLExpired) Error() string {
	return fmt.Sprintf("message %s expired at %d", e.MessageID, e.Deadline)
}

func (e *TTLExpired) Retryable() bool { return true }
func (e *TTLExpired) Reason() string   { return "ttl-expired" }

// DuplicateMessage reports a request whose message ID was already accepted.
// Ingress drops duplicates silently; it is returned to a module that is
// waiting on the response, since the original request owns the reply.
type DuplicateMessage struct {
	MessageID uuid.UUID
}

func (e *DuplicateMessage) Error() string {
	return fmt.Sprintf("message %s already accepted", e.MessageID)
}

func (e *DuplicateMessage) Retryable() bool { return false }
func (e *DuplicateMessage) Reason() string   { return "duplicate" }

// ResourceLimitExceeded reports a budget, quota or rate breach.
type ResourceLimitExceeded struct {
	Module   ModuleID
	Resource string
	Limit    string
}

func (e *ResourceLimitExceeded) Error() string {
	return fmt.Sprintf("resource limit exceeded: module=%s resource=%s limit=%s", e.Module, e.Resource, e.Limit)
}

func (e *ResourceLimitExceeded) Retryable() bool { return true }
func (e *ResourceLimitExceeded) Reason() string   { return "resource-limit" }

// UnknownSyscall reports a syscall name outside the catalog.
type UnknownSyscall struct {
	Name       string
	Suggestion string
}

func (e *UnknownSyscall) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown syscall %q; did you mean %q?", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown syscall %q", e.Name)
}

func (e *UnknownSyscall) Retryable() bool { return false }
func (e *UnknownSyscall) Reason() string   { return "unknown-syscall" }

// DeterminismViolation reports that a module reached a nondeterministic
// source without going through the syscall interface.
type DeterminismViolation struct {
	Module ModuleID
	Source string
}

func (e *DeterminismViolation) Error() string {
	return fmt.Sprintf("determinism violation in %s: %s", e.Module, e.Source)
}

func (e *DeterminismViolation) Retryable() bool { return false }
func (e *DeterminismViolation) Reason() string   { return "determinism-violation" }

// ReasonOf returns the machine-readable reason of a kernel error, or
// "internal" for anything else.
func ReasonOf(err error) string {
	var r Retryable
	if errors.As(err, &r) {
		return r.Reason()
	}
	return "internal"
}

// IsRetryable reports whether err is a kernel error marked retryable.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// ErrorPayload is the payload of a failure Response produced by the kernel.
type ErrorPayload struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// EncodeError renders err as a failure Response payload.
func EncodeError(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]ErrorPayload{"failure": {
		Error:     err.Error(),
		Reason:    ReasonOf(err),
		Retryable: IsRetryable(err),
	}})
	return b
}

// DecodeError extracts a failure from a Response payload. ok is false when
// the payload is a regular result.
func DecodeError(payload json.RawMessage) (ErrorPayload, bool) {
	var wrapper struct {
		Failure *ErrorPayload `json:"failure"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &wrapper) != nil || wrapper.Failure == nil {
		return ErrorPayload{}, false
	}
	return *wrapper.Failure, true
}
