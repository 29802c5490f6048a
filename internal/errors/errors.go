package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Structured error types for the guide pipeline worker.
 *
 * Every pipeline failure carries the stage it happened in and, where
 * applicable, the page index, so failures are always reportable as
 * "which stage, which page". Transient provider failures are marked
 * retryable; contract violations and malformed provider output are not.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Observation provider errors
	ErrorModelTimeout       ErrorCode = "MODEL_TIMEOUT"
	ErrorModelRateLimited   ErrorCode = "MODEL_RATE_LIMITED"
	ErrorModelInvalidOutput ErrorCode = "MODEL_INVALID_OUTPUT"

	// Contract violations (implementation bugs, never patched silently)
	ErrorValidationContract ErrorCode = "VALIDATION_CONTRACT"
	ErrorUnknownPayloadKind ErrorCode = "UNKNOWN_PAYLOAD_KIND"

	// State-machine conflicts (refused before any stage runs)
	ErrorStateConflict ErrorCode = "STATE_CONFLICT"

	// Infrastructure
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorCancelled     ErrorCode = "CANCELLED"
)

// Pipeline stage names used in error reporting and run bookkeeping
const (
	StageObservation  = "observation"
	StageRuleBuilder  = "rule_builder"
	StageRuleApplier  = "rule_applier"
	StageAggregator   = "stability_aggregator"
	StageConsolidator = "consolidator"
	StageOrchestrator = "orchestrator"
)

// PipelineError represents a structured pipeline error
type PipelineError struct {
	Code      ErrorCode
	Stage     string
	PageIndex int // 0 when not page-scoped
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *PipelineError) Error() string {
	scope := e.Stage
	if e.PageIndex > 0 {
		scope = fmt.Sprintf("%s page %d", e.Stage, e.PageIndex)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s (caused by: %v)", e.Code, scope, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, scope, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure class is transient
func (e *PipelineError) Retryable() bool {
	return e.Code == ErrorModelTimeout || e.Code == ErrorModelRateLimited
}

// Factory functions for common errors

func NewModelTimeoutError(stage string, pageIndex int, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorModelTimeout,
		Stage:     stage,
		PageIndex: pageIndex,
		Message:   "observation provider call timed out",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewModelRateLimitedError(stage string, pageIndex int, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorModelRateLimited,
		Stage:     stage,
		PageIndex: pageIndex,
		Message:   "observation provider rate-limited the request",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewModelInvalidOutputError(stage string, pageIndex int, reason string, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorModelInvalidOutput,
		Stage:     stage,
		PageIndex: pageIndex,
		Message:   fmt.Sprintf("observation provider returned invalid output: %s", reason),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"reason": reason},
		Cause:     cause,
	}
}

func NewContractError(stage string, pageIndex int, reason string) *PipelineError {
	return &PipelineError{
		Code:      ErrorValidationContract,
		Stage:     stage,
		PageIndex: pageIndex,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewUnknownPayloadKindError(stage string, kind string) *PipelineError {
	return &PipelineError{
		Code:      ErrorUnknownPayloadKind,
		Stage:     stage,
		Message:   fmt.Sprintf("unknown rule payload kind: %q", kind),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"kind": kind},
	}
}

func NewStateConflictError(reason string) *PipelineError {
	return &PipelineError{
		Code:      ErrorStateConflict,
		Stage:     StageOrchestrator,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewStorageError(stage string, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorStorageFailed,
		Stage:     stage,
		Message:   "storage operation failed",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewCancelledError(stage string, pageIndex int, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorCancelled,
		Stage:     stage,
		PageIndex: pageIndex,
		Message:   "analyze run cancelled",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// AsPipelineError unwraps err to a *PipelineError if one is in the chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient provider failure
func IsRetryable(err error) bool {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Retryable()
	}
	return false
}

// ToMap converts error to map for database storage
func (e *PipelineError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"stage":      e.Stage,
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.PageIndex > 0 {
		result["page_index"] = e.PageIndex
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
