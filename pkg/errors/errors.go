// Package errors provides a structured error system for SeaFS with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for SeaFS operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave        ErrorCode = "CONFIG_SAVE"
	ErrCodeConfigValidation  ErrorCode = "CONFIG_VALIDATION"
	ErrCodeInvalidListSource ErrorCode = "CONFIG_LIST_SOURCE"

	// Topology Errors
	ErrCodeDiscoveryFailed  ErrorCode = "TOPOLOGY_DISCOVERY_FAILED"
	ErrCodeDeviceUnresolved ErrorCode = "TOPOLOGY_DEVICE_UNRESOLVED"
	ErrCodeNoMountpoints    ErrorCode = "TOPOLOGY_NO_MOUNTPOINTS"

	// Tier Errors
	ErrCodeCapacityExhausted  ErrorCode = "TIER_CAPACITY_EXHAUSTED"
	ErrCodePartialTierFailure ErrorCode = "TIER_PARTIAL_FAILURE"
	ErrCodeUnknownTier        ErrorCode = "TIER_UNKNOWN"

	// Migration Errors
	ErrCodeMigrationRace   ErrorCode = "MIGRATION_RACE"
	ErrCodeMigrationFailed ErrorCode = "MIGRATION_FAILED"

	// Filesystem Errors
	ErrCodeIO               ErrorCode = "FS_IO"
	ErrCodeMountFailed      ErrorCode = "FS_MOUNT_FAILED"
	ErrCodeUnmountFailed    ErrorCode = "FS_UNMOUNT_FAILED"
	ErrCodeFileNotFound     ErrorCode = "FS_FILE_NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "FS_PERMISSION_DENIED"
	ErrCodePathInvalid      ErrorCode = "FS_PATH_INVALID"

	// State Management Errors
	ErrCodeAlreadyStarted     ErrorCode = "STATE_ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "STATE_NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "STATE_SHUTDOWN_IN_PROGRESS"

	// Operation Errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "OPERATION_RETRY_EXHAUSTED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTopology      ErrorCategory = "topology"
	CategoryTier          ErrorCategory = "tier"
	CategoryMigration     ErrorCategory = "migration"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// SeaError represents a structured error with context and metadata.
type SeaError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *SeaError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *SeaError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *SeaError) Is(target error) bool {
	if seaErr, ok := target.(*SeaError); ok {
		return e.Code == seaErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *SeaError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}

	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path=%s", e.Path))
	}

	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}

	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("SeaError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *SeaError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new SeaFS error with default values.
func NewError(code ErrorCode, message string) *SeaError {
	return &SeaError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "TOPOLOGY_"):
		return CategoryTopology
	case strings.HasPrefix(codeStr, "TIER_"):
		return CategoryTier
	case strings.HasPrefix(codeStr, "MIGRATION_"):
		return CategoryMigration
	case strings.HasPrefix(codeStr, "FS_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "STATE_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeCapacityExhausted: true,
		ErrCodeMigrationRace:     true,
		ErrCodeIO:                true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeConfigInvalid:     true,
		ErrCodeConfigLoad:        true,
		ErrCodeConfigValidation:  true,
		ErrCodeInvalidListSource: true,
		ErrCodeNoMountpoints:     true,
		ErrCodeCapacityExhausted: true,
		ErrCodeMountFailed:       true,
		ErrCodePermissionDenied:  true,
		ErrCodeFileNotFound:      true,
	}
	return userFacingCodes[code]
}

// WithContext adds contextual information to an error
func (e *SeaError) WithContext(key, value string) *SeaError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *SeaError) WithDetail(key string, value interface{}) *SeaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *SeaError) WithComponent(component string) *SeaError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *SeaError) WithOperation(operation string) *SeaError {
	e.Operation = operation
	return e
}

// WithPath sets the namespace or physical path the error concerns
func (e *SeaError) WithPath(path string) *SeaError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause
func (e *SeaError) WithCause(cause error) *SeaError {
	e.Cause = cause
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *SeaError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeInvalidListSource: "Whitelist and blacklist entries must be a list of paths or a file " +
			"naming at least one existing directory, one per line.",
		ErrCodeConfigInvalid: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeNoMountpoints: "No usable storage was discovered. " +
			"Check the tier allow-list and whitelist against the mounts reported by `seafs discover`.",
		ErrCodeCapacityExhausted: "Every tier is full. " +
			"Free space on the backing root or wait for eviction to reclaim fast-tier space.",
		ErrCodePartialTierFailure: "A directory operation succeeded on some tiers only. " +
			"Inspect the listed mountpoints and repair them by hand.",
		ErrCodeMountFailed: "Failed to mount filesystem. " +
			"Check mount point permissions and ensure FUSE is installed.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}

// GetCode extracts the error code from any error in the chain.
func GetCode(err error) (ErrorCode, bool) {
	var seaErr *SeaError
	if stderrors.As(err, &seaErr) {
		return seaErr.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var seaErr *SeaError
	for err != nil {
		if !stderrors.As(err, &seaErr) {
			return false
		}
		if seaErr.Code == code {
			return true
		}
		err = seaErr.Cause
	}
	return false
}
