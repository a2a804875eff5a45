package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Link (backend socket) errors.
	ErrNotConnected   = fmt.Errorf("not connected")
	ErrConnectionLost = fmt.Errorf("connection lost")
	ErrAuthRejected   = fmt.Errorf("authentication rejected")
	ErrClosed         = fmt.Errorf("client closed")
	ErrAPIStatus      = fmt.Errorf("api returned non-success status")

	// Codec errors.
	ErrDecode      = fmt.Errorf("malformed frame")
	ErrEncode      = fmt.Errorf("frame cannot be encoded")
	ErrInvalidTag  = fmt.Errorf("invalid tag")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// Control surface errors.
	ErrControlAuthFailed = fmt.Errorf("control: authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Link.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "link", "hypixel"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// APIStatusError is returned by Link.Call when the backend answers with a
// status outside 2xx. It matches ErrAPIStatus with errors.Is.
type APIStatusError struct {
	Status int
	Body   []byte
}

func (e *APIStatusError) Error() string {
	return fmt.Sprintf("%s: %d", ErrAPIStatus, e.Status)
}

func (e *APIStatusError) Is(target error) bool { return target == ErrAPIStatus }

// StatusOf returns the backend status carried by err, or 0.
func StatusOf(err error) int {
	var se *APIStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeAuthRejected      ErrorCode = "AUTH_REJECTED"
	CodeClosed            ErrorCode = "CLOSED"
	CodeAPIStatus         ErrorCode = "API_STATUS"
	CodeDecode            ErrorCode = "DECODE"
	CodeEncode            ErrorCode = "ENCODE"
	CodeInvalidTag        ErrorCode = "INVALID_TAG"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeControlAuth       ErrorCode = "CONTROL_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeLinkTimeout     ErrorCode = "LINK_TIMEOUT"
	CodeIdentityTimeout ErrorCode = "IDENTITY_TIMEOUT"
	CodeHypixelProvider ErrorCode = "HYPIXEL_PROVIDER"
	CodeUrchinProvider  ErrorCode = "URCHIN_PROVIDER"
	CodeHypixelDisabled ErrorCode = "HYPIXEL_DISABLED"

	// Category error codes; fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrNotConnected:      CodeNotConnected,
	ErrConnectionLost:    CodeConnectionLost,
	ErrAuthRejected:      CodeAuthRejected,
	ErrClosed:            CodeClosed,
	ErrAPIStatus:         CodeAPIStatus,
	ErrDecode:            CodeDecode,
	ErrEncode:            CodeEncode,
	ErrInvalidTag:        CodeInvalidTag,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrControlAuthFailed: CodeControlAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
}

var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"link":     CodeLinkTimeout,
		"identity": CodeIdentityTimeout,
	},
	ErrProviderError: {
		"hypixel": CodeHypixelProvider,
		"urchin":  CodeUrchinProvider,
	},
	ErrDisabled: {
		"hypixel": CodeHypixelDisabled,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// For DomainErrors with a SubSystem, the subSystemCodeMap is consulted first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
