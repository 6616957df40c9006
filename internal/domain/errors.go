package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
// Every error that crosses a package boundary wraps one of these so callers can
// branch with errors.Is and the wire layer can derive a stable code.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnsupported      = fmt.Errorf("unsupported")
	ErrTransport        = fmt.Errorf("transport failure")
	ErrUnknownCommand   = fmt.Errorf("unknown command")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")

	// Relay errors.
	ErrAuthFailed      = fmt.Errorf("authentication failed")
	ErrNotJoined       = fmt.Errorf("peer has not joined a channel: %w", ErrInvalidInput)
	ErrAlreadyJoined   = fmt.Errorf("peer already joined a channel: %w", ErrDuplicate)
	ErrChannelNotFound = fmt.Errorf("channel: %w", ErrNotFound)

	// Bridge / connection errors.
	ErrConnClosed  = fmt.Errorf("connection closed: %w", ErrTransport)
	ErrBreakerOpen = fmt.Errorf("circuit breaker open: %w", ErrTransport)
	ErrJoinAck     = fmt.Errorf("join not acknowledged")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Gateway.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail, usually the offending identifier
	SubSystem string // subsystem identifier (e.g., "relay", "canvas"); used for ErrorCode dispatch
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
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
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

// IsRetryable reports whether err is a transient error that may succeed on retry.
// Validation, permission, and unknown-command failures are deterministic and
// never retryable; transport failures and timeouts may be.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category. It is the only error
// representation that crosses the wire; stack traces never do.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	// Category error codes: fallbacks when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnsupported      ErrorCode = "UNSUPPORTED"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeUnknownCommand   ErrorCode = "UNKNOWN_COMMAND"

	// Infrastructure codes.
	CodeConfigLoad ErrorCode = "CONFIG_LOAD"
	CodeDecryption ErrorCode = "DECRYPTION"
	CodeEncryption ErrorCode = "ENCRYPTION"
	CodeAuthFailed ErrorCode = "AUTH_INVALID"

	// Relay codes.
	CodeNotJoined       ErrorCode = "NOT_JOINED"
	CodeAlreadyJoined   ErrorCode = "ALREADY_JOINED"
	CodeChannelNotFound ErrorCode = "CHANNEL_NOT_FOUND"
	CodeFrameRateLimit  ErrorCode = "FRAME_RATE_LIMIT"

	// Bridge codes.
	CodeConnClosed  ErrorCode = "CONN_CLOSED"
	CodeBreakerOpen ErrorCode = "BREAKER_OPEN"
	CodeJoinAck     ErrorCode = "JOIN_NOT_ACKED"

	// Subsystem-specific codes used by subSystemCodeMap to sharpen category
	// sentinels raised deeper in the stack.
	CodeCommandTimeout ErrorCode = "COMMAND_TIMEOUT"
	CodeHandlerTimeout ErrorCode = "HANDLER_TIMEOUT"
	CodeSchemaInvalid  ErrorCode = "SCHEMA_VIOLATION"
	CodeReadOnly       ErrorCode = "READ_ONLY_SESSION"
	CodeNodeNotFound   ErrorCode = "NODE_NOT_FOUND"
	CodeNodeKind       ErrorCode = "NODE_KIND_UNSUPPORTED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnsupported:      CodeUnsupported,
	ErrTransport:        CodeTransport,
	ErrUnknownCommand:   CodeUnknownCommand,

	// Active sentinels.
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrAuthFailed:      CodeAuthFailed,
	ErrNotJoined:       CodeNotJoined,
	ErrAlreadyJoined:   CodeAlreadyJoined,
	ErrChannelNotFound: CodeChannelNotFound,
	ErrConnClosed:      CodeConnClosed,
	ErrBreakerOpen:     CodeBreakerOpen,
	ErrJoinAck:         CodeJoinAck,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
// This lets a handler raise a plain category sentinel while monitoring still sees
// a precise code for where it happened.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"canvas": CodeNodeNotFound,
		"relay":  CodeChannelNotFound,
	},
	ErrTimeout: {
		"gateway":  CodeCommandTimeout,
		"dispatch": CodeHandlerTimeout,
	},
	ErrInvalidInput: {
		"dispatch": CodeSchemaInvalid,
	},
	ErrUnsupported: {
		"canvas": CodeNodeKind,
	},
	ErrPermissionDenied: {
		"dispatch": CodeReadOnly,
	},
	ErrLimitReached: {
		"relay": CodeFrameRateLimit,
	},
}

// codeSentinelMap resolves a wire code back to the category sentinel it was
// derived from, so gateway callers can branch on errors.Is after a roundtrip.
var codeSentinelMap = map[ErrorCode]error{
	CodeNotFound:         ErrNotFound,
	CodeDuplicate:        ErrDuplicate,
	CodeTimeout:          ErrTimeout,
	CodeLimitReached:     ErrLimitReached,
	CodePermissionDenied: ErrPermissionDenied,
	CodeInvalidInput:     ErrInvalidInput,
	CodeUnsupported:      ErrUnsupported,
	CodeTransport:        ErrTransport,
	CodeUnknownCommand:   ErrUnknownCommand,
	CodeAuthFailed:       ErrAuthFailed,
	CodeNotJoined:        ErrNotJoined,
	CodeAlreadyJoined:    ErrAlreadyJoined,
	CodeChannelNotFound:  ErrChannelNotFound,
	CodeConnClosed:       ErrConnClosed,
	CodeBreakerOpen:      ErrBreakerOpen,
	CodeCommandTimeout:   ErrTimeout,
	CodeHandlerTimeout:   ErrTimeout,
	CodeSchemaInvalid:    ErrInvalidInput,
	CodeReadOnly:         ErrPermissionDenied,
	CodeNodeNotFound:     ErrNotFound,
	CodeNodeKind:         ErrUnsupported,
	CodeFrameRateLimit:   ErrLimitReached,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain outermost-first so a specific sentinel such as
	// ErrConnClosed resolves before the category it wraps.
	if code, ok := codeInChain(err); ok {
		return code
	}

	return CodeUnknown
}

func codeInChain(err error) (ErrorCode, bool) {
	if code, ok := errorCodeMap[err]; ok {
		return code, true
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			return codeInChain(inner)
		}
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if code, ok := codeInChain(inner); ok {
				return code, true
			}
		}
	}
	return CodeUnknown, false
}

// SentinelForCode returns the category sentinel a wire code maps back to,
// or nil for unknown codes.
func SentinelForCode(code ErrorCode) error {
	return codeSentinelMap[code]
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
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
