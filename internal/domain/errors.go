package domain

import (
	"errors"
	"fmt"
)

// Precondition sentinels. These are always checked before any side effect.
var (
	ErrNoActiveSession      = fmt.Errorf("no active session")
	ErrNoCredentials        = fmt.Errorf("no authentication token available")
	ErrUnsupportedPlatform  = fmt.Errorf("image upload is not supported on this platform")
	ErrInvalidMediaType     = fmt.Errorf("file is not an image")
	ErrFileTooLarge         = fmt.Errorf("image exceeds size limit")
	ErrUploadInProgress     = fmt.Errorf("upload already in progress")
	ErrSubmissionInFlight   = fmt.Errorf("submission already in flight")
	ErrInvalidDecisionShape = fmt.Errorf("invalid permission decision shape")
)

// Protocol sentinels. The existing state is preserved when one of these is returned.
var (
	ErrStalePermissionDecision = fmt.Errorf("permission already resolved")
	ErrToolAlreadyResolved     = fmt.Errorf("tool call already resolved")
	ErrOutOfOrderEvent         = fmt.Errorf("out of order event")
	ErrMalformedEvent          = fmt.Errorf("malformed event")
	ErrMessageNotFound         = fmt.Errorf("message not found")
	ErrNoPermission            = fmt.Errorf("tool call has no permission request")
	ErrDuplicate               = fmt.Errorf("duplicate")
)

// Transport sentinels. Callers may retry; relevant local state is kept.
var (
	ErrUploadFailed = fmt.Errorf("upload failed")
	ErrSendFailed   = fmt.Errorf("send failed")
)

// Misc sentinels.
var (
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrStore        = fmt.Errorf("history store failed")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Uploader.Upload")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "upload", "composer")
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

// NewSubSystemError creates a DomainError tagged with a subsystem.
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

// DetailOf returns the innermost non-empty DomainError detail in err's chain.
func DetailOf(err error) string {
	var detail string
	for err != nil {
		var de *DomainError
		if !errors.As(err, &de) {
			break
		}
		if de.Detail != "" {
			detail = de.Detail
		}
		err = de.Err
	}
	return detail
}

// Category classifies errors by how callers are expected to react.
type Category string

const (
	CategoryUnknown      Category = "unknown"
	CategoryPrecondition Category = "precondition"
	CategoryProtocol     Category = "protocol"
	CategoryTransport    Category = "transport"
)

var categoryOf = map[error]Category{
	ErrNoActiveSession:      CategoryPrecondition,
	ErrNoCredentials:        CategoryPrecondition,
	ErrUnsupportedPlatform:  CategoryPrecondition,
	ErrInvalidMediaType:     CategoryPrecondition,
	ErrFileTooLarge:         CategoryPrecondition,
	ErrUploadInProgress:     CategoryPrecondition,
	ErrSubmissionInFlight:   CategoryPrecondition,
	ErrInvalidDecisionShape: CategoryPrecondition,

	ErrStalePermissionDecision: CategoryProtocol,
	ErrToolAlreadyResolved:     CategoryProtocol,
	ErrOutOfOrderEvent:         CategoryProtocol,
	ErrMalformedEvent:          CategoryProtocol,
	ErrMessageNotFound:         CategoryProtocol,
	ErrNoPermission:            CategoryProtocol,
	ErrDuplicate:               CategoryProtocol,

	ErrUploadFailed: CategoryTransport,
	ErrSendFailed:   CategoryTransport,
}

// CategoryOf returns the category of the first categorized sentinel in err's chain.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if c, ok := categoryOf[err]; ok {
		return c
	}
	for sentinel, c := range categoryOf {
		if errors.Is(err, sentinel) {
			return c
		}
	}
	return CategoryUnknown
}

// IsProtocolError reports whether err is a rejected-but-harmless protocol condition.
func IsProtocolError(err error) bool {
	return CategoryOf(err) == CategoryProtocol
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return CategoryOf(err) == CategoryTransport
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNoActiveSession     ErrorCode = "NO_ACTIVE_SESSION"
	CodeNoCredentials       ErrorCode = "NO_CREDENTIALS"
	CodeUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
	CodeInvalidMediaType    ErrorCode = "INVALID_MEDIA_TYPE"
	CodeFileTooLarge        ErrorCode = "FILE_TOO_LARGE"
	CodeUploadInProgress    ErrorCode = "UPLOAD_IN_PROGRESS"
	CodeSubmissionInFlight  ErrorCode = "SUBMISSION_IN_FLIGHT"
	CodeInvalidDecision     ErrorCode = "INVALID_DECISION_SHAPE"
	CodeStalePermission     ErrorCode = "STALE_PERMISSION_DECISION"
	CodeToolResolved        ErrorCode = "TOOL_ALREADY_RESOLVED"
	CodeOutOfOrder          ErrorCode = "OUT_OF_ORDER_EVENT"
	CodeMalformedEvent      ErrorCode = "MALFORMED_EVENT"
	CodeMessageNotFound     ErrorCode = "MESSAGE_NOT_FOUND"
	CodeNoPermission        ErrorCode = "NO_PERMISSION"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeUploadFailed        ErrorCode = "UPLOAD_FAILED"
	CodeSendFailed          ErrorCode = "SEND_FAILED"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeStore               ErrorCode = "STORE"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNoActiveSession:         CodeNoActiveSession,
	ErrNoCredentials:           CodeNoCredentials,
	ErrUnsupportedPlatform:     CodeUnsupportedPlatform,
	ErrInvalidMediaType:        CodeInvalidMediaType,
	ErrFileTooLarge:            CodeFileTooLarge,
	ErrUploadInProgress:        CodeUploadInProgress,
	ErrSubmissionInFlight:      CodeSubmissionInFlight,
	ErrInvalidDecisionShape:    CodeInvalidDecision,
	ErrStalePermissionDecision: CodeStalePermission,
	ErrToolAlreadyResolved:     CodeToolResolved,
	ErrOutOfOrderEvent:         CodeOutOfOrder,
	ErrMalformedEvent:          CodeMalformedEvent,
	ErrMessageNotFound:         CodeMessageNotFound,
	ErrNoPermission:            CodeNoPermission,
	ErrDuplicate:               CodeDuplicate,
	ErrUploadFailed:            CodeUploadFailed,
	ErrSendFailed:              CodeSendFailed,
	ErrConfigLoad:              CodeConfigLoad,
	ErrDecryption:              CodeDecryption,
	ErrStore:                   CodeStore,
	ErrInvalidInput:            CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
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
	return ErrorCodeOf(e.Err)
}
