package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, combined with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrClosed           = fmt.Errorf("closed")
)

// Sentinel errors for the execution engine.
var (
	// ErrSpawn reports that a process could not be created (missing executable,
	// missing working directory, permission). No handle or task exists afterwards.
	ErrSpawn = fmt.Errorf("process spawn failed")
	// ErrIOAbort reports that an output stream failed while the process ran.
	ErrIOAbort = fmt.Errorf("process output aborted")
	// ErrDisplay reports that a remote render failed after its retry.
	ErrDisplay = fmt.Errorf("display update failed")
	// ErrUnknownTask reports a registry lookup for an index that is not live.
	ErrUnknownTask = fmt.Errorf("unknown task")
	// ErrPageRange reports a page index outside [0, page count).
	ErrPageRange = fmt.Errorf("page index out of range")

	ErrTemplateNotFound = fmt.Errorf("scaffold template not found")
	ErrUnknownCommand   = fmt.Errorf("unknown command")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Cancel")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "process", "display"); used for ErrorCode dispatch
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

// ErrorCode is a machine-parseable error category for logs and metrics labels.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeClosed           ErrorCode = "CLOSED"

	CodeSpawn            ErrorCode = "SPAWN"
	CodeIOAbort          ErrorCode = "IO_ABORT"
	CodeDisplay          ErrorCode = "DISPLAY"
	CodeUnknownTask      ErrorCode = "UNKNOWN_TASK"
	CodePageRange        ErrorCode = "PAGE_RANGE"
	CodeTemplateNotFound ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeUnknownCommand   ErrorCode = "UNKNOWN_COMMAND"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeNavigationDenied ErrorCode = "NAVIGATION_DENIED"
	CodeSessionDuplicate ErrorCode = "DISPLAY_SESSION_DUPLICATE"
	CodeProcessNotFound  ErrorCode = "PROCESS_NOT_FOUND"
	CodeTaskLimit        ErrorCode = "TASK_LIMIT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrClosed:           CodeClosed,

	ErrSpawn:            CodeSpawn,
	ErrIOAbort:          CodeIOAbort,
	ErrDisplay:          CodeDisplay,
	ErrUnknownTask:      CodeUnknownTask,
	ErrPageRange:        CodePageRange,
	ErrTemplateNotFound: CodeTemplateNotFound,
	ErrUnknownCommand:   CodeUnknownCommand,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrPermissionDenied: {
		"display": CodeNavigationDenied,
	},
	ErrDuplicate: {
		"display": CodeSessionDuplicate,
	},
	ErrNotFound: {
		"process": CodeProcessNotFound,
		"task":    CodeUnknownTask,
	},
	ErrLimitReached: {
		"task": CodeTaskLimit,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
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
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
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
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
