package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorDomain tags the ErrorInfo detail attached to statuses sent by cache nodes
const errorDomain = "pairdb.cache"

// ErrorCode represents internal error codes for cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeIllegalState    ErrorCode = 1001
	ErrCodeNoSuchCache     ErrorCode = 1002
	ErrCodeViewRejected    ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeRemoteExecution ErrorCode = 2001
	ErrCodeTimeout         ErrorCode = 2002
	ErrCodeAckTimeout      ErrorCode = 2003
	ErrCodeTransport       ErrorCode = 2004
	ErrCodeLockTimeout     ErrorCode = 2005
)

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts CacheError to gRPC status. The exact code travels in an
// ErrorInfo detail so the receiving node can rebuild the same kind.
func (e *CacheError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), e.Error())

	metadata := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		metadata[k] = fmt.Sprint(v)
	}
	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   strconv.Itoa(int(e.Code)),
		Domain:   errorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st
	}
	return withInfo
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *CacheError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNoSuchCache:
		return codes.NotFound
	case ErrCodeIllegalState, ErrCodeViewRejected:
		return codes.FailedPrecondition
	case ErrCodeTimeout, ErrCodeAckTimeout, ErrCodeLockTimeout:
		return codes.DeadlineExceeded
	case ErrCodeTransport:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// FromGRPCStatus rebuilds a CacheError from a status received over the wire.
// Errors that carry no status are reported as transport failures.
func FromGRPCStatus(err error) *CacheError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Transport("rpc failed", err)
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if n, err := strconv.Atoi(info.GetReason()); err == nil {
			ce := NewCacheError(ErrorCode(n), st.Message(), nil)
			for k, v := range info.GetMetadata() {
				ce.Details[k] = v
			}
			return ce
		}
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.NotFound:
		code = ErrCodeNoSuchCache
	case codes.FailedPrecondition:
		code = ErrCodeIllegalState
	case codes.DeadlineExceeded, codes.Canceled:
		code = ErrCodeTimeout
	case codes.Unavailable:
		code = ErrCodeTransport
	default:
		code = ErrCodeInternal
	}
	return NewCacheError(code, st.Message(), nil)
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func IllegalState(message string) *CacheError {
	return NewCacheError(ErrCodeIllegalState, message, nil)
}

func NoSuchCache(name string) *CacheError {
	return NewCacheError(ErrCodeNoSuchCache, fmt.Sprintf("no such cache: %s", name), nil).
		WithDetail("cache", name)
}

func ViewRejected(viewID, committedViewID int) *CacheError {
	return NewCacheError(ErrCodeViewRejected,
		fmt.Sprintf("view %d rejected, committed view is %d", viewID, committedViewID), nil).
		WithDetail("view_id", viewID).
		WithDetail("committed_view_id", committedViewID)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

func RemoteExecution(target string, cause error) *CacheError {
	return NewCacheError(ErrCodeRemoteExecution, fmt.Sprintf("remote execution failed on %s", target), cause).
		WithDetail("target", target)
}

func Timeout(operation string, cause error) *CacheError {
	return NewCacheError(ErrCodeTimeout, fmt.Sprintf("timed out waiting for %s", operation), cause).
		WithDetail("operation", operation)
}

// AckTimeout reports the backup owners that never acknowledged a write
func AckTimeout(invocationID string, missing []string) *CacheError {
	return NewCacheError(ErrCodeAckTimeout,
		fmt.Sprintf("timed out waiting for acks of %s from [%s]", invocationID, strings.Join(missing, ", ")), nil).
		WithDetail("invocation_id", invocationID).
		WithDetail("missing", missing)
}

func Transport(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeTransport, message, cause)
}

func LockTimeout(key string) *CacheError {
	return NewCacheError(ErrCodeLockTimeout, fmt.Sprintf("unable to acquire lock on key %s", key), nil).
		WithDetail("key", key)
}

// IsCacheError checks if an error is a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether any CacheError in err's chain carries code
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var ce *CacheError
		if !stderrors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// IsTimeout reports whether err is one of the timeout kinds, including errors
// aggregated from several destinations
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if agg, ok := err.(interface{ Errors() []error }); ok {
		for _, e := range agg.Errors() {
			if IsTimeout(e) {
				return true
			}
		}
		return false
	}
	return IsCode(err, ErrCodeTimeout) || IsCode(err, ErrCodeAckTimeout) || IsCode(err, ErrCodeLockTimeout)
}
