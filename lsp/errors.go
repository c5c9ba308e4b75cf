package lsp

import (
	"errors"
	"fmt"
)

// ErrorCode is an error code carried by an LSP response error. It shares the
// numeric space of JSON-RPC error codes.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	// CodeServerNotInitialized is returned for requests received before initialize.
	CodeServerNotInitialized ErrorCode = -32002
	CodeUnknownErrorCode     ErrorCode = -32001

	CodeRequestFailed    ErrorCode = -32803
	CodeServerCancelled  ErrorCode = -32802
	CodeContentModified  ErrorCode = -32801
	CodeRequestCancelled ErrorCode = -32800
)

// ResponseError is an error that surfaces to the peer with its own code. Handlers
// may return one (or wrap one) to control the JSON-RPC error emitted.
type ResponseError struct {
	Code    ErrorCode
	Message string
	Data    any
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Is matches any ResponseError with the same code so that wrapped or freshly
// constructed errors compare equal to the sentinels below.
func (e *ResponseError) Is(target error) bool {
	var t *ResponseError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// NewResponseError builds a ResponseError with a formatted message.
func NewResponseError(code ErrorCode, format string, args ...any) *ResponseError {
	return &ResponseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrMethodNotFound       = &ResponseError{Code: CodeMethodNotFound, Message: "method not found"}
	ErrHandlerNotFound      = &ResponseError{Code: CodeMethodNotFound, Message: "no handler matches the request"}
	ErrInvalidParams        = &ResponseError{Code: CodeInvalidParams, Message: "invalid params"}
	ErrInvalidRequest       = &ResponseError{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrInternal             = &ResponseError{Code: CodeInternalError, Message: "internal error"}
	ErrRequestCancelled     = &ResponseError{Code: CodeRequestCancelled, Message: "request cancelled"}
	ErrContentModified      = &ResponseError{Code: CodeContentModified, Message: "content modified"}
	ErrServerNotInitialized = &ResponseError{Code: CodeServerNotInitialized, Message: "server not initialized"}
)

// Configuration errors. These are returned at registration time and are never
// sent to the peer.
var (
	ErrUnknownMethod           = errors.New("unknown method")
	ErrDescriptorConflict      = errors.New("descriptor conflict")
	ErrDuplicateProgressToken  = errors.New("progress token already in use")
	ErrProgressSessionComplete = errors.New("progress session complete")
)

// InvalidParamsf wraps a decode failure as an InvalidParams response error.
func InvalidParamsf(format string, args ...any) *ResponseError {
	return NewResponseError(CodeInvalidParams, format, args...)
}
