package callsession

import (
	"errors"
	"fmt"
)

// Errors returned synchronously by the adapter operations. The messages are the
// reject reasons the hybrid shell receives, so keep them stable.
var (
	ErrPermissionDenied   = errors.New("permissions")
	ErrNoActiveCall       = errors.New("No active call")
	ErrCallInProgress     = errors.New("Busy")
	ErrMissingToken       = errors.New("No token")
	ErrMissingDestination = errors.New("`To` param missing")
)

// Voice SDK error codes used by the drivers in this module.
const (
	CodeUnknown              = 31000
	CodeConnectionError      = 31005
	CodeTemporarilyUnavail   = 31480
	CodeBusyHere             = 31486
	CodeRequestTerminated    = 31487
	CodeDeclined             = 31603
	CodeInvalidAccessToken   = 20101
	CodeInvalidTokenIssuer   = 20103
	CodeAccessTokenExpired   = 20104
	CodeMediaConnectionError = 53405
)

// CallError is an SDK-reported failure. It never rejects an operation; it is
// delivered with the lifecycle event and surfaced as an "error" notification.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewCallError builds a CallError.
func NewCallError(code int, format string, args ...any) *CallError {
	return &CallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *CallError) Error() string {
	return fmt.Sprintf("Call Error: %d, %s", e.Code, e.Message)
}
