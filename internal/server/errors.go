package server

import "errors"

type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeForbidden      ErrorCode = "forbidden"
	CodeNotFound       ErrorCode = "not_found"
	CodeInternal       ErrorCode = "internal"
	CodeUnavailable    ErrorCode = "unavailable"
	CodeRateLimited    ErrorCode = "rate_limited"
)

// GatewayError is the failure reported in a negative acknowledgement.
type GatewayError struct {
	Code    ErrorCode
	Message string
}

func (e *GatewayError) Error() string {
	return e.Message
}

var (
	ErrInvalidMessage     = &GatewayError{Code: CodeInvalidRequest, Message: "invalid message format"}
	ErrUnknownEvent       = &GatewayError{Code: CodeInvalidRequest, Message: "unknown event"}
	ErrRoomKeyRequired    = &GatewayError{Code: CodeInvalidRequest, Message: "roomKey is required"}
	ErrEmptyMessage       = &GatewayError{Code: CodeInvalidRequest, Message: "Message must include text, attachments or contact data"}
	ErrInvalidMessageType = &GatewayError{Code: CodeInvalidRequest, Message: "invalid messageType"}
	ErrMessageIdsRequired = &GatewayError{Code: CodeInvalidRequest, Message: "messageIds are required"}
	ErrMessageIdRequired  = &GatewayError{Code: CodeInvalidRequest, Message: "messageId is required"}
	ErrTargetRequired     = &GatewayError{Code: CodeInvalidRequest, Message: "to is required"}

	ErrRoomNotAllowed  = &GatewayError{Code: CodeForbidden, Message: "Room not allowed"}
	ErrTargetNotInRoom = &GatewayError{Code: CodeForbidden, Message: "Target not in room"}
	ErrNotSender       = &GatewayError{Code: CodeForbidden, Message: "Only the sender can delete a message for everyone"}

	ErrTargetOffline   = &GatewayError{Code: CodeNotFound, Message: "Target user is not online"}
	ErrMessageNotFound = &GatewayError{Code: CodeNotFound, Message: "Message not found"}

	ErrInternal           = &GatewayError{Code: CodeInternal, Message: "internal server error"}
	ErrServiceUnavailable = &GatewayError{Code: CodeUnavailable, Message: "service unavailable"}
	ErrRateLimited        = &GatewayError{Code: CodeRateLimited, Message: "too many requests"}
)

// asGatewayError maps any error onto the acknowledgement taxonomy. Errors
// that are not already a GatewayError are reported as internal so storage
// details never reach the client.
func asGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return ErrInternal
}
