package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/tickets"
)

type ErrorCode string

const (
	CodeInvalidCredential ErrorCode = "invalid_credential"
	CodeExpiredCredential ErrorCode = "expired_credential"
	CodeUnauthorizedRole  ErrorCode = "unauthorized_role"
	CodeForbiddenRole     ErrorCode = "forbidden_role"
	CodeNotJoined         ErrorCode = "not_joined"
	CodeAlreadyJoined     ErrorCode = "already_joined"
	CodeJoinTimeout       ErrorCode = "join_timeout"
	CodeEmptyBody         ErrorCode = "empty_body"
	CodeBodyTooLong       ErrorCode = "body_too_long"
	CodeEmptyAsset        ErrorCode = "empty_asset"
	CodeTicketNotFound    ErrorCode = "ticket_not_found"
	CodeInvalidEvent      ErrorCode = "invalid_event"
	CodeTicketMismatch    ErrorCode = "ticket_mismatch"
	CodeSuperseded        ErrorCode = "superseded"
	CodeUnavailable       ErrorCode = "unavailable"
	CodeInternal          ErrorCode = "internal_error"
)

type ErrorClass string

const (
	ClassAuthentication ErrorClass = "authentication"
	ClassAuthorization  ErrorClass = "authorization"
	ClassProtocol       ErrorClass = "protocol"
	ClassValidation     ErrorClass = "validation"
	ClassServer         ErrorClass = "server"
)

func (c ErrorCode) Class() ErrorClass {
	switch c {
	case CodeInvalidCredential, CodeExpiredCredential:
		return ClassAuthentication
	case CodeUnauthorizedRole, CodeForbiddenRole:
		return ClassAuthorization
	case CodeNotJoined, CodeAlreadyJoined, CodeJoinTimeout, CodeSuperseded:
		return ClassProtocol
	case CodeEmptyBody, CodeBodyTooLong, CodeEmptyAsset, CodeTicketNotFound, CodeInvalidEvent, CodeTicketMismatch:
		return ClassValidation
	default:
		return ClassServer
	}
}

var defaultMessages = map[ErrorCode]string{
	CodeInvalidCredential: "invalid credential",
	CodeExpiredCredential: "credential expired",
	CodeUnauthorizedRole:  "role not permitted for this ticket",
	CodeForbiddenRole:     "only experts may send demos",
	CodeNotJoined:         "session has not joined this chat",
	CodeAlreadyJoined:     "session already joined a chat",
	CodeJoinTimeout:       "join did not complete in time",
	CodeEmptyBody:         "message body is empty",
	CodeBodyTooLong:       "message body is too long",
	CodeEmptyAsset:        "demo asset reference is empty",
	CodeTicketNotFound:    "ticket not found",
	CodeInvalidEvent:      "invalid event",
	CodeTicketMismatch:    "event targets a different ticket",
	CodeSuperseded:        "session replaced by a newer connection",
	CodeUnavailable:       "service unavailable",
	CodeInternal:          "internal server error",
}

// ChatError is a protocol error reported to the client as an error event.
type ChatError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func newChatError(code ErrorCode, err error) *ChatError {
	return &ChatError{Code: code, Message: defaultMessages[code], Err: err}
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return string(e.Code)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func ErrInvalidCredential(err error) *ChatError { return newChatError(CodeInvalidCredential, err) }
func ErrExpiredCredential() *ChatError          { return newChatError(CodeExpiredCredential, nil) }
func ErrUnauthorizedRole() *ChatError           { return newChatError(CodeUnauthorizedRole, nil) }
func ErrForbiddenRole() *ChatError              { return newChatError(CodeForbiddenRole, nil) }
func ErrNotJoined() *ChatError                  { return newChatError(CodeNotJoined, nil) }
func ErrAlreadyJoined() *ChatError              { return newChatError(CodeAlreadyJoined, nil) }
func ErrJoinTimeout() *ChatError                { return newChatError(CodeJoinTimeout, nil) }
func ErrEmptyBody() *ChatError                  { return newChatError(CodeEmptyBody, nil) }
func ErrBodyTooLong() *ChatError                { return newChatError(CodeBodyTooLong, nil) }
func ErrEmptyAsset() *ChatError                 { return newChatError(CodeEmptyAsset, nil) }
func ErrTicketNotFound() *ChatError             { return newChatError(CodeTicketNotFound, nil) }
func ErrInvalidEvent(err error) *ChatError      { return newChatError(CodeInvalidEvent, err) }
func ErrTicketMismatch() *ChatError             { return newChatError(CodeTicketMismatch, nil) }
func ErrSuperseded() *ChatError                 { return newChatError(CodeSuperseded, nil) }
func ErrUnavailable() *ChatError                { return newChatError(CodeUnavailable, nil) }
func ErrInternal(err error) *ChatError          { return newChatError(CodeInternal, err) }

// fromAuthError maps token validation failures. Anything that is not a
// recognised expiry is reported as an invalid credential.
func fromAuthError(err error) *ChatError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrJoinTimeout()
	case errors.Is(err, auth.ErrExpiredCredential):
		return ErrExpiredCredential()
	default:
		return ErrInvalidCredential(err)
	}
}

func fromTicketError(err error) *ChatError {
	switch {
	case errors.Is(err, tickets.ErrTicketNotFound):
		return ErrTicketNotFound()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrJoinTimeout()
	default:
		return ErrInternal(err)
	}
}
