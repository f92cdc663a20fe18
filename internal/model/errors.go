package model

import "github.com/juju/errors"

// Error kinds shared by the server and the client. Generic kinds
// (errors.NotFound, errors.NotValid, errors.Forbidden, errors.Unauthorized)
// come from juju/errors directly.
const (
	ErrAlreadyMember    = errors.ConstError("already a member")
	ErrDuplicateMember  = errors.ConstError("already in rotation")
	ErrOwnerCannotLeave = errors.ConstError("owner cannot leave")
	ErrTransport        = errors.ConstError("transport failure")
)

// Error codes carried in HTTP error bodies.
const (
	CodeNotFound         = "not_found"
	CodeValidation       = "validation"
	CodeAlreadyMember    = "already_member"
	CodeDuplicateMember  = "duplicate_member"
	CodeOwnerCannotLeave = "owner_cannot_leave"
	CodeForbidden        = "forbidden"
	CodeUnauthorized     = "unauthorized"
	CodeAlreadyExists    = "already_exists"
	CodeInternal         = "internal"
)

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyMember):
		return CodeAlreadyMember
	case errors.Is(err, ErrDuplicateMember):
		return CodeDuplicateMember
	case errors.Is(err, ErrOwnerCannotLeave):
		return CodeOwnerCannotLeave
	case errors.Is(err, errors.NotFound):
		return CodeNotFound
	case errors.Is(err, errors.NotValid):
		return CodeValidation
	case errors.Is(err, errors.Forbidden):
		return CodeForbidden
	case errors.Is(err, errors.Unauthorized):
		return CodeUnauthorized
	case errors.Is(err, errors.AlreadyExists):
		return CodeAlreadyExists
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds a typed error from a wire code and message.
func ErrorFromCode(code, msg string) error {
	var kind errors.ConstError
	switch code {
	case CodeAlreadyMember:
		kind = ErrAlreadyMember
	case CodeDuplicateMember:
		kind = ErrDuplicateMember
	case CodeOwnerCannotLeave:
		kind = ErrOwnerCannotLeave
	case CodeNotFound:
		kind = errors.NotFound
	case CodeValidation:
		kind = errors.NotValid
	case CodeForbidden:
		kind = errors.Forbidden
	case CodeUnauthorized:
		kind = errors.Unauthorized
	case CodeAlreadyExists:
		kind = errors.AlreadyExists
	default:
		return errors.New(msg)
	}
	return errors.WithType(errors.New(msg), kind)
}
