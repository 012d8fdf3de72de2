package errors

type Code string

const (
	CodeUnknown       Code = "UNKNOWN"
	CodeValidation    Code = "VALIDATION"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeTransport     Code = "TRANSPORT"
	CodeSubscription  Code = "SUBSCRIPTION"
	CodeInternal      Code = "INTERNAL"
)
