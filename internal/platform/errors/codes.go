// Package errors provides structured error handling for the chat core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeUnauthorized marks a missing or invalid credential.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeNotFound marks an absent conversation or message, or a caller that
	// is not an active participant.
	CodeNotFound Code = "NOT_FOUND"
	// CodeBadRequest marks malformed input.
	CodeBadRequest Code = "BAD_REQUEST"
	// CodeRateLimitExceeded marks an action dropped by the send-rate window.
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeConflict marks a lost uniqueness race. It is resolved internally.
	CodeConflict Code = "CONFLICT"
	// CodeUnavailable marks an unreachable downstream store or bus.
	CodeUnavailable Code = "UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized:
		return codes.Unauthenticated
	case CodeNotFound:
		return codes.NotFound
	case CodeBadRequest:
		return codes.InvalidArgument
	case CodeRateLimitExceeded:
		return codes.ResourceExhausted
	case CodeConflict:
		return codes.AlreadyExists
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

var wireNames = map[codes.Code]string{
	codes.Unauthenticated:   "UNAUTHENTICATED",
	codes.NotFound:          "NOT_FOUND",
	codes.InvalidArgument:   "INVALID_ARGUMENT",
	codes.ResourceExhausted: "RESOURCE_EXHAUSTED",
	codes.AlreadyExists:     "ALREADY_EXISTS",
	codes.Unavailable:       "UNAVAILABLE",
	codes.Internal:          "INTERNAL",
}

// WireCode returns the upper-snake status name sent to realtime clients.
func (c Code) WireCode() string {
	if name, ok := wireNames[c.GRPCCode()]; ok {
		return name
	}
	return "INTERNAL"
}

// Retryable reports whether a client may retry the same action later.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimitExceeded, CodeUnavailable:
		return true
	default:
		return false
	}
}
