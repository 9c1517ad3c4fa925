package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Identity errors
// 17000-17999: Instance orchestration & proxy errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Storage errors (10100-10299)
	DatabaseError ErrorCode = 10100
	CacheError    ErrorCode = 10200
	LockFailed    ErrorCode = 10203

	// ========== Identity Errors (11000-11999) ==========

	TokenExpired   ErrorCode = 11003
	TokenInvalid   ErrorCode = 11004
	SessionRevoked ErrorCode = 11006

	// ========== Instance Errors (17000-17999) ==========

	// Launch (17000-17099)
	ChallengeNotFound    ErrorCode = 17000
	NotInstantiable      ErrorCode = 17001
	RuntimeUnavailable   ErrorCode = 17002
	PortResolutionFailed ErrorCode = 17003
	InstanceLimitReached ErrorCode = 17004
	LaunchFailed         ErrorCode = 17005

	// Proxy (17100-17199)
	InstanceNotFound   ErrorCode = 17100
	InstanceForbidden  ErrorCode = 17101
	BackendUnavailable ErrorCode = 17102
)

// errorMessages maps error codes to their default English messages.
// These are the only texts shown to callers.
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError: "Database operation failed",
	CacheError:    "Cache operation failed",
	LockFailed:    "Failed to acquire lock",

	TokenExpired:   "Token has expired",
	TokenInvalid:   "Invalid token",
	SessionRevoked: "You have been logged out because your account was used elsewhere.",

	ChallengeNotFound:    "Challenge not found",
	NotInstantiable:      "This challenge has no instance.",
	RuntimeUnavailable:   "Container runtime unavailable",
	PortResolutionFailed: "Instance started without a reachable port",
	InstanceLimitReached: "Too many running instances for this account",
	LaunchFailed:         "Failed to launch instance",

	InstanceNotFound:   "Instance not found or has been stopped.",
	InstanceForbidden:  "You do not have permission to access this instance.",
	BackendUnavailable: "Failed to connect to the challenge instance. It might be stopped or still starting up.",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return 200
	case InvalidParams, NotInstantiable:
		return 400
	case Unauthorized, TokenExpired, TokenInvalid, SessionRevoked:
		return 401
	case Forbidden, InstanceForbidden:
		return 403
	case NotFound, ChallengeNotFound, InstanceNotFound:
		return 404
	case InstanceLimitReached:
		return 409
	case TooManyRequests:
		return 429
	case ServiceUnavailable, BackendUnavailable:
		return 503
	case Timeout:
		return 504
	default:
		return 500
	}
}
