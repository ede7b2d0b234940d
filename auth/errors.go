package auth

import "errors"

// UserMessage returns the message shown to an end user for an authentication
// failure, or "" when err is not one.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid login credentials"
	case errors.Is(err, ErrDuplicateEmail):
		return "User already registered"
	case errors.Is(err, ErrWeakPassword):
		return "Password should be at least 8 characters"
	case errors.Is(err, ErrInvalidEmail):
		return "Unable to validate email address: invalid format"
	case errors.Is(err, ErrSessionExpired):
		return "Session expired, please sign in again"
	default:
		return ""
	}
}

// IsAuthError reports whether err belongs to the authentication taxonomy.
func IsAuthError(err error) bool {
	return UserMessage(err) != ""
}
