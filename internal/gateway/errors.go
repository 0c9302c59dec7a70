package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectivityError means the device could not be reached (DNS, refused, timeout, TLS).
type ConnectivityError struct {
	Site string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("site %s unreachable: %v", e.Site, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError means the device rejected the credentials (HTTP 401).
type AuthError struct {
	Site string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("site %s rejected credentials", e.Site)
}

// RemoteError wraps any other non-2xx answer with the device's message.
type RemoteError struct {
	Site       string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("site %s: status %d", e.Site, e.StatusCode)
	}
	return fmt.Sprintf("site %s: status %d: %s", e.Site, e.StatusCode, e.Message)
}

// IsConnectivity reports whether err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRemote reports whether err is a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsSiteLevel reports whether err makes the whole site unusable for this cycle.
func IsSiteLevel(err error) bool {
	return IsConnectivity(err) || IsAuth(err)
}

// IsNotFound reports whether the device answered that the addressed item does not exist.
func IsNotFound(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == 404 || strings.Contains(strings.ToLower(re.Message), "no such item")
}
