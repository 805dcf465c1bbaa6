package vchat

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the actor may not perform a
	// destructive action. Nothing was written locally or remotely.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSessionBusy is returned when a bootstrap, login, logout or
	// registration is requested while another one is in flight.
	ErrSessionBusy = errors.New("session operation already in flight")

	// ErrNotAuthenticated is returned by operations that need a current user.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoActiveRoom is returned by room operations when no room is open.
	ErrNoActiveRoom = errors.New("no active room")

	ErrNoKey     = errors.New("cache: empty key")
	ErrNoFetcher = errors.New("cache: no fetcher registered for key")
)

// APIError is an error response of the remote store.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the remote store.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
