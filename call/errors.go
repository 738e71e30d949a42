package call

import "errors"

var (
	ErrNoSession    = errors.New("no authenticated session")
	ErrNoActiveCall = errors.New("no active call in room")
)

const (
	msgNoSession    = "Call unavailable. Please re-login."
	msgNoActiveCall = "No active call in this room."
)
