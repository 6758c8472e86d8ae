package domain

import "errors"

var (
	ErrAuthTimeout        = errors.New("no authenticated state observed before login timeout")
	ErrBrowserClosed      = errors.New("browser session was closed")
	ErrResolution         = errors.New("all candidate endpoints exhausted")
	ErrBookingRejected    = errors.New("booking rejected by backend")
	ErrIndexOutOfRange    = errors.New("staged reservation index out of range")
	ErrNotAuthenticated   = errors.New("no live session for identity")
	ErrNothingStaged      = errors.New("no staged reservations to confirm")
	ErrMembershipNotFound = errors.New("membership not found")
)
