package service

import "errors"

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrFollowSelf   = errors.New("cannot follow self")
	ErrSameUser     = errors.New("cannot open a private channel with yourself")
)
