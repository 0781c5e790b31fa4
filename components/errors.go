package components

import (
	"errors"
)

var (
	ErrAlreadyRunning        = errors.New("already running")
	ErrHostAlreadyRegistered = errors.New("another host is already registered at the same address")
	ErrHostUnregistered      = errors.New("host is not registered")
)
