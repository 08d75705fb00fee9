package appstore

import (
	"errors"
	"fmt"
)

var (
	ErrUnbound            = errors.New("contract session not bound")
	ErrUnsupportedNetwork = errors.New("no AppStore deployment for network")
	ErrCallFailed         = errors.New("contract call failed")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// CallError is returned when a single contract method fails, either in the
// RPC round trip or because the contract reverted.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() []error {
	return []error{ErrCallFailed, e.Err}
}
