package models

import "errors"

// ErrInvalidState means an agent node required a state field that is
// missing or ill-typed. It is never retried.
var ErrInvalidState = errors.New("invalid analysis state")
