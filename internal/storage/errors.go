package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateVote is returned when a user votes twice on the same trace.
var ErrDuplicateVote = errors.New("storage: duplicate vote")

// ErrDuplicateUser is returned when an agent name is already registered.
var ErrDuplicateUser = errors.New("storage: duplicate user")
