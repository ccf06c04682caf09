package repository

import "errors"

// ErrNoRowsAffected signals that a mutation matched no rows. Callers
// decide whether that means not-found or a concurrent modification.
var ErrNoRowsAffected = errors.New("no rows affected")
