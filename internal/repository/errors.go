// Package repository holds the MySQL data access layer.  The sentinel errors
// below let handlers and services tell failure kinds apart without string
// matching: ErrForbidden when the caller does not own the row, ErrConflict
// when the row is in a state that forbids the change.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist.  Handlers
// translate it into 404.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own.  Handlers translate it into 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be applied because of the
// current state of the row, e.g. reviewing a payment that was never
// submitted.  Handlers translate it into 409.
var ErrConflict = errors.New("conflict")

// ErrEmailExists is returned by UserRepo.Create on a duplicate email.
var ErrEmailExists = errors.New("email already exists")
