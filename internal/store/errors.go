package store

import "errors"

// Sentinel errors shared by the sqlite and memory backends. Callers test
// with errors.Is; the registry translates them into API fault kinds
// (ErrNotFound to unknown-server, ErrAlreadyExists to conflict).
var (
	ErrNotFound      = errors.New("server record not found")
	ErrAlreadyExists = errors.New("server record already exists")
)
