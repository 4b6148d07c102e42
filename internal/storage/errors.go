package storage

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDocNotFound indicates a document miss on ReadJSON.
	ErrDocNotFound = errors.New("storage: document not found")
)
