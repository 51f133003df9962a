package ffi_wrapper

import (
	"errors"
	"fmt"
)

var ErrLibraryNotFound = errors.New("library file not found")

// LibraryNotFoundError is returned by LoadCoreLibrary when the path does not
// name a regular file. It is raised before the dynamic loader is involved.
type LibraryNotFoundError struct {
	Path string
}

func (e *LibraryNotFoundError) Error() string {
	return fmt.Sprintf("library file not found: %s", e.Path)
}

func (e *LibraryNotFoundError) Unwrap() error { return ErrLibraryNotFound }
