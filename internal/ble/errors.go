package ble

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("ble: bluetooth permission required")
	ErrBusy             = errors.New("ble: connection already in progress")
	ErrConnectFailed    = errors.New("ble: connect failed")
	ErrServiceDiscovery = errors.New("ble: service discovery failed")
	ErrEndpointNotFound = errors.New("ble: write characteristic not found")
	ErrDisconnected     = errors.New("ble: disconnected")
	ErrConnectTimeout   = errors.New("ble: connect timed out")
	ErrNotReady         = errors.New("ble: no write characteristic resolved")
	ErrWriteFailed      = errors.New("ble: write failed")
	ErrWriteTimeout     = errors.New("ble: write not acknowledged")
	ErrClosed           = errors.New("ble: manager closed")
)

// WriteError reports the chunk at which a send was aborted. Chunks before
// Chunk were delivered.
type WriteError struct {
	Chunk  int // zero-based index of the rejected chunk
	Chunks int // total chunks in the send
	Err    error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: write chunk %d/%d: %v", e.Chunk+1, e.Chunks, e.Err)
	}
	return fmt.Sprintf("ble: write chunk %d/%d rejected", e.Chunk+1, e.Chunks)
}

func (e *WriteError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrWriteFailed, e.Err}
	}
	return []error{ErrWriteFailed}
}
