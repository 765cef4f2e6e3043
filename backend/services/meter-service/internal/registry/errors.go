package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no meter matches the id or serial number.
	ErrNotFound = errors.New("registry: meter not found")
	// ErrDuplicateSerialNumber is returned by Create for an already registered serial.
	ErrDuplicateSerialNumber = errors.New("registry: duplicate serial number")
	// ErrInvalidMeter is returned when a create input or a mutation result breaks meter invariants.
	ErrInvalidMeter = errors.New("registry: invalid meter")
	// ErrStorageUnavailable marks retryable backing-store failures. Nothing was applied.
	ErrStorageUnavailable = errors.New("registry: storage unavailable")
	// ErrLockTimeout is returned when the per-record lock is not acquired in time.
	// It matches ErrStorageUnavailable under errors.Is.
	ErrLockTimeout = fmt.Errorf("%w: record lock not acquired in time", ErrStorageUnavailable)
)
