/*
DESCRIPTION
  errors.go provides the errors returned by camera operations.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when the camera is held by a conflicting operation.
	// It is an expected contention signal and callers should retry or report
	// the conflict.
	ErrBusy = errors.New("camera busy")

	// ErrDeviceNotFound is returned when no capture device is present.
	ErrDeviceNotFound = errors.New("capture device not found")
)

// ProcessError reports a capture process that could not be started or exited
// abnormally.
type ProcessError struct {
	Op     string // Op is the capture kind, e.g. record.
	Err    error
	Stderr string // Stderr holds the tail of the process standard error.
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s process failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s process failed: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *ProcessError) Unwrap() error { return e.Err }
