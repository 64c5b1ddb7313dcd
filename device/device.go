/*
DESCRIPTION
  device.go provides helpers shared by the booth peripherals, such as the
  MultiError used when validating device configuration.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package device provides helpers shared by the booth peripherals. The
// peripherals themselves live in subpackages: webcam for capture commands,
// lcd for the character display, gpio for indicators and the button, and rfid
// for the identity reader.
package device

import (
	"fmt"
	"os"
)

// MultiError implements the built in error interface. MultiError is used here
// to collect multiple errors during validation of configuration parameters for
// devices.
type MultiError []error

func (me MultiError) Error() string {
	if len(me) == 0 {
		panic("device: invalid use of MultiError")
	}
	return fmt.Sprintf("%v", []error(me))
}

// Exists reports whether a device node is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
