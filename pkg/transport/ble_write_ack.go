// SPDX-License-Identifier: Apache-2.0

//go:build darwin || windows

package transport

import "tinygo.org/x/bluetooth"

// writeCharacteristic performs a write with response; an error means the
// pod rejected or never acknowledged the write.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
