// SPDX-License-Identifier: Apache-2.0

//go:build !darwin && !windows

package transport

import "tinygo.org/x/bluetooth"

// writeCharacteristic writes through BlueZ WriteValue with no write type.
// BlueZ then issues a write request when the characteristic allows it,
// and the call fails if the pod does not acknowledge. The pod's config
// characteristic supports write with response, so errors still reach the
// caller. A characteristic that only allows write without response gets
// no acknowledgement.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
