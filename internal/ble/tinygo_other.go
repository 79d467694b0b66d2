//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse issues a plain WriteValue with no type option. tinygo has
// no acknowledged write here; BlueZ then picks a write request when the
// characteristic supports one, and the call returns once BlueZ answers.
func writeWithResponse(dc bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := dc.WriteWithoutResponse(data)
	return err
}

func charProps(bluetooth.DeviceCharacteristic) (Property, bool) {
	return 0, false
}
