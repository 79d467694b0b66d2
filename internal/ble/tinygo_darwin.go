//go:build darwin

package ble

import "tinygo.org/x/bluetooth"

func writeWithResponse(dc bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := dc.Write(data)
	return err
}

// CoreBluetooth knows the properties but tinygo does not expose them.
func charProps(bluetooth.DeviceCharacteristic) (Property, bool) {
	return 0, false
}
