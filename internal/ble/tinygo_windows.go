//go:build windows

package ble

import "tinygo.org/x/bluetooth"

func writeWithResponse(dc bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := dc.Write(data)
	return err
}

// charProps reads the GATT property bits WinRT reports for dc.
func charProps(dc bluetooth.DeviceCharacteristic) (Property, bool) {
	return propsFromGATT(dc.Properties()), true
}
