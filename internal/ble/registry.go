package ble

import (
	"slices"
	"strings"
)

// Registry is the deduplicated, display-ordered set of devices seen during
// the current scan. It is not safe for concurrent use; the Manager owns it.
type Registry struct {
	devices []Device
	seen    map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Add inserts d unless a device with the same address is already present,
// in which case the first-seen entry is kept. Reports whether d was added.
func (r *Registry) Add(d Device) bool {
	if _, ok := r.seen[d.Address]; ok {
		return false
	}
	r.seen[d.Address] = struct{}{}
	r.devices = append(r.devices, d)
	slices.SortStableFunc(r.devices, compareDevices)
	return true
}

// Reset removes every device.
func (r *Registry) Reset() {
	r.devices = nil
	clear(r.seen)
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Devices returns a copy of the devices in display order.
func (r *Registry) Devices() []Device {
	return append(make([]Device, 0, len(r.devices)), r.devices...)
}

// Lookup returns the device with the given address.
func (r *Registry) Lookup(address string) (Device, bool) {
	i := slices.IndexFunc(r.devices, func(d Device) bool { return d.Address == address })
	if i < 0 {
		return Device{}, false
	}
	return r.devices[i], true
}

// compareDevices orders by display name, then address so that devices with
// equal names sort the same regardless of arrival order.
func compareDevices(a, b Device) int {
	if c := strings.Compare(a.DisplayName(), b.DisplayName()); c != 0 {
		return c
	}
	return strings.Compare(a.Address, b.Address)
}
