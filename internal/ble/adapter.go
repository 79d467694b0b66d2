// Package ble discovers BLE peripherals, manages a single connection to one of
// them, and sends text to a writable characteristic in MTU-sized chunks.
package ble

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

// Device represents a discovered BLE peripheral.
// On macOS the Address is a CoreBluetooth UUID, not a MAC address.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi"`
}

// DisplayName returns the advertised name, or the address for unnamed devices.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// ScanFilter restricts which advertisements are reported. Zero fields match
// everything.
type ScanFilter struct {
	Name    string         // exact advertised local name
	Service bluetooth.UUID // advertised service UUID
}

// HasService reports whether the filter restricts by service UUID.
func (f ScanFilter) HasService() bool {
	return f.Service != bluetooth.UUID{}
}

// MatchName reports whether an advertised name passes the name filter.
func (f ScanFilter) MatchName(name string) bool {
	return f.Name == "" || f.Name == name
}

// ScanReport is a single scan callback: either a device or a scan failure.
type ScanReport struct {
	Device Device
	Err    error
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

var propNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

func (p Property) String() string {
	var parts []string
	for _, n := range propNames {
		if p&n.p != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID  bluetooth.UUID
	Props Property
	// PropsUnknown is set when the backend cannot read properties. Props is
	// then zero and the characteristic is assumed writable.
	PropsUnknown bool
	// Handle is the adapter's own reference to the characteristic.
	Handle string
}

// Writable reports whether the characteristic accepts writes in either mode.
func (c Characteristic) Writable() bool {
	return c.PropsUnknown || c.Props&(PropWrite|PropWriteWithoutResponse) != 0
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            bluetooth.UUID
	Characteristics []Characteristic
}

// Endpoint is the characteristic text is written to, with its owning service.
type Endpoint struct {
	Service        bluetooth.UUID
	Characteristic Characteristic
}

// WriteMode selects ATT write request or write command.
type WriteMode uint8

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "command"
	}
	return "request"
}

// Event is an asynchronous notification from a Link. Exactly one of the
// types below.
type Event interface {
	event()
}

// ConnectFailed reports that the link could not be established.
type ConnectFailed struct{ Err error }

// LinkUp reports that the link is established.
type LinkUp struct{}

// LinkDown reports that an established link was lost.
type LinkDown struct{ Err error }

// MTUResult completes Link.RequestMTU.
type MTUResult struct {
	MTU int
	OK  bool
}

// ServicesDiscovered completes Link.DiscoverServices.
type ServicesDiscovered struct {
	Services []Service
	Err      error
}

func (ConnectFailed) event()      {}
func (LinkUp) event()             {}
func (LinkDown) event()           {}
func (MTUResult) event()          {}
func (ServicesDiscovered) event() {}

// Link is one connection attempt to a peripheral. Its methods issue requests
// and return without waiting; outcomes are delivered as Events to the emit
// func given to Adapter.Connect.
type Link interface {
	// RequestMTU asks for an ATT MTU of mtu bytes; answered by MTUResult.
	RequestMTU(mtu int) error
	// DiscoverServices walks the GATT tree; answered by ServicesDiscovered.
	DiscoverServices() error
	// Write sends data to ch and calls done once with the outcome. A non-nil
	// error means the write was rejected before being issued and done is
	// never called.
	Write(ch Characteristic, data []byte, mode WriteMode, done func(error)) error
	// Close disconnects and releases the link. Safe to call more than once.
	Close() error
}

// Adapter abstracts the BLE radio for testing.
type Adapter interface {
	// Permitted reports whether the radio may be used (powered on and
	// access granted).
	Permitted() bool
	// StartScan begins discovery and returns immediately. Results and scan
	// failures are passed to report until StopScan.
	StartScan(filter ScanFilter, report func(ScanReport)) error
	// StopScan ends discovery. A no-op when no scan is running.
	StopScan() error
	// Connect starts connecting to address and returns immediately. The
	// outcome arrives as ConnectFailed or LinkUp via emit.
	Connect(address string, emit func(Event)) (Link, error)
}
