package ble

import (
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// Resolve picks the characteristic text is written to. The first tier that
// matches wins:
//
//  1. the configured service and characteristic, if writable
//  2. the first writable characteristic of the configured service
//  3. the first writable characteristic of any service, in discovery order,
//     skipping characteristics of unknown properties in the standard GAP,
//     GATT and Device Information services
func Resolve(services []Service, cfg protocol.Config) (Endpoint, bool) {
	var target *Service
	if cfg.HasService() {
		for i := range services {
			if services[i].UUID == cfg.ServiceUUID {
				target = &services[i]
				break
			}
		}
	}

	if target != nil && cfg.HasWriteChar() {
		for _, c := range target.Characteristics {
			if c.UUID == cfg.WriteCharUUID {
				if c.Writable() {
					return Endpoint{Service: target.UUID, Characteristic: c}, true
				}
				break
			}
		}
	}

	if target != nil {
		if c, ok := firstWritable(target.Characteristics); ok {
			return Endpoint{Service: target.UUID, Characteristic: c}, true
		}
	}

	for _, svc := range services {
		reserved := isReservedService(svc.UUID)
		for _, c := range svc.Characteristics {
			if c.PropsUnknown && reserved {
				continue
			}
			if c.Writable() {
				return Endpoint{Service: svc.UUID, Characteristic: c}, true
			}
		}
	}
	return Endpoint{}, false
}

var reservedServices = []bluetooth.UUID{
	bluetooth.New16BitUUID(0x1800), // Generic Access
	bluetooth.New16BitUUID(0x1801), // Generic Attribute
	bluetooth.New16BitUUID(0x180a), // Device Information
}

func isReservedService(u bluetooth.UUID) bool {
	for _, r := range reservedServices {
		if u == r {
			return true
		}
	}
	return false
}

func firstWritable(chars []Characteristic) (Characteristic, bool) {
	for _, c := range chars {
		if c.Writable() {
			return c, true
		}
	}
	return Characteristic{}, false
}
