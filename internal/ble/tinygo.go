package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. It runs on macOS (CoreBluetooth),
// Linux (BlueZ) and Windows (WinRT).
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses).
//
// Characteristic properties are only readable on Windows. Elsewhere they are
// reported as unknown, which the resolver treats as writable outside the
// standard GAP, GATT and Device Information services. Use BlueZAdapter on
// Linux when the fallback tiers matter.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// mu protects links and scanning.
	mu       sync.Mutex
	links    map[string]*tinyGoLink // keyed by device address
	scanning bool
	scanDone chan struct{}
}

// NewTinyGoAdapter creates a new BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

// Permitted enables the radio on first use and reports whether that worked.
// On macOS the first call triggers the system Bluetooth permission prompt.
func (a *TinyGoAdapter) Permitted() bool {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			slog.Error("[BLE] failed to enable adapter", "error", err)
			a.enableErr = err
			return
		}

		// tinygo fires this handler (with connected=false) when a peripheral
		// disconnects.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			a.mu.Lock()
			l, ok := a.links[device.Address.String()]
			a.mu.Unlock()
			if ok {
				l.lost()
			}
		})
	})
	return a.enableErr == nil
}

func (a *TinyGoAdapter) StartScan(filter ScanFilter, report func(ScanReport)) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errors.New("ble: scan already running")
	}
	a.scanning = true
	done := make(chan struct{})
	a.scanDone = done
	a.mu.Unlock()

	// Scan blocks until StopScan.
	go func() {
		defer close(done)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if filter.HasService() && !result.HasServiceUUID(filter.Service) {
				return
			}
			name := result.LocalName()
			if !filter.MatchName(name) {
				return
			}
			report(ScanReport{Device: Device{
				Address: result.Address.String(),
				Name:    name,
				RSSI:    int(result.RSSI),
			}})
		})

		a.mu.Lock()
		stopped := !a.scanning
		a.scanning = false
		a.mu.Unlock()
		if err != nil && !stopped {
			report(ScanReport{Err: err})
		}
	}()
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = false
	done := a.scanDone
	a.mu.Unlock()

	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	<-done
	return nil
}

func (a *TinyGoAdapter) Connect(address string, emit func(Event)) (Link, error) {
	// On macOS, bluetooth.Address wraps a UUID, not a MAC.
	// Address.Set() parses either form for the current platform.
	var addr bluetooth.Address
	addr.Set(address)

	l := &tinyGoLink{a: a, address: address, emit: emit, chars: make(map[string]bluetooth.DeviceCharacteristic)}

	a.mu.Lock()
	if _, busy := a.links[address]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("ble: %s already has a link", address)
	}
	a.links[address] = l
	a.mu.Unlock()

	// tinygo's Connect blocks with its own timeout.
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.forget(l)
			emit(ConnectFailed{Err: err})
			return
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			// Closed while dialing; drop the connection we just made.
			if err := device.Disconnect(); err != nil {
				slog.Warn("[BLE] failed to drop abandoned connection", "address", address, "error", err)
			}
			return
		}
		l.device = &device
		l.mu.Unlock()
		emit(LinkUp{})
	}()
	return l, nil
}

func (a *TinyGoAdapter) forget(l *tinyGoLink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[l.address] == l {
		delete(a.links, l.address)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoLink struct {
	a       *TinyGoAdapter
	address string
	emit    func(Event)

	mu         sync.Mutex
	device     *bluetooth.Device
	chars      map[string]bluetooth.DeviceCharacteristic // keyed by Characteristic.Handle
	mtuPending bool
	closed     bool
}

// RequestMTU reports the MTU the platform negotiated on its own; tinygo
// cannot ask for a specific size. The value is only readable through a
// discovered characteristic, so the answer may wait for DiscoverServices.
func (l *tinyGoLink) RequestMTU(int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return ErrDisconnected
	}
	if len(l.chars) == 0 {
		l.mtuPending = true
		return nil
	}
	go l.reportMTU()
	return nil
}

func (l *tinyGoLink) reportMTU() {
	l.mu.Lock()
	var char *bluetooth.DeviceCharacteristic
	for _, c := range l.chars {
		char = &c
		break
	}
	l.mu.Unlock()
	if char == nil {
		l.emit(MTUResult{})
		return
	}
	mtu, err := char.GetMTU()
	if err != nil {
		slog.Debug("[BLE] MTU unavailable", "error", err)
		l.emit(MTUResult{})
		return
	}
	l.emit(MTUResult{MTU: int(mtu), OK: true})
}

func (l *tinyGoLink) DiscoverServices() error {
	l.mu.Lock()
	device := l.device
	l.mu.Unlock()
	if device == nil {
		return ErrDisconnected
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			l.emit(ServicesDiscovered{Err: err})
			return
		}

		var services []Service
		chars := make(map[string]bluetooth.DeviceCharacteristic)
		for i, svc := range svcs {
			dcs, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				l.emit(ServicesDiscovered{Err: fmt.Errorf("service %s: %w", svc.UUID(), err)})
				return
			}
			s := Service{UUID: svc.UUID()}
			for j, dc := range dcs {
				handle := fmt.Sprintf("%d/%d", i, j)
				chars[handle] = dc
				props, known := charProps(dc)
				s.Characteristics = append(s.Characteristics, Characteristic{
					UUID:         dc.UUID(),
					Props:        props,
					PropsUnknown: !known,
					Handle:       handle,
				})
			}
			services = append(services, s)
		}

		l.mu.Lock()
		l.chars = chars
		pending := l.mtuPending
		l.mtuPending = false
		l.mu.Unlock()

		l.emit(ServicesDiscovered{Services: services})
		if pending {
			l.reportMTU()
		}
	}()
	return nil
}

func (l *tinyGoLink) Write(ch Characteristic, data []byte, mode WriteMode, done func(error)) error {
	l.mu.Lock()
	dc, ok := l.chars[ch.Handle]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: unknown characteristic %s", ch.UUID)
	}

	buf := append([]byte(nil), data...)
	go func() {
		var err error
		if mode == WriteWithoutResponse {
			_, err = dc.WriteWithoutResponse(buf)
		} else {
			err = writeWithResponse(dc, buf)
		}
		done(err)
	}()
	return nil
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	device := l.device
	l.device = nil
	l.mu.Unlock()

	l.a.forget(l)
	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.address, err)
	}
	return nil
}

// lost handles a disconnect reported by the radio.
func (l *tinyGoLink) lost() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.device = nil
	l.mu.Unlock()

	l.a.forget(l)
	l.emit(LinkDown{})
}

// propsFromGATT keeps the standard property bits of a raw GATT property value.
func propsFromGATT(bits uint32) Property {
	const known = PropBroadcast | PropRead | PropWriteWithoutResponse | PropWrite | PropNotify | PropIndicate
	return Property(bits) & known
}
