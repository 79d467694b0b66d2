package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	bluezDeviceIface  = "org.bluez.Device1"
	bluezServiceIface = "org.bluez.GattService1"
	bluezCharIface    = "org.bluez.GattCharacteristic1"
	dbusPropsIface    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	propertiesChanged = dbusPropsIface + ".PropertiesChanged"
	interfacesAdded   = dbusObjectManager + ".InterfacesAdded"

	signalBufferLength = 64
)

// BlueZAdapter talks to BlueZ over the D-Bus system bus. Unlike TinyGoAdapter
// it reports real characteristic properties and the negotiated MTU, so every
// endpoint resolution tier works. Linux only.
type BlueZAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	mu       sync.Mutex
	scanStop chan struct{}
	scanDone chan struct{}
}

// NewBlueZAdapter connects to the system bus and binds to the named
// controller, e.g. "hci0".
func NewBlueZAdapter(name string) (*BlueZAdapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	if name == "" {
		name = "hci0"
	}
	return &BlueZAdapter{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + name),
	}, nil
}

// Permitted reports whether the controller exists and is powered.
func (a *BlueZAdapter) Permitted() bool {
	v, err := a.conn.Object(bluezBus, a.adapterPath).GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		slog.Warn("[BLE] adapter unavailable", "path", a.adapterPath, "error", err)
		return false
	}
	powered, _ := v.Value().(bool)
	return powered
}

func (a *BlueZAdapter) StartScan(filter ScanFilter, report func(ScanReport)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanStop != nil {
		return errors.New("ble: scan already running")
	}

	adapter := a.conn.Object(bluezBus, a.adapterPath)
	df := map[string]any{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if filter.HasService() {
		df["UUIDs"] = []string{filter.Service.String()}
	}
	if err := adapter.Call(bluezAdapterIface+".SetDiscoveryFilter", 0, df).Err; err != nil {
		// Some controllers reject filters; scanning still works.
		slog.Warn("[BLE] failed to set discovery filter", "error", err)
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(dbusObjectManager), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(dbusPropsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(a.adapterPath)},
	}
	for _, m := range matches {
		if err := a.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("ble: add match: %w", err)
		}
	}
	signals := make(chan *dbus.Signal, signalBufferLength)
	a.conn.Signal(signals)

	if err := adapter.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		a.conn.RemoveSignal(signals)
		for _, m := range matches {
			_ = a.conn.RemoveMatchSignal(m...)
		}
		return fmt.Errorf("ble: start discovery: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	a.scanStop, a.scanDone = stop, done

	go func() {
		defer close(done)
		defer func() {
			a.conn.RemoveSignal(signals)
			for _, m := range matches {
				_ = a.conn.RemoveMatchSignal(m...)
			}
		}()

		// BlueZ only announces devices it did not already know about, so
		// report cached ones first.
		a.reportKnown(filter, report)

		for {
			select {
			case <-stop:
				return
			case sig, ok := <-signals:
				if !ok {
					report(ScanReport{Err: errors.New("system bus closed")})
					return
				}
				a.handleScanSignal(sig, filter, report)
			}
		}
	}()
	return nil
}

func (a *BlueZAdapter) StopScan() error {
	a.mu.Lock()
	stop, done := a.scanStop, a.scanDone
	a.scanStop, a.scanDone = nil, nil
	a.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	<-done
	if err := a.conn.Object(bluezBus, a.adapterPath).Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("ble: stop discovery: %w", err)
	}
	return nil
}

func (a *BlueZAdapter) reportKnown(filter ScanFilter, report func(ScanReport)) {
	objects, err := a.managedObjects()
	if err != nil {
		slog.Warn("[BLE] failed to list known devices", "error", err)
		return
	}
	for path, ifaces := range objects {
		if props, ok := ifaces[bluezDeviceIface]; ok && a.ownsPath(path) {
			a.reportDevice(props, filter, report)
		}
	}
}

func (a *BlueZAdapter) handleScanSignal(sig *dbus.Signal, filter ScanFilter, report func(ScanReport)) {
	switch sig.Name {
	case interfacesAdded:
		var (
			path   dbus.ObjectPath
			ifaces map[string]map[string]dbus.Variant
		)
		if err := dbus.Store(sig.Body, &path, &ifaces); err != nil || !a.ownsPath(path) {
			return
		}
		if props, ok := ifaces[bluezDeviceIface]; ok {
			a.reportDevice(props, filter, report)
		}

	case propertiesChanged:
		// A known device advertising again updates its RSSI.
		if len(sig.Body) < 2 || sig.Body[0] != bluezDeviceIface || !a.ownsPath(sig.Path) {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if _, ok := changed["RSSI"]; !ok {
			return
		}
		var props map[string]dbus.Variant
		if err := a.conn.Object(bluezBus, sig.Path).Call(dbusPropsIface+".GetAll", 0, bluezDeviceIface).Store(&props); err != nil {
			return
		}
		a.reportDevice(props, filter, report)
	}
}

func (a *BlueZAdapter) reportDevice(props map[string]dbus.Variant, filter ScanFilter, report func(ScanReport)) {
	// Devices without RSSI are cached from earlier sessions and not in range.
	rssi, ok := variant[int16](props, "RSSI")
	if !ok {
		return
	}
	name, _ := variant[string](props, "Name")
	if !filter.MatchName(name) {
		return
	}
	if filter.HasService() {
		uuids, _ := variant[[]string](props, "UUIDs")
		if !slices.ContainsFunc(uuids, func(s string) bool { return strings.EqualFold(s, filter.Service.String()) }) {
			return
		}
	}
	address, _ := variant[string](props, "Address")
	report(ScanReport{Device: Device{Address: address, Name: name, RSSI: int(rssi)}})
}

func (a *BlueZAdapter) Connect(address string, emit func(Event)) (Link, error) {
	path := a.devicePath(address)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(dbusPropsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(path),
	}
	if err := a.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("ble: add match: %w", err)
	}
	signals := make(chan *dbus.Signal, signalBufferLength)
	a.conn.Signal(signals)

	l := &bluezLink{
		a:       a,
		path:    path,
		emit:    emit,
		match:   match,
		signals: signals,
		stop:    make(chan struct{}),
		chars:   make(map[string]dbus.ObjectPath),
	}
	go l.watch(l.stop)

	// Device1.Connect blocks until the link is up or BlueZ gives up.
	go func() {
		err := a.conn.Object(bluezBus, path).Call(bluezDeviceIface+".Connect", 0).Err
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if err != nil {
			l.mu.Unlock()
			emit(ConnectFailed{Err: err})
			return
		}
		l.up = true
		l.mu.Unlock()
		emit(LinkUp{})
		if l.servicesResolved() {
			l.onServicesResolved()
		}
	}()
	return l, nil
}

func (a *BlueZAdapter) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := a.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}
	return objects, nil
}

func (a *BlueZAdapter) ownsPath(p dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(a.adapterPath)+"/dev_")
}

// devicePath maps "AA:BB:CC:DD:EE:FF" to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func (a *BlueZAdapter) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", a.adapterPath, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type bluezLink struct {
	a       *BlueZAdapter
	path    dbus.ObjectPath
	emit    func(Event)
	match   []dbus.MatchOption
	signals chan *dbus.Signal
	stop    chan struct{}

	mu              sync.Mutex
	up              bool
	closed          bool
	discoverPending bool
	discovered      bool
	mtuPending      bool
	mtu             int
	chars           map[string]dbus.ObjectPath // keyed by Characteristic.Handle
}

// watch turns device property changes into link events until Close.
func (l *bluezLink) watch(stop <-chan struct{}) {
	defer func() {
		l.a.conn.RemoveSignal(l.signals)
		_ = l.a.conn.RemoveMatchSignal(l.match...)
	}()
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-l.signals:
			if !ok {
				return
			}
			if sig.Path != l.path || sig.Name != propertiesChanged || len(sig.Body) < 2 || sig.Body[0] != bluezDeviceIface {
				continue
			}
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			if connected, ok := variant[bool](changed, "Connected"); ok && !connected && l.lost() {
				return
			}
			if resolved, ok := variant[bool](changed, "ServicesResolved"); ok && resolved {
				l.onServicesResolved()
			}
		}
	}
}

// lost reports a drop of an established link. A drop while still dialing
// is left to the pending Device1.Connect call to report.
func (l *bluezLink) lost() bool {
	l.mu.Lock()
	if l.closed || !l.up {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.mu.Unlock()
	slog.Info("[BLE] device disconnected", "path", l.path)
	l.emit(LinkDown{})
	return true
}

func (l *bluezLink) servicesResolved() bool {
	v, err := l.a.conn.Object(bluezBus, l.path).GetProperty(bluezDeviceIface + ".ServicesResolved")
	if err != nil {
		return false
	}
	resolved, _ := v.Value().(bool)
	return resolved
}

func (l *bluezLink) onServicesResolved() {
	l.mu.Lock()
	run := l.discoverPending && !l.discovered && !l.closed
	if run {
		l.discoverPending = false
		l.discovered = true
	}
	l.mu.Unlock()
	if run {
		go l.discover()
	}
}

// RequestMTU reports the MTU BlueZ exchanged on connect. BlueZ offers no way
// to ask for a size, and the value is published per characteristic, so the
// answer may wait for discovery.
func (l *bluezLink) RequestMTU(int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrDisconnected
	}
	if !l.discovered || len(l.chars) == 0 {
		l.mtuPending = true
		return nil
	}
	mtu := l.mtu
	go l.emit(MTUResult{MTU: mtu, OK: mtu > 0})
	return nil
}

// DiscoverServices waits for BlueZ to resolve services, then reads the GATT
// tree from the object manager.
func (l *bluezLink) DiscoverServices() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrDisconnected
	}
	l.discoverPending = true
	l.mu.Unlock()
	if l.servicesResolved() {
		l.onServicesResolved()
	}
	return nil
}

func (l *bluezLink) discover() {
	objects, err := l.a.managedObjects()
	if err != nil {
		l.emit(ServicesDiscovered{Err: err})
		return
	}

	prefix := string(l.path) + "/"
	svcPaths := make(map[dbus.ObjectPath]*Service)
	var order []dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezServiceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		s, _ := variant[string](props, "UUID")
		uuid, err := bluetooth.ParseUUID(strings.ToLower(s))
		if err != nil {
			continue
		}
		svcPaths[path] = &Service{UUID: uuid}
		order = append(order, path)
	}

	// Object paths encode ATT handles as fixed-width hex, so sorting paths
	// restores discovery order.
	var charPaths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezCharIface]; ok && strings.HasPrefix(string(path), prefix) {
			charPaths = append(charPaths, path)
		}
	}
	slices.Sort(order)
	slices.Sort(charPaths)

	chars := make(map[string]dbus.ObjectPath)
	mtu := 0
	for _, path := range charPaths {
		props := objects[path][bluezCharIface]
		svcPath, _ := variant[dbus.ObjectPath](props, "Service")
		svc, ok := svcPaths[svcPath]
		if !ok {
			continue
		}
		s, _ := variant[string](props, "UUID")
		uuid, err := bluetooth.ParseUUID(strings.ToLower(s))
		if err != nil {
			continue
		}
		flags, _ := variant[[]string](props, "Flags")
		if m, ok := variant[uint16](props, "MTU"); ok && mtu == 0 {
			mtu = int(m)
		}
		handle := string(path)
		chars[handle] = path
		svc.Characteristics = append(svc.Characteristics, Characteristic{
			UUID:   uuid,
			Props:  parseFlags(flags),
			Handle: handle,
		})
	}

	services := make([]Service, 0, len(order))
	for _, p := range order {
		services = append(services, *svcPaths[p])
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.chars = chars
	l.mtu = mtu
	pending := l.mtuPending
	l.mtuPending = false
	l.mu.Unlock()

	l.emit(ServicesDiscovered{Services: services})
	if pending {
		l.emit(MTUResult{MTU: mtu, OK: mtu > 0})
	}
}

func (l *bluezLink) Write(ch Characteristic, data []byte, mode WriteMode, done func(error)) error {
	l.mu.Lock()
	path, ok := l.chars[ch.Handle]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	if !ok {
		return fmt.Errorf("ble: unknown characteristic %s", ch.UUID)
	}

	buf := append([]byte(nil), data...)
	options := map[string]any{"type": mode.String()}
	go func() {
		err := l.a.conn.Object(bluezBus, path).Call(bluezCharIface+".WriteValue", 0, buf, options).Err
		done(err)
	}()
	return nil
}

func (l *bluezLink) Close() error {
	l.mu.Lock()
	if l.closed && l.stop == nil {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if err := l.a.conn.Object(bluezBus, l.path).Call(bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.path, err)
	}
	return nil
}

var flagProps = map[string]Property{
	"broadcast":                   PropBroadcast,
	"read":                        PropRead,
	"write-without-response":      PropWriteWithoutResponse,
	"write":                       PropWrite,
	"reliable-write":              PropWrite,
	"authenticated-signed-writes": PropWrite,
	"notify":                      PropNotify,
	"indicate":                    PropIndicate,
}

// parseFlags maps BlueZ characteristic flags to property bits. Unknown flags
// are ignored.
func parseFlags(flags []string) Property {
	var p Property
	for _, f := range flags {
		p |= flagProps[f]
	}
	return p
}

// variant reads a typed property from a BlueZ property map.
func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}
