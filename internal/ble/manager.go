package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bletext/internal/ble/protocol"
	"github.com/chaz8081/bletext/internal/watch"
)

// Options configures the Manager behavior.
type Options struct {
	ConnectTimeout  time.Duration // fail a connect attempt that stalls (default 15s)
	RequestMTU      int           // ATT MTU asked for after link up (default 517)
	InterChunkDelay time.Duration // pause between chunk writes (default none)
	WriteTimeout    time.Duration // fail a chunk write that is never acknowledged (default 5s)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 15 * time.Second,
		RequestMTU:     517,
		WriteTimeout:   5 * time.Second,
	}
}

// Manager owns the single BLE connection. All mutable state lives on one
// goroutine; public methods and adapter callbacks post closures to it.
type Manager struct {
	adapter Adapter
	opts    Options

	devices *watch.Value[[]Device]
	state   *watch.Value[State]
	status  *watch.Value[string]

	inbox   *mailbox
	stopped chan struct{}

	closeOnce sync.Once
	sendMu    sync.Mutex

	// Owned by the loop goroutine.
	m            *machine
	link         Link
	registry     *Registry
	scanning     bool
	scanSession  uint64
	connectReply chan error
	writeReply   chan error
	connectTimer *time.Timer
	quitting     bool
}

// NewManager creates a Manager driving adapter and starts its loop.
func NewManager(adapter Adapter, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestMTU <= 0 {
		opts.RequestMTU = def.RequestMTU
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	mgr := &Manager{
		adapter:  adapter,
		opts:     opts,
		devices:  watch.New([]Device{}),
		state:    watch.New(Disconnected),
		status:   watch.New("Idle"),
		inbox:    newMailbox(),
		stopped:  make(chan struct{}),
		m:        newMachine(opts.RequestMTU),
		registry: NewRegistry(),
	}
	go mgr.loop()
	return mgr
}

// Devices is the observable list of devices found by the current scan,
// ordered by display name.
func (mgr *Manager) Devices() *watch.Value[[]Device] { return mgr.devices }

// State is the observable connection state.
func (mgr *Manager) State() *watch.Value[State] { return mgr.state }

// Status is the observable feed of human-readable status messages.
func (mgr *Manager) Status() *watch.Value[string] { return mgr.status }

func (mgr *Manager) loop() {
	defer close(mgr.stopped)
	for range mgr.inbox.wake {
		for _, fn := range mgr.inbox.drain() {
			fn()
		}
		if mgr.quitting {
			mgr.inbox.close()
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (mgr *Manager) do(fn func()) error {
	done := make(chan struct{})
	if !mgr.inbox.post(func() {
		fn()
		close(done)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-mgr.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// StartScan clears the device list and starts discovery. Any scan already
// running is restarted with the new filter.
func (mgr *Manager) StartScan(filter ScanFilter) error {
	var err error
	if e := mgr.do(func() { err = mgr.startScan(filter) }); e != nil {
		return e
	}
	return err
}

// StopScan ends discovery. Devices found so far stay listed. Safe to call
// when no scan is running.
func (mgr *Manager) StopScan() {
	_ = mgr.do(mgr.stopScan)
}

// Connect connects to dev and resolves a write characteristic per cfg. It
// returns nil once text can be sent, or the reason the attempt failed. Only
// one attempt may be in flight: Connect returns ErrBusy unless the Manager
// is Disconnected.
func (mgr *Manager) Connect(ctx context.Context, dev Device, cfg protocol.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("ble: %w", err)
	}

	reply := make(chan error, 1)
	var startErr error
	if err := mgr.do(func() { startErr = mgr.startConnect(dev, cfg, reply) }); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		_ = mgr.do(func() {
			if mgr.connectReply == reply {
				mgr.run(mgr.m.cancel(ctx.Err()))
			}
		})
	case <-mgr.stopped:
	}
	select {
	case err := <-reply:
		return err
	default:
		return ErrClosed
	}
}

// Disconnect drops the connection or connection attempt, if any, and
// releases the adapter link. Safe to call in any state.
func (mgr *Manager) Disconnect() {
	_ = mgr.do(func() { mgr.run(mgr.m.disconnect()) })
}

// MTU returns the negotiated MTU of the current connection.
func (mgr *Manager) MTU() int {
	mtu := protocol.DefaultMTU
	_ = mgr.do(func() { mtu = mgr.m.mtu })
	return mtu
}

// Endpoint returns the resolved write characteristic, if any.
func (mgr *Manager) Endpoint() (Endpoint, bool) {
	var (
		ep Endpoint
		ok bool
	)
	_ = mgr.do(func() {
		if mgr.m.endpoint != nil {
			ep, ok = *mgr.m.endpoint, true
		}
	})
	return ep, ok
}

// Close disconnects, stops scanning, and stops the Manager. Pending calls
// return ErrClosed.
func (mgr *Manager) Close() error {
	mgr.closeOnce.Do(func() {
		mgr.inbox.post(func() {
			mgr.stopScan()
			mgr.run(mgr.m.disconnect())
			if mgr.writeReply != nil {
				mgr.writeReply <- ErrClosed
				mgr.writeReply = nil
			}
			mgr.quitting = true
		})
		<-mgr.stopped
		mgr.devices.Close()
		mgr.state.Close()
		mgr.status.Close()
	})
	return nil
}

func (mgr *Manager) startScan(filter ScanFilter) error {
	if !mgr.adapter.Permitted() {
		mgr.setStatus("Bluetooth permission required")
		return ErrPermissionDenied
	}
	if mgr.m.state == Connecting {
		return fmt.Errorf("%w: cannot scan while connecting", ErrBusy)
	}
	if mgr.scanning {
		if err := mgr.adapter.StopScan(); err != nil {
			slog.Warn("[BLE] failed to stop previous scan", "error", err)
		}
		mgr.scanning = false
	}

	mgr.registry.Reset()
	mgr.devices.Set(mgr.registry.Devices())
	mgr.scanSession++
	session := mgr.scanSession

	err := mgr.adapter.StartScan(filter, func(r ScanReport) {
		mgr.inbox.post(func() { mgr.handleScanReport(session, r) })
	})
	if err != nil {
		mgr.setStatus(fmt.Sprintf("Scan failed: %v", err))
		return fmt.Errorf("ble: start scan: %w", err)
	}
	mgr.scanning = true
	slog.Info("[BLE] scanning", "name", filter.Name, "service", filter.Service)
	mgr.setStatus("Scanning...")
	return nil
}

func (mgr *Manager) handleScanReport(session uint64, r ScanReport) {
	if session != mgr.scanSession || !mgr.scanning {
		return
	}
	if r.Err != nil {
		slog.Warn("[BLE] scan failed", "error", r.Err)
		mgr.scanning = false
		mgr.setStatus(fmt.Sprintf("Scan failed: %v", r.Err))
		return
	}
	if mgr.registry.Add(r.Device) {
		slog.Debug("[BLE] discovered", "address", r.Device.Address, "name", r.Device.Name, "rssi", r.Device.RSSI)
		mgr.devices.Set(mgr.registry.Devices())
	}
}

func (mgr *Manager) stopScan() {
	if !mgr.scanning {
		return
	}
	mgr.scanning = false
	mgr.scanSession++
	if err := mgr.adapter.StopScan(); err != nil {
		slog.Warn("[BLE] failed to stop scan", "error", err)
	}
	mgr.setStatus("Scan stopped")
}

func (mgr *Manager) startConnect(dev Device, cfg protocol.Config, reply chan error) error {
	if !mgr.adapter.Permitted() {
		mgr.setStatus("Bluetooth permission required")
		return ErrPermissionDenied
	}
	fx, err := mgr.m.connect(dev.Address, cfg)
	if err != nil {
		return err
	}
	mgr.connectReply = reply
	mgr.run(fx)
	return nil
}

// emitter tags Link events with the session they belong to.
func (mgr *Manager) emitter(session uint64) func(Event) {
	return func(ev Event) {
		mgr.inbox.post(func() {
			if session != mgr.m.session {
				slog.Debug("[BLE] dropping stale event", "event", fmt.Sprintf("%T", ev))
				return
			}
			mgr.run(mgr.m.apply(ev))
		})
	}
}

// run performs the effects of a transition, then publishes the new state.
func (mgr *Manager) run(fx []effect) {
	for _, e := range fx {
		switch e := e.(type) {
		case stopScanEffect:
			mgr.stopScan()

		case statusEffect:
			mgr.setStatus(e.msg)

		case dialEffect:
			mgr.dial(e.session)

		case discoverEffect:
			if mgr.link == nil {
				continue
			}
			if err := mgr.link.DiscoverServices(); err != nil {
				mgr.run(mgr.m.apply(ServicesDiscovered{Err: err}))
			}

		case requestMTUEffect:
			if mgr.link == nil {
				continue
			}
			if err := mgr.link.RequestMTU(e.mtu); err != nil {
				slog.Warn("[BLE] MTU request failed, keeping default", "mtu", protocol.DefaultMTU, "error", err)
			}

		case closeLinkEffect:
			mgr.stopConnectTimer()
			if mgr.link != nil {
				if err := mgr.link.Close(); err != nil {
					slog.Warn("[BLE] failed to close link", "error", err)
				}
				mgr.link = nil
			}

		case finishConnectEffect:
			mgr.stopConnectTimer()
			if mgr.connectReply == nil {
				continue
			}
			mgr.publishState()
			if e.err != nil {
				slog.Warn("[BLE] connect failed", "address", mgr.m.address, "error", e.err)
			} else {
				ep := mgr.m.endpoint
				slog.Info("[BLE] connected", "address", mgr.m.address,
					"service", ep.Service, "characteristic", ep.Characteristic.UUID,
					"props", ep.Characteristic.Props)
			}
			mgr.connectReply <- e.err
			mgr.connectReply = nil

		case finishWriteEffect:
			if mgr.writeReply != nil {
				mgr.publishState()
				mgr.writeReply <- e.err
				mgr.writeReply = nil
			}
		}
	}
	mgr.publishState()
}

// publishState exposes the machine state. Called before any reply is
// delivered so a caller never observes a stale State after returning.
func (mgr *Manager) publishState() {
	if mgr.state.Get() != mgr.m.state {
		mgr.state.Set(mgr.m.state)
	}
}

func (mgr *Manager) dial(session uint64) {
	link, err := mgr.adapter.Connect(mgr.m.address, mgr.emitter(session))
	if err != nil {
		mgr.run(mgr.m.dialFailed(err))
		return
	}
	mgr.link = link
	mgr.connectTimer = time.AfterFunc(mgr.opts.ConnectTimeout, func() {
		mgr.inbox.post(func() { mgr.run(mgr.m.timeout(session)) })
	})
}

func (mgr *Manager) stopConnectTimer() {
	if mgr.connectTimer != nil {
		mgr.connectTimer.Stop()
		mgr.connectTimer = nil
	}
}

func (mgr *Manager) setStatus(msg string) {
	slog.Debug("[BLE] status", "message", msg)
	mgr.status.Set(msg)
}
