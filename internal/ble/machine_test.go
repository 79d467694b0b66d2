package ble

import (
	"errors"
	"testing"

	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// statuses extracts the status messages from fx in order.
func statuses(fx []effect) []string {
	var out []string
	for _, e := range fx {
		if s, ok := e.(statusEffect); ok {
			out = append(out, s.msg)
		}
	}
	return out
}

// connectResult returns the finishConnectEffect in fx, if any.
func connectResult(fx []effect) (finishConnectEffect, bool) {
	for _, e := range fx {
		if f, ok := e.(finishConnectEffect); ok {
			return f, true
		}
	}
	return finishConnectEffect{}, false
}

func hasEffect[T effect](fx []effect) bool {
	for _, e := range fx {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func connectedMachine(t *testing.T) *machine {
	t.Helper()
	m := newMachine(517)
	if _, err := m.connect("AA:01", protocol.NUS); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	m.apply(LinkUp{})
	fx := m.apply(ServicesDiscovered{Services: nusServices()})
	if f, ok := connectResult(fx); !ok || f.err != nil {
		t.Fatalf("ServicesDiscovered settle = %v, %v, want nil, true", f.err, ok)
	}
	return m
}

func TestMachineConnectEffects(t *testing.T) {
	m := newMachine(517)
	fx, err := m.connect("AA:01", protocol.NUS)
	if err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if m.state != Connecting {
		t.Errorf("state = %v, want connecting", m.state)
	}
	if _, ok := fx[0].(stopScanEffect); !ok {
		t.Errorf("first effect = %T, want stopScanEffect", fx[0])
	}
	if got := statuses(fx); len(got) != 1 || got[0] != "Connecting to AA:01..." {
		t.Errorf("statuses = %q", got)
	}
	d, ok := fx[len(fx)-1].(dialEffect)
	if !ok || d.session != m.session {
		t.Errorf("last effect = %#v, want dial for session %d", fx[len(fx)-1], m.session)
	}
}

func TestMachineConnectBusy(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	if _, err := m.connect("BB:02", protocol.NUS); !errors.Is(err, ErrBusy) {
		t.Errorf("second connect() error = %v, want ErrBusy", err)
	}
	if m.address != "AA:01" {
		t.Errorf("address = %q, want AA:01", m.address)
	}
}

func TestMachineLinkUpIsConnectedBeforeResolution(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	fx := m.apply(LinkUp{})

	if m.state != Connected {
		t.Errorf("state = %v, want connected", m.state)
	}
	if !hasEffect[discoverEffect](fx) {
		t.Error("LinkUp did not request service discovery")
	}
	var asked int
	for _, e := range fx {
		if r, ok := e.(requestMTUEffect); ok {
			asked = r.mtu
		}
	}
	if asked != 517 {
		t.Errorf("requested MTU = %d, want 517", asked)
	}
	if _, ok := connectResult(fx); ok {
		t.Error("LinkUp settled connect before resolution")
	}
	if _, _, err := m.beginWrite(); !errors.Is(err, ErrNotReady) {
		t.Errorf("beginWrite() before resolution error = %v, want ErrNotReady", err)
	}
}

func TestMachineMTUEitherOrder(t *testing.T) {
	// MTU after discovery.
	m := connectedMachine(t)
	m.apply(MTUResult{MTU: 247, OK: true})
	if _, mtu, ok := m.ready(); !ok || mtu != 247 {
		t.Errorf("ready() mtu = %d, %v, want 247, true", mtu, ok)
	}

	// MTU before discovery.
	m = newMachine(517)
	m.connect("AA:01", protocol.NUS)
	m.apply(LinkUp{})
	fx := m.apply(MTUResult{MTU: 185, OK: true})
	if got := statuses(fx); len(got) != 1 || got[0] != "MTU negotiated: 185" {
		t.Errorf("statuses = %q", got)
	}
	m.apply(ServicesDiscovered{Services: nusServices()})
	if _, mtu, ok := m.ready(); !ok || mtu != 185 {
		t.Errorf("ready() mtu = %d, %v, want 185, true", mtu, ok)
	}
}

func TestMachineMTUFailureKeepsDefault(t *testing.T) {
	m := connectedMachine(t)
	if fx := m.apply(MTUResult{MTU: 517, OK: false}); len(fx) != 0 {
		t.Errorf("failed MTU effects = %v, want none", fx)
	}
	if m.state != Connected {
		t.Errorf("state = %v, want connected", m.state)
	}
	if _, mtu, _ := m.ready(); mtu != protocol.DefaultMTU {
		t.Errorf("mtu = %d, want %d", mtu, protocol.DefaultMTU)
	}
}

func TestMachineDiscoveryFailureTearsDown(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	m.apply(LinkUp{})
	session := m.session
	fx := m.apply(ServicesDiscovered{Err: errors.New("status 133")})

	if m.state != Disconnected {
		t.Errorf("state = %v, want disconnected", m.state)
	}
	if !hasEffect[closeLinkEffect](fx) {
		t.Error("discovery failure did not close the link")
	}
	if f, ok := connectResult(fx); !ok || !errors.Is(f.err, ErrServiceDiscovery) {
		t.Errorf("connect result = %v, want ErrServiceDiscovery", f.err)
	}
	if got := statuses(fx); len(got) == 0 || got[0] != "Service discovery failed: status 133" {
		t.Errorf("statuses = %q", got)
	}
	if m.session == session {
		t.Error("teardown did not start a new session")
	}
}

func TestMachineEndpointNotFoundTearsDown(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	m.apply(LinkUp{})
	fx := m.apply(ServicesDiscovered{Services: []Service{{UUID: protocol.MustParseUUID("180a")}}})

	if m.state != Disconnected {
		t.Errorf("state = %v, want disconnected", m.state)
	}
	if !hasEffect[closeLinkEffect](fx) {
		t.Error("missing endpoint did not close the link")
	}
	if f, _ := connectResult(fx); !errors.Is(f.err, ErrEndpointNotFound) {
		t.Errorf("connect result = %v, want ErrEndpointNotFound", f.err)
	}
	if got := statuses(fx); got[0] != "Write characteristic not found" {
		t.Errorf("statuses = %q", got)
	}
}

func TestMachineConnectFailed(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	fx := m.apply(ConnectFailed{Err: errors.New("8")})

	if m.state != Disconnected {
		t.Errorf("state = %v, want disconnected", m.state)
	}
	if f, _ := connectResult(fx); !errors.Is(f.err, ErrConnectFailed) {
		t.Errorf("connect result = %v, want ErrConnectFailed", f.err)
	}
	if got := statuses(fx); len(got) != 1 || got[0] != "GATT error: 8" {
		t.Errorf("statuses = %q", got)
	}
}

func TestMachineLinkDownResets(t *testing.T) {
	m := connectedMachine(t)
	m.apply(MTUResult{MTU: 247, OK: true})
	fx := m.apply(LinkDown{})

	if m.state != Disconnected {
		t.Errorf("state = %v, want disconnected", m.state)
	}
	if m.endpoint != nil {
		t.Error("endpoint survived link loss")
	}
	if m.mtu != protocol.DefaultMTU {
		t.Errorf("mtu = %d, want %d", m.mtu, protocol.DefaultMTU)
	}
	if got := statuses(fx); len(got) != 1 || got[0] != "Disconnected" {
		t.Errorf("statuses = %q", got)
	}
	if _, ok := connectResult(fx); ok {
		t.Error("link loss after connect settled it again")
	}
}

func TestMachineLinkDownFailsPendingWrite(t *testing.T) {
	m := connectedMachine(t)
	if _, _, err := m.beginWrite(); err != nil {
		t.Fatalf("beginWrite() error = %v", err)
	}
	fx := m.apply(LinkDown{})
	var got error
	for _, e := range fx {
		if w, ok := e.(finishWriteEffect); ok {
			got = w.err
		}
	}
	if !errors.Is(got, ErrDisconnected) {
		t.Errorf("pending write result = %v, want ErrDisconnected", got)
	}
}

func TestMachineDisconnectIdempotent(t *testing.T) {
	m := connectedMachine(t)
	fx := m.disconnect()
	if !hasEffect[closeLinkEffect](fx) {
		t.Error("disconnect() did not close the link")
	}
	if got := statuses(fx); len(got) != 1 || got[0] != "Disconnected" {
		t.Errorf("statuses = %q", got)
	}
	if fx := m.disconnect(); len(fx) != 0 {
		t.Errorf("second disconnect() effects = %v, want none", fx)
	}
	if fx := newMachine(517).disconnect(); len(fx) != 0 {
		t.Errorf("disconnect() on idle machine effects = %v, want none", fx)
	}
}

func TestMachineDisconnectWhileConnectingSettles(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	fx := m.disconnect()
	if f, ok := connectResult(fx); !ok || !errors.Is(f.err, ErrDisconnected) {
		t.Errorf("connect result = %v, %v, want ErrDisconnected", f.err, ok)
	}
}

func TestMachineTimeout(t *testing.T) {
	m := newMachine(517)
	m.connect("AA:01", protocol.NUS)
	session := m.session

	if fx := m.timeout(session + 1); len(fx) != 0 {
		t.Errorf("timeout for other session effects = %v, want none", fx)
	}
	fx := m.timeout(session)
	if f, _ := connectResult(fx); !errors.Is(f.err, ErrConnectTimeout) {
		t.Errorf("connect result = %v, want ErrConnectTimeout", f.err)
	}
	if m.state != Disconnected {
		t.Errorf("state = %v, want disconnected", m.state)
	}

	// A timer that fires after resolution is ignored.
	m = connectedMachine(t)
	if fx := m.timeout(m.session); len(fx) != 0 {
		t.Errorf("timeout after resolution effects = %v, want none", fx)
	}
}

func TestMachineWriteLifecycle(t *testing.T) {
	m := connectedMachine(t)
	ep, id, err := m.beginWrite()
	if err != nil {
		t.Fatalf("beginWrite() error = %v", err)
	}
	if ep.Characteristic.UUID != protocol.NUS.WriteCharUUID {
		t.Errorf("endpoint = %v, want NUS TX", ep.Characteristic.UUID)
	}
	if _, _, err := m.beginWrite(); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping beginWrite() error = %v, want ErrBusy", err)
	}
	fx := m.apply(writeResult{id: id})
	if len(fx) != 1 {
		t.Fatalf("writeResult effects = %v", fx)
	}
	if w := fx[0].(finishWriteEffect); w.err != nil {
		t.Errorf("write result = %v, want nil", w.err)
	}
	if fx := m.apply(writeResult{id: id}); len(fx) != 0 {
		t.Errorf("repeated writeResult effects = %v, want none", fx)
	}
}

func TestMachineWriteResultMatchedByID(t *testing.T) {
	m := connectedMachine(t)
	_, first, err := m.beginWrite()
	if err != nil {
		t.Fatalf("beginWrite() error = %v", err)
	}
	m.abortWrite(first)

	_, second, err := m.beginWrite()
	if err != nil {
		t.Fatalf("beginWrite() after abort error = %v", err)
	}
	if second == first {
		t.Fatalf("beginWrite() reused id %d", first)
	}
	if fx := m.apply(writeResult{id: first, err: errMockRejected}); len(fx) != 0 {
		t.Errorf("abandoned writeResult effects = %v, want none", fx)
	}
	fx := m.apply(writeResult{id: second})
	if len(fx) != 1 {
		t.Fatalf("writeResult effects = %v, want 1", fx)
	}
	if w := fx[0].(finishWriteEffect); w.err != nil {
		t.Errorf("write result = %v, want nil", w.err)
	}

	// The abandoned write never answering must not matter either.
	_, third, _ := m.beginWrite()
	if fx := m.apply(writeResult{id: third}); len(fx) != 1 {
		t.Errorf("writeResult effects = %v, want 1", fx)
	}

	// Aborting a write that already finished is a no-op.
	m.abortWrite(second)
	if _, _, err := m.beginWrite(); err != nil {
		t.Errorf("beginWrite() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		State(9):     "State(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", uint8(s), got, want)
		}
	}
}
