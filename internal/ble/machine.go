package ble

import (
	"fmt"

	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// State is the radio-link status of the Manager. Connected means the link is
// up; it does not imply a write characteristic has been resolved yet.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText renders the state name for JSON consumers.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Effects requested by a transition. The Manager performs them in order.
type effect interface{ isEffect() }

type (
	stopScanEffect   struct{}
	dialEffect       struct{ session uint64 }
	requestMTUEffect struct{ mtu int }
	discoverEffect   struct{}
	closeLinkEffect  struct{}
	statusEffect     struct{ msg string }
	// finishConnectEffect completes the pending Connect call; nil is success.
	finishConnectEffect struct{ err error }
	// finishWriteEffect completes the in-flight chunk write.
	finishWriteEffect struct{ err error }
)

func (stopScanEffect) isEffect()      {}
func (dialEffect) isEffect()          {}
func (requestMTUEffect) isEffect()    {}
func (discoverEffect) isEffect()      {}
func (closeLinkEffect) isEffect()     {}
func (statusEffect) isEffect()        {}
func (finishConnectEffect) isEffect() {}
func (finishWriteEffect) isEffect()   {}

func status(format string, args ...any) effect {
	return statusEffect{msg: fmt.Sprintf(format, args...)}
}

// writeResult completes the Link.Write issued with id.
type writeResult struct {
	id  uint64
	err error
}

func (writeResult) event() {}

// machine holds the connection state and computes transitions. It performs
// no I/O. Every Link event must be checked against session first: a new
// session starts on each connect and each teardown, so callbacks from a
// closed link never reach a newer one.
type machine struct {
	state      State
	session    uint64
	address    string
	proto      protocol.Config
	mtu        int
	endpoint   *Endpoint
	requestMTU int

	linkOpen       bool
	connectPending bool
	writePending   bool
	writeID        uint64 // id of the pending write; results for any other id are dropped
}

func newMachine(requestMTU int) *machine {
	return &machine{mtu: protocol.DefaultMTU, requestMTU: requestMTU}
}

// connect starts a connection attempt. Only valid while Disconnected.
func (m *machine) connect(address string, cfg protocol.Config) ([]effect, error) {
	if m.state != Disconnected {
		return nil, fmt.Errorf("%w: state is %s", ErrBusy, m.state)
	}
	m.session++
	m.state = Connecting
	m.address = address
	m.proto = cfg
	m.mtu = protocol.DefaultMTU
	m.endpoint = nil
	m.linkOpen = true
	m.connectPending = true
	return []effect{
		stopScanEffect{},
		status("Connecting to %s...", address),
		dialEffect{session: m.session},
	}, nil
}

// dialFailed handles an adapter that refused to even start connecting.
func (m *machine) dialFailed(err error) []effect {
	if m.state != Connecting {
		return nil
	}
	m.linkOpen = false
	fx := m.teardown()
	fx = append(fx, status("GATT error: %v", err))
	return append(fx, m.settleConnect(fmt.Errorf("%w: %w", ErrConnectFailed, err))...)
}

// disconnect tears down whatever is in progress. Idempotent.
func (m *machine) disconnect() []effect {
	active := m.state != Disconnected || m.linkOpen
	fx := m.teardown()
	fx = append(fx, m.settleConnect(ErrDisconnected)...)
	if active {
		fx = append(fx, status("Disconnected"))
	}
	return fx
}

// timeout fails the connect attempt of session if it is still pending.
func (m *machine) timeout(session uint64) []effect {
	if session != m.session || !m.connectPending {
		return nil
	}
	fx := []effect{status("Connection timed out")}
	fx = append(fx, m.teardown()...)
	return append(fx, m.settleConnect(ErrConnectTimeout)...)
}

// cancel aborts the pending connect with err, e.g. a cancelled context.
func (m *machine) cancel(err error) []effect {
	if !m.connectPending {
		return nil
	}
	fx := m.teardown()
	fx = append(fx, status("Disconnected"))
	return append(fx, m.settleConnect(err)...)
}

// apply handles an event from the current session's Link.
func (m *machine) apply(ev Event) []effect {
	switch ev := ev.(type) {
	case ConnectFailed:
		if m.state != Connecting {
			return nil
		}
		fx := m.teardown()
		fx = append(fx, status("GATT error: %v", ev.Err))
		return append(fx, m.settleConnect(fmt.Errorf("%w: %w", ErrConnectFailed, ev.Err))...)

	case LinkUp:
		if m.state != Connecting {
			return nil
		}
		m.state = Connected
		return []effect{
			status("Connected, discovering services..."),
			discoverEffect{},
			requestMTUEffect{mtu: m.requestMTU},
		}

	case MTUResult:
		if m.state != Connected || !ev.OK || ev.MTU <= 0 {
			return nil
		}
		m.mtu = ev.MTU
		return []effect{status("MTU negotiated: %d", ev.MTU)}

	case ServicesDiscovered:
		if m.state != Connected || m.endpoint != nil {
			return nil
		}
		if ev.Err != nil {
			fx := []effect{status("Service discovery failed: %v", ev.Err)}
			fx = append(fx, m.teardown()...)
			return append(fx, m.settleConnect(fmt.Errorf("%w: %w", ErrServiceDiscovery, ev.Err))...)
		}
		ep, ok := Resolve(ev.Services, m.proto)
		if !ok {
			fx := []effect{status("Write characteristic not found")}
			fx = append(fx, m.teardown()...)
			return append(fx, m.settleConnect(ErrEndpointNotFound)...)
		}
		m.endpoint = &ep
		fx := []effect{status("Write characteristic ready: %s", ep.Characteristic.UUID)}
		return append(fx, m.settleConnect(nil)...)

	case LinkDown:
		if m.state == Disconnected {
			return nil
		}
		fx := m.teardown()
		fx = append(fx, status("Disconnected"))
		err := error(ErrDisconnected)
		if ev.Err != nil {
			err = fmt.Errorf("%w: %w", ErrDisconnected, ev.Err)
		}
		return append(fx, m.settleConnect(err)...)

	case writeResult:
		if !m.writePending || ev.id != m.writeID {
			return nil
		}
		m.writePending = false
		if ev.err != nil {
			return []effect{finishWriteEffect{err: ev.err}}
		}
		return []effect{finishWriteEffect{}}
	}
	return nil
}

// beginWrite marks a chunk write in flight and returns the endpoint to use
// with the id its writeResult must carry.
func (m *machine) beginWrite() (Endpoint, uint64, error) {
	if m.state != Connected || m.endpoint == nil {
		return Endpoint{}, 0, ErrNotReady
	}
	if m.writePending {
		return Endpoint{}, 0, fmt.Errorf("%w: write already in flight", ErrBusy)
	}
	m.writePending = true
	m.writeID++
	return *m.endpoint, m.writeID, nil
}

// abortWrite forgets write id if it is still pending. A result arriving for
// it later is dropped.
func (m *machine) abortWrite(id uint64) {
	if m.writePending && m.writeID == id {
		m.writePending = false
	}
}

// ready reports whether text can be sent, with the parameters to send it.
func (m *machine) ready() (protocol.Config, int, bool) {
	if m.state != Connected || m.endpoint == nil {
		return protocol.Config{}, 0, false
	}
	return m.proto, m.mtu, true
}

// teardown returns to Disconnected and starts a new session so that late
// events from the old link are dropped.
func (m *machine) teardown() []effect {
	var fx []effect
	if m.linkOpen {
		fx = append(fx, closeLinkEffect{})
		m.linkOpen = false
	}
	if m.writePending {
		fx = append(fx, finishWriteEffect{err: ErrDisconnected})
		m.writePending = false
	}
	m.state = Disconnected
	m.endpoint = nil
	m.mtu = protocol.DefaultMTU
	m.session++
	return fx
}

func (m *machine) settleConnect(err error) []effect {
	if !m.connectPending {
		return nil
	}
	m.connectPending = false
	return []effect{finishConnectEffect{err: err}}
}
