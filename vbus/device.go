package vbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gosoo/vbstore"
)

var (
	ErrBadState = errors.New("invalid device state")
	ErrNoDriver = errors.New("no driver for device type")
)

// Driver is implemented by device drivers. Probe runs when the peer
// waits for initialisation; OtherendChanged runs after every observed
// change of the peer's state, once the automatic local transition (if
// any) was published.
type Driver interface {
	Probe(dev *Device) error
	OtherendChanged(dev *Device, peer State)
}

// Suspender is implemented by drivers that act on bus suspension.
type Suspender interface {
	Suspend(dev *Device) error
}

// Resumer is implemented by drivers that act on bus resumption.
type Resumer interface {
	Resume(dev *Device) error
}

// Closer is implemented by drivers told when the peer has closed.
type Closer interface {
	Closed(dev *Device)
}

// Shutdowner is implemented by drivers told when a synchronous shutdown
// completed.
type Shutdowner interface {
	Shutdown(dev *Device)
}

// Device is one device entry, e.g. device/vbd/1.
type Device struct {
	Nodename     string
	Devicetype   string
	OtherendID   int
	OtherendPath string

	bus    *Bus
	driver Driver
	watch  *vbstore.WatchFunc

	// evalMu serializes reactions to the peer's state.
	evalMu sync.Mutex

	mu        sync.Mutex
	state     State
	peer      State
	peerKnown bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newDevice(b *Bus, nodename, devicetype string, drv Driver) *Device {
	d := &Device{
		Nodename:   nodename,
		Devicetype: devicetype,
		bus:        b,
		driver:     drv,
		closed:     make(chan struct{}),
	}

	d.watch = vbstore.NewWatchFunc(func(string) { b.otherendChanged(d) })

	return d
}

// State returns the last state this side published.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// SwitchState records s and publishes it. The write is unconditional so
// it can also force the store back in line with the local view.
func (d *Device) SwitchState(s State) error {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()

	if err := d.bus.client.Printf(vbstore.NoTx, d.Nodename, "state", "%d", int(s)); err != nil {
		return fmt.Errorf("%s: switch to %v: %w", d.Nodename, s, err)
	}

	busLog.WithField("device", d.Nodename).Debugf("state %v", s)

	return nil
}

// OtherendState reads the peer's published state. A missing entry reads
// as Closed.
func (d *Device) OtherendState() (State, error) {
	v, err := d.bus.client.Read(vbstore.NoTx, d.OtherendPath, "state")
	if errors.Is(err, vbstore.ErrNotFound) {
		return StateClosed, nil
	}

	if err != nil {
		return StateUnknown, err
	}

	return ParseState(string(v))
}

// observe records peer and reports whether it differs from the last
// state seen.
func (d *Device) observe(peer State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.peerKnown && d.peer == peer {
		return false
	}

	d.peer, d.peerKnown = peer, true

	return true
}

func (d *Device) forgetPeer() {
	d.mu.Lock()
	d.peerKnown = false
	d.mu.Unlock()
}

func (d *Device) signalClosed() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Shutdown asks the peer to close and waits until it has, or until ctx
// is done.
func (d *Device) Shutdown(ctx context.Context) error {
	if err := d.SwitchState(StateClosing); err != nil {
		return err
	}

	select {
	case <-d.closed:
	case <-ctx.Done():
		return fmt.Errorf("%s: waiting for peer to close: %w", d.Nodename, ctx.Err())
	}

	if err := d.SwitchState(StateClosed); err != nil {
		return err
	}

	if s, ok := d.driver.(Shutdowner); ok {
		s.Shutdown(d)
	}

	return nil
}
