package vbus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var busLog = logrus.WithField("source", "vbus")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	busLog = logger.WithFields(busLog.Data)
}

// DeviceRoot is the store directory holding device/<type>/<id> entries.
const DeviceRoot = "device"

var peerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gosoo_vbus",
	Name:      "peer_transitions_total",
	Help:      "Observed otherend state changes by new state.",
}, []string{"state"})

// RegisterMetrics registers the bus collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(peerTransitions)
}

// Bus tracks the devices of one domain.
type Bus struct {
	client *vbstore.Client

	mu      sync.Mutex
	drivers map[string]Driver
	devices map[string]*Device

	// scanMu serializes device discovery.
	scanMu    sync.Mutex
	discovery *vbstore.WatchFunc
}

// New returns a bus working through client. Call Start once the drivers
// are registered.
func New(client *vbstore.Client) *Bus {
	b := &Bus{
		client:  client,
		drivers: make(map[string]Driver),
		devices: make(map[string]*Device),
	}

	b.discovery = vbstore.NewWatchFunc(func(string) {
		if err := b.scan(); err != nil {
			busLog.WithError(err).Warn("device scan")
		}
	})

	return b
}

// Client returns the store client the bus works through.
func (b *Bus) Client() *vbstore.Client { return b.client }

// RegisterDriver binds drv to every device of devicetype.
func (b *Bus) RegisterDriver(devicetype string, drv Driver) {
	b.mu.Lock()
	b.drivers[devicetype] = drv
	b.mu.Unlock()
}

// Start watches the device directory and adds the devices already
// present.
func (b *Bus) Start() error {
	if err := b.client.RegisterWatch(DeviceRoot, b.discovery); err != nil {
		return err
	}

	return b.scan()
}

// Close drops the discovery watch and every device watch.
func (b *Bus) Close() error {
	var result *multierror.Error

	if err := b.client.UnregisterWatch(DeviceRoot, b.discovery); err != nil && !errors.Is(err, vbstore.ErrNotFound) {
		result = multierror.Append(result, err)
	}

	for _, d := range b.Devices() {
		if err := b.removeDevice(d); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Devices returns the known devices ordered by node name.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	devs := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}

	sort.Slice(devs, func(i, j int) bool { return devs[i].Nodename < devs[j].Nodename })

	return devs
}

// Device returns the device at nodename, or nil.
func (b *Bus) Device(nodename string) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.devices[nodename]
}

func (b *Bus) scan() error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	present := make(map[string]string)

	types, err := b.client.Directory(vbstore.NoTx, DeviceRoot, "")
	if err != nil && !errors.Is(err, vbstore.ErrNotFound) {
		return err
	}

	for _, typ := range types {
		ids, err := b.client.Directory(vbstore.NoTx, DeviceRoot, typ)
		if errors.Is(err, vbstore.ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		for _, id := range ids {
			present[vbstore.JoinPath(DeviceRoot, typ+"/"+id)] = typ
		}
	}

	var result *multierror.Error

	for _, d := range b.Devices() {
		if _, ok := present[d.Nodename]; !ok {
			if err := b.removeDevice(d); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	names := make([]string, 0, len(present))
	for n := range present {
		names = append(names, n)
	}

	sort.Strings(names)

	for _, n := range names {
		if b.Device(n) != nil {
			continue
		}

		err := b.addDevice(n, present[n])
		if errors.Is(err, ErrNoDriver) {
			busLog.WithField("device", n).Debug("no driver")

			continue
		}

		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (b *Bus) addDevice(nodename, devicetype string) error {
	b.mu.Lock()
	drv, ok := b.drivers[devicetype]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", devicetype, ErrNoDriver)
	}

	d := newDevice(b, nodename, devicetype, drv)

	path, err := b.client.Read(vbstore.NoTx, nodename, "backend")
	if errors.Is(err, vbstore.ErrNotFound) {
		// the entry is still being written; its completion fires the
		// discovery watch again
		return nil
	}

	if err != nil {
		return fmt.Errorf("%s: read backend: %w", nodename, err)
	}

	id, err := b.client.ReadInt(vbstore.NoTx, nodename, "backend-id")
	if errors.Is(err, vbstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%s: read backend-id: %w", nodename, err)
	}

	d.OtherendPath = strings.TrimRight(string(path), "\x00")
	d.OtherendID = id

	// Watch the peer before publishing anything, so no transition of
	// the peer goes unseen.
	if err := b.client.RegisterWatch(d.otherendStatePath(), d.watch); err != nil {
		return fmt.Errorf("%s: %w", nodename, err)
	}

	b.mu.Lock()
	b.devices[nodename] = d
	b.mu.Unlock()

	busLog.WithFields(logrus.Fields{
		"device":   nodename,
		"otherend": d.OtherendPath,
	}).Info("device added")

	if err := d.SwitchState(StateInitialising); err != nil {
		return err
	}

	// No event is sent for a state the peer published before the watch.
	b.otherendChanged(d)

	return nil
}

func (d *Device) otherendStatePath() string {
	return vbstore.JoinPath(d.OtherendPath, "state")
}

func (b *Bus) removeDevice(d *Device) error {
	b.mu.Lock()
	delete(b.devices, d.Nodename)
	b.mu.Unlock()

	err := b.client.UnregisterWatch(d.otherendStatePath(), d.watch)
	if err != nil && !errors.Is(err, vbstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", d.Nodename, err)
	}

	busLog.WithField("device", d.Nodename).Info("device removed")

	return nil
}

// otherendChanged applies the local transition the peer's new state
// calls for, then hands the change to the driver.
func (b *Bus) otherendChanged(d *Device) {
	d.evalMu.Lock()
	defer d.evalMu.Unlock()

	peer, err := d.OtherendState()
	if err != nil {
		busLog.WithError(err).WithField("device", d.Nodename).Warn("reading otherend state")

		return
	}

	if !d.observe(peer) {
		return
	}

	peerTransitions.WithLabelValues(peer.String()).Inc()

	log := busLog.WithFields(logrus.Fields{
		"device": d.Nodename,
		"peer":   peer,
		"local":  d.State(),
	})
	log.Debug("otherend changed")

	switch peer {
	case StateInitWait:
		if d.State() == StateSuspended {
			break
		}

		if err = d.driver.Probe(d); err != nil {
			log.WithError(err).Error("probe failed")

			err = d.SwitchState(StateClosing)

			break
		}

		err = d.SwitchState(StateInitialised)
	case StateConnected, StateResuming:
		err = d.SwitchState(StateConnected)
	case StateSuspending:
		err = d.SwitchState(StateSuspended)
	case StateReconfiguring:
		err = d.SwitchState(StateReconfigured)
	case StateClosed:
		d.signalClosed()

		if c, ok := d.driver.(Closer); ok {
			c.Closed(d)
		}
	}

	if err != nil {
		log.WithError(err).Error("local transition")
	}

	d.driver.OtherendChanged(d, peer)
}

// Suspend runs the drivers' suspend callbacks and then quiesces the
// store client. It must not be called from a watch callback.
func (b *Bus) Suspend() error {
	var result *multierror.Error

	for _, d := range b.Devices() {
		if s, ok := d.driver.(Suspender); ok {
			if err := s.Suspend(d); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", d.Nodename, err))
			}
		}
	}

	b.client.Suspend()

	return result.ErrorOrNil()
}

// Resume undoes Suspend on the same store connection.
func (b *Bus) Resume() error {
	b.client.Resume()

	return b.resumeDrivers()
}

// Resync moves a suspended bus onto a new vbstore page and event channel
// and brings the store in line with the local view: watches are
// re-registered, every device republishes its state and re-reads its
// peer's.
func (b *Bus) Resync(page *ring.Page, evt *evtchn.Endpoint) error {
	b.client.Reconnect(page, evt)
	b.client.Resume()

	if err := b.client.Rewatch(); err != nil {
		return err
	}

	var result *multierror.Error

	for _, d := range b.Devices() {
		if err := d.SwitchState(d.State()); err != nil {
			result = multierror.Append(result, err)

			continue
		}

		d.forgetPeer()
		b.otherendChanged(d)
	}

	if err := b.resumeDrivers(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (b *Bus) resumeDrivers() error {
	var result *multierror.Error

	for _, d := range b.Devices() {
		if r, ok := d.driver.(Resumer); ok {
			if err := r.Resume(d); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", d.Nodename, err))
			}
		}
	}

	return result.ErrorOrNil()
}
