package vbus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/store"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/bobuhiro11/gosoo/vbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nodename = "device/vbd/1"
	backend  = "backend/vbd/1/1"
)

type recordingDriver struct {
	mu      sync.Mutex
	probes  int
	peers   []vbus.State
	closed  int
	resumed int
}

func (r *recordingDriver) Probe(*vbus.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.probes++

	return nil
}

func (r *recordingDriver) OtherendChanged(_ *vbus.Device, peer vbus.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = append(r.peers, peer)
}

func (r *recordingDriver) Closed(*vbus.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed++
}

func (r *recordingDriver) Resume(*vbus.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resumed++

	return nil
}

func (r *recordingDriver) probeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.probes
}

type fixture struct {
	srv *store.Server
	bus *vbus.Bus
	drv *recordingDriver
}

func connect(t *testing.T, s *store.Server, dom store.DomID) (*ring.Page, *evtchn.Endpoint) {
	t.Helper()

	page, err := ring.NewPage(ring.DefaultSize, ring.DefaultSize)
	require.NoError(t, err)

	front, back := evtchn.NewPair(1, evtchn.Port(10+dom))
	require.NoError(t, s.Attach(dom, page, back))

	t.Cleanup(func() {
		front.Close()
		back.Close()
	})

	return page, front
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.New(nil)
	require.NoError(t, err)

	page, evt := connect(t, s, 1)
	c := vbstore.NewClient(page, evt)

	f := &fixture{srv: s, bus: vbus.New(c), drv: &recordingDriver{}}
	f.bus.RegisterDriver("vbd", f.drv)

	t.Cleanup(func() {
		f.bus.Close()
		c.Close()
		s.Close()
	})

	return f
}

func (f *fixture) addEntry(t *testing.T) {
	t.Helper()

	require.NoError(t, f.srv.Write(backend+"/state", []byte(fmt.Sprint(int(vbus.StateInitialising)))))
	require.NoError(t, f.srv.Write(nodename+"/backend-id", []byte("0")))
	require.NoError(t, f.srv.Write(nodename+"/backend", []byte(backend)))
}

func (f *fixture) setPeer(t *testing.T, s vbus.State) {
	t.Helper()

	require.NoError(t, f.srv.Write(backend+"/state", []byte(fmt.Sprint(int(s)))))
}

func (f *fixture) waitLocal(t *testing.T, want vbus.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		v, err := f.srv.Read(nodename + "/state")
		if err != nil {
			return false
		}

		got, err := vbus.ParseState(string(v))

		return err == nil && got == want
	}, 5*time.Second, 5*time.Millisecond, "local state never reached %v", want)
}

func (f *fixture) device(t *testing.T) *vbus.Device {
	t.Helper()

	var d *vbus.Device

	require.Eventually(t, func() bool {
		d = f.bus.Device(nodename)

		return d != nil
	}, 5*time.Second, 5*time.Millisecond)

	return d
}

func TestDeviceLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.bus.Start())
	f.addEntry(t)

	d := f.device(t)
	assert.Equal(t, backend, d.OtherendPath)
	assert.Equal(t, 0, d.OtherendID)
	f.waitLocal(t, vbus.StateInitialising)

	f.setPeer(t, vbus.StateInitWait)
	f.waitLocal(t, vbus.StateInitialised)
	assert.Equal(t, 1, f.drv.probeCount())

	f.setPeer(t, vbus.StateConnected)
	f.waitLocal(t, vbus.StateConnected)

	f.setPeer(t, vbus.StateReconfiguring)
	f.waitLocal(t, vbus.StateReconfigured)

	f.setPeer(t, vbus.StateSuspending)
	f.waitLocal(t, vbus.StateSuspended)

	// a suspended device is not probed again
	f.setPeer(t, vbus.StateInitWait)
	f.setPeer(t, vbus.StateResuming)
	f.waitLocal(t, vbus.StateConnected)
	assert.Equal(t, 1, f.drv.probeCount())
}

func TestDevicePresentBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addEntry(t)
	f.setPeer(t, vbus.StateInitWait)

	require.NoError(t, f.bus.Start())
	require.NotNil(t, f.bus.Device(nodename))

	f.waitLocal(t, vbus.StateInitialised)
	assert.Equal(t, 1, f.drv.probeCount())
}

func TestDeviceShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addEntry(t)
	require.NoError(t, f.bus.Start())

	d := f.device(t)

	done := make(chan error, 1)

	go func() { done <- d.Shutdown(context.Background()) }()

	f.waitLocal(t, vbus.StateClosing)
	f.setPeer(t, vbus.StateClosed)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	f.waitLocal(t, vbus.StateClosed)

	f.drv.mu.Lock()
	assert.Equal(t, 1, f.drv.closed)
	f.drv.mu.Unlock()
}

func TestDeviceShutdownTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addEntry(t)
	require.NoError(t, f.bus.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.device(t).Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeviceRemoved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addEntry(t)
	require.NoError(t, f.bus.Start())
	f.device(t)

	require.NoError(t, f.srv.Rm(nodename))

	require.Eventually(t, func() bool { return f.bus.Device(nodename) == nil }, 5*time.Second, 5*time.Millisecond)
}

func TestNoDriver(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.srv.Write("device/vif/0/backend", []byte("backend/vif/1/0")))
	require.NoError(t, f.srv.Write("device/vif/0/backend-id", []byte("0")))
	require.NoError(t, f.bus.Start())

	assert.Empty(t, f.bus.Devices())
}

func TestResync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addEntry(t)
	require.NoError(t, f.bus.Start())
	f.device(t)

	f.setPeer(t, vbus.StateSuspending)
	f.waitLocal(t, vbus.StateSuspended)

	require.NoError(t, f.bus.Suspend())

	// the store loses this domain's connection; a new page is attached
	f.srv.Detach(1)
	require.NoError(t, f.srv.Write(nodename+"/state", []byte("0")))

	page, evt := connect(t, f.srv, 2)
	require.NoError(t, f.bus.Resync(page, evt))

	// the local view was republished
	f.waitLocal(t, vbus.StateSuspended)

	// and the peer is followed again
	f.setPeer(t, vbus.StateResuming)
	f.waitLocal(t, vbus.StateConnected)

	f.drv.mu.Lock()
	assert.Equal(t, 1, f.drv.resumed)
	f.drv.mu.Unlock()
}

func TestParseState(t *testing.T) {
	t.Parallel()

	s, err := vbus.ParseState("4\x00")
	require.NoError(t, err)
	assert.Equal(t, vbus.StateConnected, s)
	assert.Equal(t, "Connected", s.String())

	_, err = vbus.ParseState("42")
	assert.ErrorIs(t, err, vbus.ErrBadState)

	_, err = vbus.ParseState("x")
	assert.Error(t, err)
}
