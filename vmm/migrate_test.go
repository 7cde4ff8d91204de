package vmm_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/gosoo/domain"
	"github.com/bobuhiro11/gosoo/migration"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/bobuhiro11/gosoo/vbus"
	"github.com/bobuhiro11/gosoo/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgency(t *testing.T, c vmm.Config) *vmm.Agency {
	t.Helper()

	c.RAMSize = 4 << 20
	c.SlotSize = 1 << 20
	c.RingSize = 512

	a := vmm.New(c)
	require.NoError(t, a.Init())
	t.Cleanup(func() { a.Close() })

	return a
}

type incoming struct {
	d   *domain.Domain
	err error
}

// listen accepts one migration into dst and returns the address to
// migrate to.
func listen(t *testing.T, dst *vmm.Agency) (string, <-chan incoming) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ch := make(chan incoming, 1)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			ch <- incoming{err: err}

			return
		}

		d, err := dst.Incoming(conn)
		ch <- incoming{d: d, err: err}
	}()

	return l.Addr().String(), ch
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	src := newAgency(t, vmm.Config{})
	dst := newAgency(t, vmm.Config{})

	// the source ME lands in a lower slot on the destination
	_, err := src.Boot(1)
	require.NoError(t, err)

	d, err := src.Boot(2)
	require.NoError(t, err)

	id := d.UUID()

	addr, ch := listen(t, dst)
	require.NoError(t, src.MigrateTo(2, addr))

	res := <-ch
	require.NoError(t, res.err)

	assert.Equal(t, id, res.d.UUID())
	assert.Equal(t, 0, res.d.Slot().Index)
	assert.Equal(t, migration.StateLiving, res.d.State())

	_, err = src.Host().Lookup(2)
	assert.ErrorIs(t, err, domain.ErrNoDomain)

	_, err = src.Store().Read("/soo/me/2/uuid")
	assert.ErrorIs(t, err, vbstore.ErrNotFound)

	v, err := dst.Store().Read("/soo/me/0/uuid")
	require.NoError(t, err)
	assert.Equal(t, id.String(), string(v))

	v, err = dst.Store().Read("/soo/me/0/state")
	require.NoError(t, err)
	assert.Equal(t, "living", string(v))

	require.NoError(t, res.d.Bus().Client().Write(vbstore.NoTx, "data", "x", []byte("1")))

	families, err := dst.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "gosoo_migration_restores_total")
}

// fakeDestination reads a whole migration stream and refuses the ME.
func fakeDestination(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}

		defer conn.Close()

		recv := migration.NewReceiver(conn)

		for {
			typ, _, err := recv.Next()
			if err != nil {
				return
			}

			if typ == migration.MsgDone {
				break
			}
		}

		_ = migration.NewSender(conn).SendAborted("dormant after cooperate")
	}()

	return l.Addr().String()
}

func TestMigrateAbortedResumesSource(t *testing.T) {
	t.Parallel()

	src := newAgency(t, vmm.Config{})

	d, err := src.Boot(0)
	require.NoError(t, err)

	err = src.MigrateTo(0, fakeDestination(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dormant after cooperate")

	assert.Equal(t, migration.StateLiving, d.State())
	require.NoError(t, d.Bus().Client().Write(vbstore.NoTx, "data", "y", []byte("1")))
}

var errBusy = errors.New("busy")

// busyDriver refuses to suspend.
type busyDriver struct{}

func (busyDriver) Probe(*vbus.Device) error { return nil }
func (busyDriver) OtherendChanged(*vbus.Device, vbus.State) {}
func (busyDriver) Suspend(*vbus.Device) error { return errBusy }

// bootWithDevice boots an ME in slot 0 of a and waits for its vbd.
func bootWithDevice(t *testing.T, a *vmm.Agency) *domain.Domain {
	t.Helper()

	require.NoError(t, a.Store().Write("backend/vbd/1/1/state", []byte("1")))
	require.NoError(t, a.Store().Write("device/vbd/1/backend-id", []byte("0")))
	require.NoError(t, a.Store().Write("device/vbd/1/backend", []byte("backend/vbd/1/1")))

	d, err := a.Boot(0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Bus().Device("device/vbd/1") != nil }, 5*time.Second, 10*time.Millisecond)

	return d
}

// requireStoreWorks fails unless d reaches the store within a few seconds.
func requireStoreWorks(t *testing.T, a *vmm.Agency, d *domain.Domain, node string) {
	t.Helper()

	done := make(chan error, 1)

	go func() { done <- d.Bus().Client().Write(vbstore.NoTx, "data", node, []byte("1")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("store client still suspended")
	}

	v, err := a.Store().Read("/data/" + node)
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestMigrateSuspendRefusedKeepsSourceRunning(t *testing.T) {
	t.Parallel()

	src := newAgency(t, vmm.Config{Drivers: map[string]vbus.Driver{"vbd": busyDriver{}}})
	d := bootWithDevice(t, src)

	// the destination only has to accept the connection
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	err = src.MigrateTo(0, l.Addr().String())
	require.ErrorIs(t, err, errBusy)

	assert.Equal(t, migration.StateLiving, d.State())
	requireStoreWorks(t, src, d, "z")
}

// flakyDriver fails its first resume.
type flakyDriver struct {
	resumes atomic.Int32
}

func (*flakyDriver) Probe(*vbus.Device) error { return nil }
func (*flakyDriver) OtherendChanged(*vbus.Device, vbus.State) {}

func (f *flakyDriver) Resume(*vbus.Device) error {
	if f.resumes.Add(1) == 1 {
		return errBusy
	}

	return nil
}

// The relocated ME fails to come up after its devices already moved to
// the new slot: the source takes them back and keeps running.
func TestRelocateLateFailureReturnsDevices(t *testing.T) {
	t.Parallel()

	drv := &flakyDriver{}
	a := newAgency(t, vmm.Config{Drivers: map[string]vbus.Driver{"vbd": drv}})
	d := bootWithDevice(t, a)
	bus := d.Bus()

	err := a.Relocate(0, 2)
	require.ErrorIs(t, err, errBusy)

	_, err = a.Host().Lookup(2)
	assert.ErrorIs(t, err, domain.ErrNoDomain)

	assert.Equal(t, migration.StateLiving, d.State())
	assert.Same(t, bus, d.Bus())
	assert.Equal(t, int32(2), drv.resumes.Load())

	requireStoreWorks(t, a, d, "w")
}

func TestMigrateUnreachable(t *testing.T) {
	t.Parallel()

	src := newAgency(t, vmm.Config{})

	d, err := src.Boot(0)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	l.Close()

	require.Error(t, src.MigrateTo(0, addr))
	assert.Equal(t, migration.StateLiving, d.State())
}

func TestControlCommands(t *testing.T) {
	t.Parallel()

	a := newAgency(t, vmm.Config{})

	out, err := a.Control("BOOT")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, " 0 "), out)

	_, err = a.Control("RELOCATE 0 3")
	require.NoError(t, err)

	out, err = a.Control("LIST")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "\n3 "), out)
	assert.Contains(t, out, "living")

	_, err = a.Store().Read("/soo/me/3/uuid")
	require.NoError(t, err)

	_, err = a.Control("DESTROY 3")
	require.NoError(t, err)

	_, err = a.Control("DESTROY 3")
	assert.ErrorIs(t, err, domain.ErrNoDomain)

	_, err = a.Control("FLY 1")
	assert.Error(t, err)

	_, err = a.Control("MIGRATE x 127.0.0.1:1")
	assert.Error(t, err)
}

func TestControlSocket(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "agency.sock")
	a := newAgency(t, vmm.Config{ControlSocket: sock})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- a.Serve(ctx) }()

	var conn net.Conn

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}

		conn = c

		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err := conn.Write([]byte("BOOT 1\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "OK 1 "), reply)
	conn.Close()

	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
