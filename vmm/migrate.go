package vmm

// migrate.go moves MEs between agencies.
//
// Source side (MigrateTo):
//  1. Suspend the ME's devices and pause it.
//  2. Save its control block into a snapshot.
//  3. Send the slot image, the snapshot and MsgDone.
//  4. Wait for MsgReady or MsgAborted. On MsgReady the ME is destroyed
//     here; otherwise it is resumed.
//
// Destination side (Incoming):
//  1. Receive the slot image into a free slot.
//  2. Receive the snapshot and stage it.
//  3. On MsgDone run the coordinator's Init and Final, which restore
//     and resume the ME.
//  4. Answer MsgReady, or MsgAborted with the reason.

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bobuhiro11/gosoo/domain"
	"github.com/bobuhiro11/gosoo/migration"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

const dialTimeout = 30 * time.Second

var (
	errExpectedMsgReady      = errors.New("expected MsgReady")
	errMsgDoneBeforeSnapshot = errors.New("received MsgDone before memory and snapshot")
	errUnexpectedMessageType = errors.New("unexpected message type")
	errRemoteAborted         = errors.New("destination aborted the migration")
	errUnknownCommand        = errors.New("unknown command")
)

// listenControl listens on the Unix control socket at path.
func (a *Agency) listenControl(path string) (net.Listener, error) {
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return l, nil
}

// serveControl handles control commands, one per connection:
//
//	BOOT [<slot>]
//	MIGRATE <slot> <host:port>
//	RELOCATE <from> <to>
//	DESTROY <slot>
//	LIST
func (a *Agency) serveControl(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}

		go a.handleControl(conn)
	}
}

func (a *Agency) handleControl(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	reply, err := a.Control(strings.TrimSpace(line))
	if err != nil {
		vmmLog.WithError(err).WithField("command", strings.TrimSpace(line)).Warn("control command failed")
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

		return
	}

	_, _ = conn.Write([]byte("OK" + reply + "\n"))
}

// Control runs one control command and returns the text following OK in
// the reply.
func (a *Agency) Control(line string) (string, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", errUnknownCommand
	}

	ints := func(args []string) ([]int, error) {
		out := make([]int, len(args))

		for i, s := range args {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", s, err)
			}

			out[i] = n
		}

		return out, nil
	}

	switch {
	case f[0] == "BOOT" && len(f) <= 2:
		slot := -1

		if len(f) == 2 {
			n, err := ints(f[1:])
			if err != nil {
				return "", err
			}

			slot = n[0]
		}

		d, err := a.Boot(slot)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf(" %d %s", d.Slot().Index, d.UUID()), nil

	case f[0] == "MIGRATE" && len(f) == 3:
		n, err := ints(f[1:2])
		if err != nil {
			return "", err
		}

		return "", a.MigrateTo(n[0], f[2])

	case f[0] == "RELOCATE" && len(f) == 3:
		n, err := ints(f[1:])
		if err != nil {
			return "", err
		}

		return "", a.Relocate(n[0], n[1])

	case f[0] == "DESTROY" && len(f) == 2:
		n, err := ints(f[1:])
		if err != nil {
			return "", err
		}

		return "", a.Destroy(n[0])

	case f[0] == "LIST" && len(f) == 1:
		var b strings.Builder

		for _, d := range a.host.Domains() {
			fmt.Fprintf(&b, "\n%d %d %s %v", d.Slot().Index, d.ID(), d.UUID(), d.State())
		}

		return b.String(), nil
	}

	return "", fmt.Errorf("%w: %q", errUnknownCommand, line)
}

// suspend quiesces and pauses the ME in slot and saves its snapshot. On
// error the ME is left running.
func (a *Agency) suspend(slot int) (migration.Snapshot, error) {
	if err := a.host.Suspend(slot); err != nil {
		return migration.Snapshot{}, err
	}

	if err := a.coord.Init(slot); err != nil {
		a.resumeSource(slot)

		return migration.Snapshot{}, err
	}

	snap, err := a.coord.Save(slot)
	if err != nil {
		a.resumeSource(slot)

		return migration.Snapshot{}, err
	}

	return snap, nil
}

// resumeSource lets an ME whose migration failed run again here.
func (a *Agency) resumeSource(slot int) {
	if err := a.coord.Final(slot); err != nil {
		vmmLog.WithError(err).WithField("slot", slot).Error("migration: resuming source ME")

		return
	}

	vmmLog.WithField("slot", slot).Info("migration: source ME resumed")
}

// MigrateTo moves the ME in slot to the agency listening on addr.
func (a *Agency) MigrateTo(slot int, addr string) error {
	a.migMu.Lock()
	defer a.migMu.Unlock()

	log := vmmLog.WithFields(logrus.Fields{"slot": slot, "to": addr})

	d, err := a.host.Lookup(slot)
	if err != nil {
		return err
	}

	log.Info("migration: connecting")

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	log.Info("migration: suspending ME")

	snap, err := a.suspend(slot)
	if err != nil {
		return err
	}

	if err := a.send(conn, d, &snap); err != nil {
		a.resumeSource(slot)

		return err
	}

	t, payload, err := migration.NewReceiver(conn).Next()
	if err != nil {
		a.resumeSource(slot)

		return fmt.Errorf("waiting for MsgReady: %w", err)
	}

	switch t {
	case migration.MsgReady:
	case migration.MsgAborted:
		a.resumeSource(slot)

		return fmt.Errorf("%w: %s", errRemoteAborted, payload)
	default:
		a.resumeSource(slot)

		return fmt.Errorf("%w: got %v", errExpectedMsgReady, t)
	}

	log.Info("migration: complete, destination is running")

	return a.destroy(slot)
}

func (a *Agency) send(conn net.Conn, d *domain.Domain, snap *migration.Snapshot) error {
	sender := migration.NewSender(conn)

	vmmLog.Infof("migration: sending memory (%s)", units.BytesSize(float64(len(d.Image()))))

	if err := sender.SendMemory(d.Image()); err != nil {
		return fmt.Errorf("SendMemory: %w", err)
	}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("SendSnapshot: %w", err)
	}

	return sender.SendDone()
}

func (a *Agency) serveIncoming(l net.Listener) error {
	vmmLog.Infof("migration: waiting for incoming connections on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		if _, err := a.Incoming(conn); err != nil {
			vmmLog.WithError(err).Warn("migration: incoming ME not restored")
		}
	}
}

// Incoming receives one ME on conn and runs it. It returns the restored
// domain.
func (a *Agency) Incoming(conn net.Conn) (*domain.Domain, error) {
	defer conn.Close()

	a.migMu.Lock()
	defer a.migMu.Unlock()

	recv := migration.NewReceiver(conn)
	sender := migration.NewSender(conn)

	var (
		d    *domain.Domain
		snap *migration.Snapshot
	)

	fail := func(err error) (*domain.Domain, error) {
		if d != nil {
			if derr := a.host.Destroy(d.Slot().Index); derr != nil {
				vmmLog.WithError(derr).Warn("migration: dropping incoming ME")
			}
		}

		if serr := sender.SendAborted(err.Error()); serr != nil {
			vmmLog.WithError(serr).Warn("migration: reporting abort")
		}

		return nil, err
	}

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return fail(fmt.Errorf("receive: %w", err))
		}

		switch msgType {
		case migration.MsgMemory:
			img, err := migration.Unpack(payload)
			if err != nil {
				return fail(err)
			}

			vmmLog.Infof("migration: receiving memory (%s)", units.BytesSize(float64(len(img))))

			if d == nil {
				if d, err = a.host.Prepare(-1); err != nil {
					return fail(err)
				}
			}

			if err := d.Load(img); err != nil {
				return fail(err)
			}

		case migration.MsgSnapshot:
			if snap, err = migration.DecodeSnapshot(payload); err != nil {
				return fail(err)
			}

		case migration.MsgDone:
			if d == nil || snap == nil {
				return fail(errMsgDoneBeforeSnapshot)
			}

			slot := d.Slot().Index

			a.coord.Stage(snap)

			if err := a.coord.Init(slot); err != nil {
				return fail(err)
			}

			if err := a.coord.Final(slot); err != nil {
				return fail(err)
			}

			a.publish(d)

			if err := sender.SendReady(); err != nil {
				return d, err
			}

			vmmLog.WithFields(logrus.Fields{"slot": slot, "uuid": d.UUID()}).Info("migration: state restored, ME running")

			return d, nil

		default:
			return fail(fmt.Errorf("%w: %v", errUnexpectedMessageType, msgType))
		}
	}
}

// Relocate moves the ME in slot from to slot to on this host. Its
// devices keep running on the same bus.
func (a *Agency) Relocate(from, to int) error {
	a.migMu.Lock()
	defer a.migMu.Unlock()

	d, err := a.host.Lookup(from)
	if err != nil {
		return err
	}

	snap, err := a.suspend(from)
	if err != nil {
		return err
	}

	nd, err := a.host.Prepare(to)
	if err != nil {
		a.resumeSource(from)

		return err
	}

	abort := func(err error) error {
		if rerr := a.host.Reclaim(to, from); rerr != nil {
			vmmLog.WithError(rerr).Error("relocation: taking back runtime")
		}

		if derr := a.host.Destroy(to); derr != nil {
			vmmLog.WithError(derr).Warn("relocation: dropping target")
		}

		a.resumeSource(from)

		return err
	}

	if err := nd.Load(d.Image()); err != nil {
		return abort(err)
	}

	if err := a.host.Transfer(from, to); err != nil {
		return abort(err)
	}

	a.coord.Stage(&snap)

	if err := a.coord.Init(to); err != nil {
		return abort(err)
	}

	if err := a.coord.Final(to); err != nil {
		return abort(err)
	}

	vmmLog.WithFields(logrus.Fields{"from": from, "to": to}).Info("relocation: complete")

	if err := a.destroy(from); err != nil {
		return err
	}

	a.publish(nd)

	return nil
}
