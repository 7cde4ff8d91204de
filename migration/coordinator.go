package migration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/gosoo/memory"
	"github.com/sirupsen/logrus"
)

var migLog = logrus.WithField("source", "migration")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	migLog = logger.WithFields(migLog.Data)
}

var (
	ErrInvalidState = errors.New("domain in wrong state for migration step")
	ErrAborted      = errors.New("domain not resumed after restore")
	ErrDomainCall   = errors.New("domain call failed")
)

// ContinuationPC is where a restored ME resumes: the post-migration
// continuation of its kernel.
const ContinuationPC = 0xc0000100

// CallKind selects a domain call.
type CallKind int

const (
	CallPreFixup CallKind = iota + 1
	CallPostFixup
	CallPgtableFixup
	CallGetVbstorePFN
	CallSetVbstorePFN
	CallDirectComm
)

func (k CallKind) String() string {
	switch k {
	case CallPreFixup:
		return "pre-fixup"
	case CallPostFixup:
		return "post-fixup"
	case CallPgtableFixup:
		return "pgtable-fixup"
	case CallGetVbstorePFN:
		return "get-vbstore-pfn"
	case CallSetVbstorePFN:
		return "set-vbstore-pfn"
	case CallDirectComm:
		return "direct-comm"
	}

	return fmt.Sprintf("CallKind(%d)", int(k))
}

// CallArgs carries the arguments of a domain call. Each kind reads only
// the fields it needs.
type CallArgs struct {
	Slot       int
	PFNOffset  int64
	MinPFN     uint64
	Count      uint64
	VbstorePFN uint64
	RemotePort uint32
}

// CallResult is what a domain call hands back.
type CallResult struct {
	VbstorePFN uint64
	Port       uint32
}

// AddressSpace identifies the page table a CPU runs on.
type AddressSpace uint64

// Lifecycle pauses, resumes and tracks the state of domains.
type Lifecycle interface {
	Pause(dom DomID) error
	Resume(dom DomID) error
	State(dom DomID) MEState
}

// Host is everything the coordinator needs from the domain-lifecycle
// side. Every method is synchronous.
type Host interface {
	Lifecycle

	// Agency returns the id of the privileged domain.
	Agency() DomID

	// Domain returns the live control block of the domain in slot.
	Domain(slot int) (*ControlBlock, error)

	// Slot returns the memory slot geometry.
	Slot(slot int) (*memory.Slot, error)

	// DomainCall runs kind inside dom's address space.
	DomainCall(dom DomID, kind CallKind, args CallArgs) (CallResult, error)

	BindInterdomain(local, remote DomID, localPort, remotePort uint32) error

	CurrentAddressSpace() AddressSpace
	IdleAddressSpace() AddressSpace
	SwitchAddressSpace(as AddressSpace)

	// PrepareStack gives dom a fresh kernel stack resuming at pc.
	PrepareStack(dom DomID, pc uint64) error
	QueueTimer(dom DomID) error
	FixupBootPgtable(dom DomID, pfnOffset int64) error

	// PreActivate and Cooperate run the ME's own negotiation. They may
	// leave the ME Dead or Dormant.
	PreActivate(dom DomID)
	Cooperate(dom DomID)
}

// Coordinator drives Init/Final on one CPU. Its staging snapshot holds
// the state of the one migration in progress; callers serialize
// migrations on a coordinator.
type Coordinator struct {
	host Host

	mu      sync.Mutex
	staging Snapshot
}

// NewCoordinator returns a coordinator working on host.
func NewCoordinator(host Host) *Coordinator {
	return &Coordinator{host: host}
}

func (c *Coordinator) domain(slot int) (*ControlBlock, *memory.Slot, error) {
	cb, err := c.host.Domain(slot)
	if err != nil {
		return nil, nil, err
	}

	ms, err := c.host.Slot(slot)
	if err != nil {
		return nil, nil, err
	}

	return cb, ms, nil
}

func place(cb *ControlBlock, ms *memory.Slot) {
	cb.Slot = ms.Index
	cb.Size = uint64(ms.Size)
	cb.PFN = ms.PFN()
	cb.PhysOffset = ms.Phys
}

// Init prepares the domain in slot for a migration step.
func (c *Coordinator) Init(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ms, err := c.domain(slot)
	if err != nil {
		return err
	}

	switch st := c.host.State(cb.ID); st {
	case StateSuspended:
		if err := c.host.Pause(cb.ID); err != nil {
			return fmt.Errorf("pause dom %d: %w", cb.ID, err)
		}

		place(cb, ms)
	case StateBooting, StateMigrating:
		place(cb, ms)
	default:
		return fmt.Errorf("%w: init slot %d in state %v", ErrInvalidState, slot, st)
	}

	migLog.WithFields(logrus.Fields{"slot": slot, "dom": cb.ID, "pfn": cb.PFN}).Debug("migration: init")

	return nil
}

// Save copies the control block of the paused domain in slot into the
// staging snapshot and returns a copy of it.
func (c *Coordinator) Save(slot int) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, err := c.host.Domain(slot)
	if err != nil {
		return Snapshot{}, err
	}

	if st := c.host.State(cb.ID); st != StateSuspended || cb.PauseCount == 0 {
		return Snapshot{}, fmt.Errorf("%w: save slot %d in state %v (paused %d)", ErrInvalidState, slot, st, cb.PauseCount)
	}

	c.staging = cb.Snapshot.Clone()
	c.staging.OldPFN = cb.PFN
	c.staging.OldSize = cb.Size
	c.staging.OldPhysOffset = cb.PhysOffset

	return c.staging.Clone(), nil
}

// Stage installs a snapshot received from the source host.
func (c *Coordinator) Stage(snap *Snapshot) {
	c.mu.Lock()
	c.staging = snap.Clone()
	c.mu.Unlock()
}

// Final completes the step started by Init. A state Final does not
// expect means the two hosts disagree on the protocol, which is fatal.
func (c *Coordinator) Final(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ms, err := c.domain(slot)
	if err != nil {
		return err
	}

	switch st := c.host.State(cb.ID); st {
	case StateSuspended:
		return c.host.Resume(cb.ID)
	case StateMigrating:
		return c.restore(cb, ms)
	case StatePreparing:
		c.host.Cooperate(cb.ID)

		return nil
	default:
		migLog.WithFields(logrus.Fields{"slot": slot, "dom": cb.ID}).Panicf("migration: final in state %v", st)
	}

	return nil
}

func (c *Coordinator) call(dom DomID, kind CallKind, args CallArgs) (CallResult, error) {
	res, err := c.host.DomainCall(dom, kind, args)
	if err != nil {
		return res, fmt.Errorf("%w: %v on dom %d: %v", ErrDomainCall, kind, dom, err)
	}

	return res, nil
}

// restore rebuilds a running ME from the staging snapshot. The caller's
// address space is the same on return as on entry.
func (c *Coordinator) restore(cb *ControlBlock, ms *memory.Slot) (err error) {
	start := time.Now()
	dom := cb.ID
	log := migLog.WithFields(logrus.Fields{"slot": ms.Index, "dom": dom})

	defer func() {
		switch {
		case err == nil:
			restores.WithLabelValues("resumed").Inc()
			restoreDuration.Observe(time.Since(start).Seconds())
		case errors.Is(err, ErrAborted):
			restores.WithLabelValues("aborted").Inc()
		default:
			restores.WithLabelValues("failed").Inc()
		}
	}()

	// 1. Take over the transported state at the new placement.
	cb.Snapshot = c.staging.Clone()
	place(cb, ms)

	pfnOffset := int64(cb.PFN) - int64(c.staging.OldPFN)

	for i := range cb.Evtchn {
		if cb.Evtchn[i].State == EvtchnInterdomain {
			cb.Evtchn[i].RemoteDom = NoDomain
		}
	}

	log.Infof("migration: restoring at pfn %#x (offset %d pages)", cb.PFN, pfnOffset)

	// 2. Resume into the continuation with a pending tick.
	if err := c.host.PrepareStack(dom, ContinuationPC); err != nil {
		return fmt.Errorf("prepare stack: %w", err)
	}

	if err := c.host.QueueTimer(dom); err != nil {
		return fmt.Errorf("queue timer: %w", err)
	}

	// 3. Fixups touch arbitrary frames: run on the full physical map.
	saved := c.host.CurrentAddressSpace()
	c.host.SwitchAddressSpace(c.host.IdleAddressSpace())

	defer c.host.SwitchAddressSpace(saved)

	// 4.
	if err := c.host.FixupBootPgtable(dom, pfnOffset); err != nil {
		return fmt.Errorf("boot page table: %w", err)
	}

	// 5 and 6. The general pass rewrites variables the pre pass must
	// not see twice, so it runs between the two.
	if _, err := c.call(dom, CallPreFixup, CallArgs{PFNOffset: pfnOffset}); err != nil {
		return err
	}

	if _, err := c.call(dom, CallPgtableFixup, CallArgs{
		PFNOffset: pfnOffset,
		MinPFN:    cb.PFN,
		Count:     ms.Pages(),
	}); err != nil {
		return err
	}

	if _, err := c.call(dom, CallPostFixup, CallArgs{PFNOffset: pfnOffset}); err != nil {
		return err
	}

	// 7. Rebind vbstore and the direct control channel to this host.
	if err := c.rebind(cb); err != nil {
		return err
	}

	// 8 and 9.
	c.host.PreActivate(dom)

	if st := c.host.State(dom); st == StateDead {
		log.Warn("migration: pre-activate left the ME dead, not resuming")

		return fmt.Errorf("%w: %v after pre-activate", ErrAborted, st)
	}

	c.host.Cooperate(dom)

	if st := c.host.State(dom); st == StateDead || st == StateDormant {
		log.Warnf("migration: cooperate left the ME %v, not resuming", st)

		return fmt.Errorf("%w: %v after cooperate", ErrAborted, st)
	}

	// 10.
	if err := c.host.Resume(dom); err != nil {
		return fmt.Errorf("resume dom %d: %w", dom, err)
	}

	log.Info("migration: ME resumed")

	return nil
}

func (c *Coordinator) rebind(cb *ControlBlock) error {
	agency := c.host.Agency()

	store, err := c.call(agency, CallGetVbstorePFN, CallArgs{Slot: cb.Slot})
	if err != nil {
		return err
	}

	me, err := c.call(cb.ID, CallSetVbstorePFN, CallArgs{VbstorePFN: store.VbstorePFN, RemotePort: store.Port})
	if err != nil {
		return err
	}

	if err := c.host.BindInterdomain(cb.ID, agency, me.Port, store.Port); err != nil {
		return fmt.Errorf("bind vbstore channel: %w", err)
	}

	dcAgency, err := c.call(agency, CallDirectComm, CallArgs{Slot: cb.Slot})
	if err != nil {
		return err
	}

	dcME, err := c.call(cb.ID, CallDirectComm, CallArgs{Slot: cb.Slot, RemotePort: dcAgency.Port})
	if err != nil {
		return err
	}

	if err := c.host.BindInterdomain(cb.ID, agency, dcME.Port, dcAgency.Port); err != nil {
		return fmt.Errorf("bind direct control channel: %w", err)
	}

	return nil
}
