// Package domain runs mobile entities (MEs) in memory slots of one host
// and provides the domain-lifecycle side the migration coordinator
// drives: pausing, domain calls into the ME and agency kernels, page
// table fixups, address spaces and event channel binding.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/memory"
	"github.com/bobuhiro11/gosoo/migration"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/store"
	"github.com/bobuhiro11/gosoo/vbus"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

var domLog = logrus.WithField("source", "domain")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	domLog = logger.WithFields(domLog.Data)
}

var (
	ErrNoDomain    = errors.New("no such domain")
	ErrSlotInUse   = errors.New("slot already holds a domain")
	ErrWrongState  = errors.New("domain in wrong state")
	ErrCorruptInfo = errors.New("kernel info page corrupt")
)

const (
	sharedInfoSize = 64
	virqTimer      = 0

	// kernelEntry is where a freshly booted ME starts.
	kernelEntry = 0xc0000000

	// agencyPFNBase numbers the agency frames backing vbstore pages.
	agencyPFNBase = 0x1000
)

// Policy lets an ME take part in the negotiation at the end of a
// restore. Each method returns the state the ME is left in.
type Policy interface {
	PreActivate(d *Domain) migration.MEState
	Cooperate(d *Domain) migration.MEState
}

// Config configures a Host.
type Config struct {
	// Agency is the id of the privileged domain.
	Agency migration.DomID

	// RingSize is the capacity of each ring of a vbstore page.
	RingSize int

	// Drivers are registered on the device bus of every ME.
	Drivers map[string]vbus.Driver

	Policy Policy
}

// Host runs MEs in the memory slots of one agency.
type Host struct {
	mem      *memory.Memory
	store    *store.Server
	agency   migration.DomID
	ringSize int
	drivers  map[string]vbus.Driver
	policy   Policy

	mu       sync.Mutex
	domains  map[int]*Domain
	nextID   migration.DomID
	as       migration.AddressSpace
	agencyEv *evtchn.Table
	pages    map[uint64]*ring.Page
	nextPFN  uint64
}

// New returns a host running MEs in mem and serving their vbstore
// requests from st.
func New(mem *memory.Memory, st *store.Server, cfg Config) *Host {
	if cfg.RingSize <= 0 {
		cfg.RingSize = ring.DefaultSize
	}

	return &Host{
		mem:      mem,
		store:    st,
		agency:   cfg.Agency,
		ringSize: cfg.RingSize,
		drivers:  cfg.Drivers,
		policy:   cfg.Policy,
		domains:  make(map[int]*Domain),
		nextID:   cfg.Agency + 1,
		agencyEv: evtchn.NewTable(),
		pages:    make(map[uint64]*ring.Page),
		nextPFN:  agencyPFNBase,
	}
}

// Domain is one ME on this host.
type Domain struct {
	host *Host
	slot *memory.Slot
	evt  *evtchn.Table

	// The fields below are guarded by host.mu.
	cb    migration.ControlBlock
	state migration.MEState
	rt    *runtime

	storePFN  uint64
	storePort evtchn.Port
	dcPort    evtchn.Port

	timerPending bool
	ticks        int
}

// ID returns the domain id.
func (d *Domain) ID() migration.DomID { return d.cb.ID }

// Slot returns the memory slot the domain lives in.
func (d *Domain) Slot() *memory.Slot { return d.slot }

// State returns the lifecycle state.
func (d *Domain) State() migration.MEState {
	d.host.mu.Lock()
	defer d.host.mu.Unlock()

	return d.state
}

// UUID returns the identity the ME carries across hosts.
func (d *Domain) UUID() uuid.UUID {
	d.host.mu.Lock()
	defer d.host.mu.Unlock()

	return d.cb.UUID
}

// Ticks returns the number of timer ticks delivered since the domain
// was created on this host.
func (d *Domain) Ticks() int {
	d.host.mu.Lock()
	defer d.host.mu.Unlock()

	return d.ticks
}

// Bus returns the device bus of a running ME, or nil.
func (d *Domain) Bus() *vbus.Bus {
	d.host.mu.Lock()
	defer d.host.mu.Unlock()

	if d.rt == nil {
		return nil
	}

	return d.rt.bus
}

// Image returns the memory of the domain's slot.
func (d *Domain) Image() []byte { return d.slot.Buf }

// Load replaces the memory of the domain's slot with img.
func (d *Domain) Load(img []byte) error {
	if len(img) != len(d.slot.Buf) {
		return fmt.Errorf("image of %d bytes for slot of %d: %w", len(img), len(d.slot.Buf), ErrCorruptInfo)
	}

	copy(d.slot.Buf, img)

	return nil
}

func (d *Domain) info() info {
	return info(d.page(infoPage))
}

func (d *Domain) page(i int) []byte {
	return d.slot.Buf[i*memory.PageSize : (i+1)*memory.PageSize]
}

// setEvtchn records the binding of port p in the control block.
func (d *Domain) setEvtchn(p evtchn.Port, e migration.EvtchnEntry) {
	for len(d.cb.Evtchn) <= int(p) {
		d.cb.Evtchn = append(d.cb.Evtchn, migration.EvtchnEntry{State: migration.EvtchnFree, RemoteDom: migration.NoDomain})
	}

	d.cb.Evtchn[p] = e
}

// port returns local port p, allocating it if free, or a new port when
// p is zero or taken by something else.
func (d *Domain) port(p uint64) *evtchn.Endpoint {
	if p != 0 {
		if ep, err := d.evt.Lookup(evtchn.Port(p)); err == nil {
			return ep
		}

		if ep, err := d.evt.AllocPort(evtchn.Port(p)); err == nil {
			return ep
		}
	}

	return d.evt.Alloc()
}

func (h *Host) newDomain(slot int, st migration.MEState) (*Domain, error) {
	var (
		ms  *memory.Slot
		err error
	)

	if slot < 0 {
		ms, err = h.mem.FreeSlot()
	} else {
		ms, err = h.mem.Reserve(slot)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlotInUse, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	d := &Domain{
		host:  h,
		slot:  ms,
		evt:   evtchn.NewTable(),
		cb:    migration.ControlBlock{ID: h.nextID, Slot: ms.Index},
		state: st,
	}

	h.nextID++
	h.domains[ms.Index] = d

	domLog.WithFields(logrus.Fields{"slot": ms.Index, "dom": d.cb.ID}).Debugf("domain created %v", st)

	return d, nil
}

// Create reserves slot for a new ME, which stays Booting until Start.
// A negative slot picks the lowest free one.
func (h *Host) Create(slot int) (*Domain, error) {
	return h.newDomain(slot, migration.StateBooting)
}

// Prepare reserves slot for an ME arriving by migration.
func (h *Host) Prepare(slot int) (*Domain, error) {
	return h.newDomain(slot, migration.StateMigrating)
}

// Start boots the Booting ME in slot: it lays out its kernel image,
// connects it to the store and brings up its device bus.
func (h *Host) Start(slot int) error {
	d, err := h.lookup(slot)
	if err != nil {
		return err
	}

	h.mu.Lock()

	if d.state != migration.StateBooting {
		h.mu.Unlock()

		return fmt.Errorf("%w: start in %v", ErrWrongState, d.state)
	}

	writeLayout(d.slot.Buf, d.slot.PFN())

	d.cb.UUID = uuid.New()
	d.cb.SharedInfo = make([]byte, sharedInfoSize)
	d.cb.VIRQ = make(map[uint32]uint32)
	d.cb.Regs.PC = kernelEntry
	d.cb.SP = d.slot.Phys + uint64(d.slot.Size)

	timer := d.evt.Alloc()
	d.cb.VIRQ[virqTimer] = uint32(timer.Port)
	d.setEvtchn(timer.Port, migration.EvtchnEntry{State: migration.EvtchnVIRQ, RemoteDom: migration.NoDomain, VIRQ: virqTimer})
	h.mu.Unlock()

	if err := h.connect(d); err != nil {
		return fmt.Errorf("connect dom %d: %w", d.ID(), err)
	}

	if err := h.bringUp(d); err != nil {
		return err
	}

	h.mu.Lock()
	d.state = migration.StateLiving
	h.mu.Unlock()

	domLog.WithFields(logrus.Fields{"slot": slot, "dom": d.ID(), "uuid": d.UUID()}).Info("domain started")

	return nil
}

// connect sets up the vbstore and direct control channels of a new ME.
func (h *Host) connect(d *Domain) error {
	args := migration.CallArgs{Slot: d.slot.Index}

	st, err := h.DomainCall(h.agency, migration.CallGetVbstorePFN, args)
	if err != nil {
		return err
	}

	me, err := h.DomainCall(d.ID(), migration.CallSetVbstorePFN, migration.CallArgs{VbstorePFN: st.VbstorePFN, RemotePort: st.Port})
	if err != nil {
		return err
	}

	if err := h.BindInterdomain(d.ID(), h.agency, me.Port, st.Port); err != nil {
		return err
	}

	dcAgency, err := h.DomainCall(h.agency, migration.CallDirectComm, args)
	if err != nil {
		return err
	}

	dcME, err := h.DomainCall(d.ID(), migration.CallDirectComm, migration.CallArgs{RemotePort: dcAgency.Port})
	if err != nil {
		return err
	}

	return h.BindInterdomain(d.ID(), h.agency, dcME.Port, dcAgency.Port)
}

// Suspend quiesces the running ME in slot ahead of a migration. If a
// device refuses, the ME keeps running.
func (h *Host) Suspend(slot int) error {
	d, err := h.lookup(slot)
	if err != nil {
		return err
	}

	h.mu.Lock()

	if d.state != migration.StateLiving {
		h.mu.Unlock()

		return fmt.Errorf("%w: suspend in %v", ErrWrongState, d.state)
	}

	rt := d.rt
	if rt != nil {
		rt.suspended = true
	}

	d.state = migration.StateSuspended
	h.mu.Unlock()

	if rt == nil {
		return nil
	}

	if err := rt.bus.Suspend(); err != nil {
		h.mu.Lock()
		rt.suspended = false
		d.state = migration.StateLiving
		h.mu.Unlock()

		if rerr := rt.bus.Resume(); rerr != nil {
			domLog.WithError(rerr).WithField("slot", slot).Warn("resuming devices after failed suspend")
		}

		return fmt.Errorf("suspend slot %d: %w", slot, err)
	}

	return nil
}

// Transfer hands the running software of the ME in from to the domain
// in to, which is being restored from it on this host.
func (h *Host) Transfer(from, to int) error {
	src, err := h.lookup(from)
	if err != nil {
		return err
	}

	dst, err := h.lookup(to)
	if err != nil {
		return err
	}

	h.mu.Lock()
	dst.rt, src.rt = src.rt, nil
	h.mu.Unlock()

	return nil
}

// Reclaim gives the runtime handed from `from` to `to` back after the
// relocation failed. A runtime the restored ME already started on the
// channel of to is suspended again; it moves back to the channel of from
// when from resumes.
func (h *Host) Reclaim(to, from int) error {
	dst, err := h.lookup(to)
	if err != nil {
		return err
	}

	src, err := h.lookup(from)
	if err != nil {
		return err
	}

	h.mu.Lock()

	rt := dst.rt
	if rt == nil {
		h.mu.Unlock()

		return nil
	}

	dst.rt, src.rt = nil, rt

	live := !rt.suspended
	if live {
		rt.suspended = true
		rt.rebind = true
	}
	h.mu.Unlock()

	if live {
		return rt.bus.Suspend()
	}

	return nil
}

// Destroy stops the ME in slot and frees everything it holds.
func (h *Host) Destroy(slot int) error {
	h.mu.Lock()
	d, ok := h.domains[slot]
	delete(h.domains, slot)

	var rt *runtime
	if ok {
		rt, d.rt = d.rt, nil
		d.state = migration.StateDead
		delete(h.pages, d.storePFN)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("slot %d: %w", slot, ErrNoDomain)
	}

	if rt != nil {
		rt.close()
	}

	h.store.Detach(store.DomID(d.ID()))

	for _, p := range []evtchn.Port{d.storePort, d.dcPort} {
		if p != 0 {
			h.agencyEv.Free(p)
		}
	}

	d.evt.Close()

	domLog.WithFields(logrus.Fields{"slot": slot, "dom": d.ID()}).Info("domain destroyed")

	return h.mem.Release(d.slot)
}

// Lookup returns the domain in slot.
func (h *Host) Lookup(slot int) (*Domain, error) { return h.lookup(slot) }

func (h *Host) lookup(slot int) (*Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.domains[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrNoDomain)
	}

	return d, nil
}

func (h *Host) byID(dom migration.DomID) (*Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, d := range h.domains {
		if d.cb.ID == dom {
			return d, nil
		}
	}

	return nil, fmt.Errorf("dom %d: %w", dom, ErrNoDomain)
}

// Domains returns the domains ordered by slot.
func (h *Host) Domains() []*Domain {
	h.mu.Lock()
	defer h.mu.Unlock()

	ds := make([]*Domain, 0, len(h.domains))
	for _, d := range h.domains {
		ds = append(ds, d)
	}

	sort.Slice(ds, func(i, j int) bool { return ds[i].slot.Index < ds[j].slot.Index })

	return ds
}

// Close destroys every domain.
func (h *Host) Close() error {
	var result *multierror.Error

	for _, d := range h.Domains() {
		if err := h.Destroy(d.slot.Index); err != nil {
			result = multierror.Append(result, err)
		}
	}

	h.agencyEv.Close()

	return result.ErrorOrNil()
}
