package domain

import (
	"fmt"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/memory"
	"github.com/bobuhiro11/gosoo/migration"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/store"
	"github.com/sirupsen/logrus"
)

var _ migration.Host = (*Host)(nil)

// Agency returns the id of the privileged domain.
func (h *Host) Agency() migration.DomID { return h.agency }

// Pause stops the domain from being scheduled. Pauses nest.
func (h *Host) Pause(dom migration.DomID) error {
	d, err := h.byID(dom)
	if err != nil {
		return err
	}

	h.mu.Lock()
	d.cb.PauseCount++
	h.mu.Unlock()

	return nil
}

// Resume undoes one Pause. When the last pause is gone the ME runs
// again: a restored ME enters its post-migration continuation, a
// suspended one resumes its devices.
func (h *Host) Resume(dom migration.DomID) error {
	d, err := h.byID(dom)
	if err != nil {
		return err
	}

	h.mu.Lock()

	if d.cb.PauseCount > 0 {
		d.cb.PauseCount--
	}

	if d.cb.PauseCount > 0 {
		h.mu.Unlock()

		return nil
	}

	d.state = migration.StateLiving

	if d.timerPending {
		d.timerPending = false
		d.ticks++
	}

	continuation := d.cb.ResumePC == migration.ContinuationPC
	if continuation {
		d.cb.ResumePC = 0
	}

	rt := d.rt
	suspended := rt != nil && rt.suspended && !continuation
	rebind := suspended && rt.rebind

	if suspended {
		rt.suspended = false
		rt.rebind = false
	}
	h.mu.Unlock()

	if continuation {
		return h.continueMigrated(d)
	}

	if rebind {
		page, ep, err := h.channel(d)
		if err != nil {
			return err
		}

		return rt.resync(page, ep)
	}

	if suspended {
		return rt.bus.Resume()
	}

	return nil
}

// State returns the lifecycle state of dom, or Dead for an unknown one.
func (h *Host) State(dom migration.DomID) migration.MEState {
	d, err := h.byID(dom)
	if err != nil {
		return migration.StateDead
	}

	return d.State()
}

// Domain returns the live control block of the domain in slot.
func (h *Host) Domain(slot int) (*migration.ControlBlock, error) {
	d, err := h.lookup(slot)
	if err != nil {
		return nil, err
	}

	return &d.cb, nil
}

// Slot returns the geometry of memory slot i.
func (h *Host) Slot(i int) (*memory.Slot, error) { return h.mem.Slot(i) }

// CurrentAddressSpace returns the page table the CPU runs on.
func (h *Host) CurrentAddressSpace() migration.AddressSpace {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.as
}

// IdleAddressSpace is the full physical map.
func (h *Host) IdleAddressSpace() migration.AddressSpace { return 0 }

func (h *Host) SwitchAddressSpace(as migration.AddressSpace) {
	h.mu.Lock()
	h.as = as
	h.mu.Unlock()
}

// PrepareStack gives dom a fresh stack at the top of its slot.
func (h *Host) PrepareStack(dom migration.DomID, pc uint64) error {
	d, err := h.byID(dom)
	if err != nil {
		return err
	}

	h.mu.Lock()
	d.cb.ResumePC = pc
	d.cb.SP = d.cb.PhysOffset + d.cb.Size
	h.mu.Unlock()

	return nil
}

// QueueTimer leaves a tick pending, delivered when dom next resumes.
func (h *Host) QueueTimer(dom migration.DomID) error {
	d, err := h.byID(dom)
	if err != nil {
		return err
	}

	h.mu.Lock()
	d.timerPending = true
	h.mu.Unlock()

	return nil
}

// FixupBootPgtable moves the boot page table entries of dom that point
// into its old slot.
func (h *Host) FixupBootPgtable(dom migration.DomID, pfnOffset int64) error {
	d, err := h.byID(dom)
	if err != nil {
		return err
	}

	pfn := d.slot.PFN()

	table, err := h.mem.Page(pfn + pgtablePage)
	if err != nil {
		return err
	}

	n := relocate(table, pfnOffset, uint64(int64(pfn)-pfnOffset), d.slot.Pages())

	domLog.WithField("dom", dom).Debugf("boot page table: %d entries moved", n)

	return nil
}

// PreActivate runs the ME's first look at its restored image. An image
// without a valid info page cannot run and leaves the ME Dead.
func (h *Host) PreActivate(dom migration.DomID) {
	d, err := h.byID(dom)
	if err != nil {
		return
	}

	st := d.State()
	if d.info().get(offMagic) != infoMagic {
		domLog.WithField("dom", dom).Warn("restored image has no kernel info page")

		st = migration.StateDead
	} else if h.policy != nil {
		st = h.policy.PreActivate(d)
	}

	h.setState(d, st)
}

// Cooperate runs the ME's cooperation callback.
func (h *Host) Cooperate(dom migration.DomID) {
	d, err := h.byID(dom)
	if err != nil || h.policy == nil {
		return
	}

	h.setState(d, h.policy.Cooperate(d))
}

func (h *Host) setState(d *Domain, st migration.MEState) {
	h.mu.Lock()
	d.state = st
	h.mu.Unlock()
}

// BindInterdomain connects port localPort of local with port remotePort
// of remote.
func (h *Host) BindInterdomain(local, remote migration.DomID, localPort, remotePort uint32) error {
	lt, ld, err := h.table(local)
	if err != nil {
		return err
	}

	rt, rd, err := h.table(remote)
	if err != nil {
		return err
	}

	lep, err := lt.Lookup(evtchn.Port(localPort))
	if err != nil {
		return fmt.Errorf("dom %d: %w", local, err)
	}

	rep, err := rt.Lookup(evtchn.Port(remotePort))
	if err != nil {
		return fmt.Errorf("dom %d: %w", remote, err)
	}

	evtchn.Connect(lep, rep)

	h.mu.Lock()
	defer h.mu.Unlock()

	if ld != nil {
		ld.setEvtchn(lep.Port, migration.EvtchnEntry{State: migration.EvtchnInterdomain, RemoteDom: remote, RemotePort: remotePort})
	}

	if rd != nil {
		rd.setEvtchn(rep.Port, migration.EvtchnEntry{State: migration.EvtchnInterdomain, RemoteDom: local, RemotePort: localPort})
	}

	return nil
}

// table returns the event channel table of dom and, unless dom is the
// agency, its domain.
func (h *Host) table(dom migration.DomID) (*evtchn.Table, *Domain, error) {
	if dom == h.agency {
		return h.agencyEv, nil, nil
	}

	d, err := h.byID(dom)
	if err != nil {
		return nil, nil, err
	}

	return d.evt, d, nil
}

// continueMigrated is the post-migration continuation of a restored ME:
// it rebinds its virtual interrupts and puts its store connection on the
// vbstore channel of this host.
func (h *Host) continueMigrated(d *Domain) error {
	h.mu.Lock()

	for virq, p := range d.cb.VIRQ {
		ep := d.port(uint64(p))
		d.cb.VIRQ[virq] = uint32(ep.Port)
		d.setEvtchn(ep.Port, migration.EvtchnEntry{State: migration.EvtchnVIRQ, RemoteDom: migration.NoDomain, VIRQ: virq})
	}

	rt := d.rt
	h.mu.Unlock()

	log := domLog.WithFields(logrus.Fields{"slot": d.slot.Index, "dom": d.ID()})

	if rt == nil {
		log.Info("migration: starting device bus of restored ME")

		return h.bringUp(d)
	}

	page, ep, err := h.channel(d)
	if err != nil {
		return err
	}

	// Resync resumes the store client whatever it returns.
	h.mu.Lock()
	rt.suspended = false
	h.mu.Unlock()

	log.Info("migration: resynchronising device bus")

	return rt.resync(page, ep)
}

// channel returns the vbstore page and local endpoint recorded in the
// ME's info page.
func (h *Host) channel(d *Domain) (*ring.Page, *evtchn.Endpoint, error) {
	in := d.info()

	h.mu.Lock()
	page, ok := h.pages[in.get(offVbstorePFN)]
	h.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("vbstore pfn %#x: %w", in.get(offVbstorePFN), ErrCorruptInfo)
	}

	ep, err := d.evt.Lookup(evtchn.Port(in.get(offVbstorePort)))
	if err != nil {
		return nil, nil, err
	}

	return page, ep, nil
}

// DomainCall runs kind in the kernel of dom.
func (h *Host) DomainCall(dom migration.DomID, kind migration.CallKind, args migration.CallArgs) (migration.CallResult, error) {
	if dom == h.agency {
		return h.agencyCall(kind, args)
	}

	d, err := h.byID(dom)
	if err != nil {
		return migration.CallResult{}, err
	}

	return h.meCall(d, kind, args)
}

func (h *Host) agencyCall(kind migration.CallKind, args migration.CallArgs) (migration.CallResult, error) {
	d, err := h.lookup(args.Slot)
	if err != nil {
		return migration.CallResult{}, err
	}

	switch kind {
	case migration.CallGetVbstorePFN:
		page, err := ring.NewPage(h.ringSize, h.ringSize)
		if err != nil {
			return migration.CallResult{}, err
		}

		ep := h.agencyEv.Alloc()
		dom := store.DomID(d.ID())

		h.store.Detach(dom)

		if err := h.store.Attach(dom, page, ep); err != nil {
			h.agencyEv.Free(ep.Port)

			return migration.CallResult{}, err
		}

		h.mu.Lock()

		if d.storePort != 0 {
			h.agencyEv.Free(d.storePort)
			delete(h.pages, d.storePFN)
		}

		pfn := h.nextPFN
		h.nextPFN++
		h.pages[pfn] = page
		d.storePFN, d.storePort = pfn, ep.Port
		h.mu.Unlock()

		return migration.CallResult{VbstorePFN: pfn, Port: uint32(ep.Port)}, nil

	case migration.CallDirectComm:
		ep := h.agencyEv.Alloc()
		log := domLog.WithField("dom", d.ID())

		ep.Bind(func() { log.Debug("direct control event") })

		h.mu.Lock()

		if d.dcPort != 0 {
			h.agencyEv.Free(d.dcPort)
		}

		d.dcPort = ep.Port
		h.mu.Unlock()

		return migration.CallResult{Port: uint32(ep.Port)}, nil
	}

	return migration.CallResult{}, fmt.Errorf("agency: unsupported call %v", kind)
}

func (h *Host) meCall(d *Domain, kind migration.CallKind, args migration.CallArgs) (migration.CallResult, error) {
	in := d.info()
	pages := d.slot.Pages()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch kind {
	case migration.CallPreFixup:
		if args.PFNOffset == 0 {
			break
		}

		nr := in.get(offNrPgtables)
		if in.get(offMagic) != infoMagic || nr > maxPgtables {
			return migration.CallResult{}, ErrCorruptInfo
		}

		old := in.get(offStartPFN)
		in.set(offStartPFN, uint64(int64(old)+args.PFNOffset))

		for i := 0; i < int(nr); i++ {
			if p := in.pgtable(i); p >= old && p < old+pages {
				in.setPgtable(i, uint64(int64(p)+args.PFNOffset))
			}
		}

	case migration.CallPgtableFixup:
		lo := uint64(int64(args.MinPFN) - args.PFNOffset)

		for i := 0; i < int(in.get(offNrPgtables)); i++ {
			table, err := h.mem.Page(in.pgtable(i))
			if err != nil {
				return migration.CallResult{}, err
			}

			relocate(table, args.PFNOffset, lo, args.Count)
		}

	case migration.CallPostFixup:
		in.set(offPhysOffset, memory.PFNToPhys(in.get(offStartPFN)))

	case migration.CallSetVbstorePFN:
		ep := d.port(in.get(offVbstorePort))
		in.set(offVbstorePFN, args.VbstorePFN)
		in.set(offVbstorePort, uint64(ep.Port))

		return migration.CallResult{Port: uint32(ep.Port)}, nil

	case migration.CallDirectComm:
		ep := d.port(in.get(offDCPort))
		in.set(offDCPort, uint64(ep.Port))

		log := domLog.WithField("dom", d.cb.ID)
		ep.Bind(func() { log.Debug("direct control event from agency") })

		return migration.CallResult{Port: uint32(ep.Port)}, nil

	default:
		return migration.CallResult{}, fmt.Errorf("dom %d: unsupported call %v", d.cb.ID, kind)
	}

	return migration.CallResult{}, nil
}
