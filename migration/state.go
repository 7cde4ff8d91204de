// Package migration provides the types and the coordinator for moving a
// mobile entity (ME) from one host to another.
package migration

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// DomID identifies a domain on one host.
type DomID int

// NoDomain is the remote of an event channel whose peer is unknown.
const NoDomain DomID = -1

// MEState is the lifecycle state of an ME as seen by migration.
type MEState int

const (
	StateBooting MEState = iota
	StateSuspended
	StateMigrating
	StatePreparing
	StateDead
	StateDormant
	StateLiving
)

var meStateNames = [...]string{
	StateBooting:   "booting",
	StateSuspended: "suspended",
	StateMigrating: "migrating",
	StatePreparing: "preparing",
	StateDead:      "dead",
	StateDormant:   "dormant",
	StateLiving:    "living",
}

func (s MEState) String() string {
	if s >= 0 && int(s) < len(meStateNames) {
		return meStateNames[s]
	}

	return fmt.Sprintf("MEState(%d)", int(s))
}

// EvtchnState is the binding state of one event channel port.
type EvtchnState uint8

const (
	EvtchnFree EvtchnState = iota
	EvtchnUnbound
	EvtchnInterdomain
	EvtchnVIRQ
)

// EvtchnEntry describes one port of a domain's event channel table.
type EvtchnEntry struct {
	State      EvtchnState `cbor:"1,keyasint"`
	RemoteDom  DomID       `cbor:"2,keyasint"`
	RemotePort uint32      `cbor:"3,keyasint"`
	VIRQ       uint32      `cbor:"4,keyasint"`
}

// CPURegs is the saved register file of the ME's CPU.
type CPURegs struct {
	R    [13]uint64 `cbor:"1,keyasint"`
	LR   uint64     `cbor:"2,keyasint"`
	PC   uint64     `cbor:"3,keyasint"`
	PSR  uint64     `cbor:"4,keyasint"`
	TPID uint64     `cbor:"5,keyasint"`
}

// Snapshot is the resumable state of an ME: a value copied out of the
// source control block and into the target one. Memory travels
// separately.
type Snapshot struct {
	UUID       uuid.UUID         `cbor:"1,keyasint"`
	SharedInfo []byte            `cbor:"2,keyasint"`
	Evtchn     []EvtchnEntry     `cbor:"3,keyasint"`
	VIRQ       map[uint32]uint32 `cbor:"4,keyasint"` // virq -> port
	PauseCount int               `cbor:"5,keyasint"`
	PauseFlags uint32            `cbor:"6,keyasint"`
	Regs       CPURegs           `cbor:"7,keyasint"`
	SP         uint64            `cbor:"8,keyasint"`
	FP         []byte            `cbor:"9,keyasint,omitempty"`

	// Placement on the source host.
	OldPFN        uint64 `cbor:"10,keyasint"`
	OldSize       uint64 `cbor:"11,keyasint"`
	OldPhysOffset uint64 `cbor:"12,keyasint"`
}

// Clone returns a copy of s sharing no memory with it.
func (s *Snapshot) Clone() Snapshot {
	c := *s
	c.SharedInfo = slices.Clone(s.SharedInfo)
	c.Evtchn = slices.Clone(s.Evtchn)
	c.VIRQ = maps.Clone(s.VIRQ)
	c.FP = slices.Clone(s.FP)

	return c
}

// ControlBlock is the live descriptor of a domain.
type ControlBlock struct {
	ID         DomID
	Slot       int
	PFN        uint64
	Size       uint64
	PhysOffset uint64
	ResumePC   uint64

	Snapshot
}
