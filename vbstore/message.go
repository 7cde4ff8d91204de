// Package vbstore implements the client side of the vbstore protocol:
// request/reply and watch notifications exchanged with the store process
// over a ring page and an event channel.
//
// Wire format of each message:
//
//	[u32 id][u32 transaction id][u8 type][u32 len][len payload bytes]
//
// little-endian, with no padding. Header and payload are written as two
// chunks so neither is split across the end of the ring.
package vbstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
)

// HeaderSize is the encoded size of a message header.
const HeaderSize = 13

// MsgType identifies a vbstore message.
type MsgType uint8

const (
	MsgRead MsgType = iota
	MsgWrite
	MsgMkdir
	MsgRm
	MsgDirectory
	MsgDirectoryExists
	MsgTransactionEnd
	MsgWatch
	MsgUnwatch
	MsgWatchEvent
	MsgError // reply only: payload is an error token
)

var msgTypeNames = [...]string{
	MsgRead:            "read",
	MsgWrite:           "write",
	MsgMkdir:           "mkdir",
	MsgRm:              "rm",
	MsgDirectory:       "directory",
	MsgDirectoryExists: "directory_exists",
	MsgTransactionEnd:  "transaction_end",
	MsgWatch:           "watch",
	MsgUnwatch:         "unwatch",
	MsgWatchEvent:      "watch_event",
	MsgError:           "error",
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}

	return fmt.Sprintf("type(%d)", uint8(t))
}

// TxID identifies a transaction. NoTx means no transaction.
type TxID uint32

const NoTx TxID = 0

// Message is one logical vbstore message.
type Message struct {
	ID      uint32
	TxID    TxID
	Type    MsgType
	Payload []byte
}

var errTruncated = errors.New("message payload not published with its header")

// MarshalHeader encodes the fixed-size header of m.
func (m *Message) MarshalHeader() []byte {
	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], m.ID)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.TxID))
	hdr[8] = byte(m.Type)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(m.Payload)))

	return hdr
}

// UnmarshalHeader decodes hdr into m and returns the payload length.
func (m *Message) UnmarshalHeader(hdr []byte) uint32 {
	m.ID = binary.LittleEndian.Uint32(hdr[0:4])
	m.TxID = TxID(binary.LittleEndian.Uint32(hdr[4:8]))
	m.Type = MsgType(hdr[8])

	return binary.LittleEndian.Uint32(hdr[9:13])
}

// Codec frames messages onto one producing ring and off one consuming
// ring, and rings the bound event channel after each send.
type Codec struct {
	out *ring.Producer
	in  *ring.Consumer
	evt *evtchn.Endpoint
}

// NewCodec returns a codec writing to out, reading from in and notifying
// through evt.
func NewCodec(out *ring.Producer, in *ring.Consumer, evt *evtchn.Endpoint) *Codec {
	return &Codec{out: out, in: in, evt: evt}
}

// Send writes m and notifies the peer.
func (c *Codec) Send(m *Message) error {
	if err := c.Write(m); err != nil {
		return err
	}

	return c.Notify()
}

// Write frames m onto the ring without notifying the peer.
func (c *Codec) Write(m *Message) error {
	if err := c.out.Write(m.MarshalHeader(), m.Payload); err != nil {
		return fmt.Errorf("send %v id=%d: %w", m.Type, m.ID, err)
	}

	return nil
}

// Notify rings the event channel without sending anything.
func (c *Codec) Notify() error {
	if err := c.evt.Notify(); err != nil {
		return fmt.Errorf("notify port %d: %w", c.evt.Port, err)
	}

	return nil
}

// Receive returns the next complete message, or ring.ErrEmpty when none
// is published. The ring space is released before returning.
func (c *Codec) Receive() (*Message, error) {
	hdr, err := c.in.Read(HeaderSize)
	if err != nil {
		c.in.Rollback()

		return nil, err
	}

	m := &Message{}
	n := m.UnmarshalHeader(hdr)

	m.Payload, err = c.in.Read(int(n))
	if err != nil {
		c.in.Rollback()

		if errors.Is(err, ring.ErrEmpty) {
			return nil, fmt.Errorf("%w: id=%d len=%d", errTruncated, m.ID, n)
		}

		return nil, err
	}

	c.in.Commit()

	return m, nil
}

// Endpoint returns the bound event channel.
func (c *Codec) Endpoint() *evtchn.Endpoint { return c.evt }
