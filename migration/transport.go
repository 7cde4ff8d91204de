// This file implements the framed binary transport used to stream an ME
// between two agencies over a TCP connection.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// Memory and snapshot payloads are packed as
//
//	[1-byte encoding][8-byte big-endian raw length][data]
//
// where the encoding is raw or an LZ4 block.
package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // packed CBOR Snapshot
	MsgMemory   MsgType = 2 // packed image of the ME's memory slot
	MsgDone     MsgType = 3 // source signals end-of-migration
	MsgReady    MsgType = 4 // destination confirms the ME is running
	MsgAborted  MsgType = 5 // destination did not resume the ME; payload is the reason
)

func (t MsgType) String() string {
	switch t {
	case MsgSnapshot:
		return "snapshot"
	case MsgMemory:
		return "memory"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	case MsgAborted:
		return "aborted"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

const (
	encRaw byte = 0
	encLZ4 byte = 1

	packHeaderSize = 9
)

var (
	errPackedTooShort = errors.New("packed payload too short")
	errBadEncoding    = errors.New("unknown payload encoding")
	errRawSize        = errors.New("unpacked size mismatch")
)

// encMode encodes snapshots deterministically: the same snapshot always
// produces the same bytes.
var encMode, decMode = func() (cbor.EncMode, cbor.DecMode) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("migration: cbor encoder: " + err.Error())
	}

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("migration: cbor decoder: " + err.Error())
	}

	return em, dm
}()

// Sender writes framed messages to an underlying writer (typically a TCP conn).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	messagesSent.WithLabelValues(t.String()).Inc()
	bytesSent.Add(float64(len(hdr) + len(payload)))

	return nil
}

// SendSnapshot encodes snap and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	return s.send(MsgSnapshot, Pack(b))
}

// SendMemory sends the image of a memory slot.
func (s *Sender) SendMemory(mem []byte) error {
	return s.send(MsgMemory, Pack(mem))
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination ME is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// SendAborted reports that the destination gave up on the ME.
func (s *Sender) SendAborted(reason string) error {
	return s.send(MsgAborted, []byte(reason))
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%v len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// EncodeSnapshot returns the deterministic CBOR encoding of snap.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	b, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	return b, nil
}

// DecodeSnapshot decodes a MsgSnapshot payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	b, err := Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	snap := &Snapshot{}
	if err := decMode.Unmarshal(b, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

// Pack compresses data with LZ4 when that makes it smaller.
func Pack(data []byte) []byte {
	out := make([]byte, packHeaderSize+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint64(out[1:packHeaderSize], uint64(len(data)))

	n, err := lz4.CompressBlock(data, out[packHeaderSize:], nil)
	if err != nil || n == 0 || n >= len(data) {
		out[0] = encRaw
		out = append(out[:packHeaderSize], data...)

		return out
	}

	out[0] = encLZ4

	return out[:packHeaderSize+n]
}

// Unpack reverses Pack.
func Unpack(payload []byte) ([]byte, error) {
	if len(payload) < packHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", errPackedTooShort, len(payload))
	}

	size := binary.BigEndian.Uint64(payload[1:packHeaderSize])
	data := payload[packHeaderSize:]

	switch payload[0] {
	case encRaw:
		if uint64(len(data)) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", errRawSize, len(data), size)
		}

		return data, nil
	case encLZ4:
		out := make([]byte, size)

		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}

		if uint64(n) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", errRawSize, n, size)
		}

		return out, nil
	}

	return nil, fmt.Errorf("%w: %d", errBadEncoding, payload[0])
}
