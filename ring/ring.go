// Package ring implements the shared page used between a domain and the
// store process: one request ring and one response ring, each a flat
// byte array with producer, consumer and private indices.
//
// Indices are free-running byte counters; the offset into the array is
// the counter modulo the ring size. A single write is never split across
// the physical end of the array: when the contiguous space left before
// the end is too small the writer skips to offset 0, and the reader
// applies the same rule with the same lengths, so both sides agree on
// where each chunk starts.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultSize is the capacity of each ring of a page.
const DefaultSize = 1024

var (
	// ErrWouldOverflow means the consumer has not freed enough space
	// for the write.
	ErrWouldOverflow = errors.New("ring would overflow")

	// ErrTooLarge means a single chunk can never fit the ring.
	ErrTooLarge = errors.New("chunk larger than ring")

	// ErrEmpty means the requested bytes have not been published yet.
	ErrEmpty = errors.New("ring empty")

	errBadSize = errors.New("ring size must be positive")
)

// Ring is one direction of a page.
type Ring struct {
	buf []byte

	prod atomic.Uint64
	cons atomic.Uint64

	// pvtProd is owned by the producer half, pvtCons by the consumer half.
	pvtProd uint64
	pvtCons uint64
}

func newRing(size int) *Ring {
	return &Ring{buf: make([]byte, size)}
}

// Size returns the ring capacity in bytes.
func (r *Ring) Size() int { return len(r.buf) }

// Used returns the number of published bytes not yet released by the
// consumer, including skipped tails.
func (r *Ring) Used() uint64 { return r.prod.Load() - r.cons.Load() }

// Indices returns the published producer and consumer counters.
func (r *Ring) Indices() (prod, cons uint64) { return r.prod.Load(), r.cons.Load() }

// Page is the page shared between a domain and the store.
type Page struct {
	Req *Ring
	Rsp *Ring
}

// NewPage allocates a page with rings of the given sizes.
func NewPage(reqSize, rspSize int) (*Page, error) {
	if reqSize <= 0 || rspSize <= 0 {
		return nil, fmt.Errorf("%w: req=%d rsp=%d", errBadSize, reqSize, rspSize)
	}

	return &Page{Req: newRing(reqSize), Rsp: newRing(rspSize)}, nil
}

// Front returns the halves used by the domain: it produces requests and
// consumes responses.
func (p *Page) Front() (*Producer, *Consumer) {
	return &Producer{r: p.Req}, &Consumer{r: p.Rsp}
}

// Back returns the halves used by the store: it consumes requests and
// produces responses.
func (p *Page) Back() (*Consumer, *Producer) {
	return &Consumer{r: p.Req}, &Producer{r: p.Rsp}
}

// Producer is the exclusive writing half of a ring.
type Producer struct {
	r *Ring
}

// Write copies each part at the private producer offset, applying the
// wrap rule per part, then publishes all of them at once. On error
// nothing is published.
func (p *Producer) Write(parts ...[]byte) error {
	r := p.r
	size := uint64(len(r.buf))
	cons := r.cons.Load()
	pvt := r.pvtProd

	for _, b := range parts {
		n := uint64(len(b))
		if n == 0 {
			continue
		}

		if n > size {
			return fmt.Errorf("%w: %d > %d", ErrTooLarge, n, size)
		}

		off := pvt % size
		if size-off < n {
			pvt += size - off
			off = 0
		}

		if pvt+n-cons > size {
			// An empty ring never frees more space, so the parts can
			// not be laid out from this offset at all.
			if cons == r.pvtProd {
				return fmt.Errorf("%w: %d bytes do not fit from offset %d", ErrTooLarge, n, r.pvtProd%size)
			}

			return fmt.Errorf("%w: need %d, used %d of %d", ErrWouldOverflow, n, pvt-cons, size)
		}

		copy(r.buf[off:off+n], b)
		pvt += n
	}

	r.pvtProd = pvt

	// The copies above happen before a consumer observes the new index.
	r.prod.Store(pvt)

	return nil
}

// Consumer is the exclusive reading half of a ring.
type Consumer struct {
	r *Ring
}

// Empty reports whether every published byte has been read.
func (c *Consumer) Empty() bool {
	return c.r.prod.Load() == c.r.pvtCons
}

// Read returns a copy of the next n bytes and advances the private
// consumer offset. The space is not released until Commit.
func (c *Consumer) Read(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}

	r := c.r
	size := uint64(len(r.buf))

	if uint64(n) > size {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, size)
	}

	prod := r.prod.Load()
	pvt := r.pvtCons

	off := pvt % size
	if size-off < uint64(n) {
		pvt += size - off
		off = 0
	}

	if prod < pvt+uint64(n) {
		return nil, ErrEmpty
	}

	out := make([]byte, n)
	copy(out, r.buf[off:off+uint64(n)])
	r.pvtCons = pvt + uint64(n)

	return out, nil
}

// Commit publishes the private consumer offset so the producer may reuse
// the space.
func (c *Consumer) Commit() {
	c.r.cons.Store(c.r.pvtCons)
}

// Rollback forgets reads since the last Commit.
func (c *Consumer) Rollback() {
	c.r.pvtCons = c.r.cons.Load()
}
