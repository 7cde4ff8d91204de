// Package evtchn implements event channels: bound, one-bit doorbells
// between two domains. A notification raised on one endpoint runs the
// handler bound to the other endpoint on that endpoint's own goroutine,
// which plays the role of the interrupt context. Notifications raised
// while the handler is pending are coalesced.
package evtchn

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var evtLog = logrus.WithField("source", "evtchn")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	evtLog = logger.WithFields(evtLog.Data)
}

var (
	ErrClosed    = errors.New("event channel closed")
	ErrUnbound   = errors.New("event channel not bound to a peer")
	ErrPortInUse = errors.New("event channel port already allocated")
	ErrNoPort    = errors.New("no such event channel port")
)

// Port is an event channel number, local to one domain.
type Port uint32

// Handler runs when the peer notifies. It must not block for long: it
// delays every later notification on the same endpoint.
type Handler func()

// Endpoint is one side of an event channel.
type Endpoint struct {
	Port Port

	mu      sync.Mutex
	peer    *Endpoint
	handler Handler
	running bool
	closed  bool

	pending chan struct{}
	done    chan struct{}
}

// NewEndpoint returns an unbound endpoint on port.
func NewEndpoint(port Port) *Endpoint {
	return &Endpoint{
		Port:    port,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// NewPair returns two endpoints connected to each other.
func NewPair(a, b Port) (*Endpoint, *Endpoint) {
	ea, eb := NewEndpoint(a), NewEndpoint(b)
	Connect(ea, eb)

	return ea, eb
}

// Connect binds a and b as peers, replacing any previous binding of
// either side.
func Connect(a, b *Endpoint) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Disconnect drops the binding on both sides. Later Notify calls on
// either endpoint fail with ErrUnbound until it is connected again.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	peer := e.peer
	e.peer = nil
	e.mu.Unlock()

	if peer == nil {
		return
	}

	peer.mu.Lock()
	if peer.peer == e {
		peer.peer = nil
	}
	peer.mu.Unlock()
}

// Bind installs h as the notification handler and starts the delivery
// goroutine on first use.
func (e *Endpoint) Bind(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handler = h

	if e.running || e.closed {
		return
	}

	e.running = true

	go e.loop()
}

// Notify raises the event on the peer endpoint.
func (e *Endpoint) Notify() error {
	e.mu.Lock()
	peer, closed := e.peer, e.closed
	e.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if peer == nil {
		return ErrUnbound
	}

	peer.raise()

	return nil
}

func (e *Endpoint) raise() {
	select {
	case e.pending <- struct{}{}:
	default:
	}
}

// Close stops handler delivery. It is safe to call more than once.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.closed = true
	close(e.done)
}

func (e *Endpoint) loop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.pending:
		}

		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()

		if h == nil {
			evtLog.WithField("port", e.Port).Debug("event on port without handler")

			continue
		}

		h()
	}
}
