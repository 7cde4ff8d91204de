package vbstore

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/sirupsen/logrus"
)

var vbLog = logrus.WithField("source", "vbstore")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	vbLog = logger.WithFields(vbLog.Data)
}

// Client is the per-domain vbstore client. All operations are safe for
// concurrent use; at most one request is on the wire at a time.
//
// Lock order: dispatchMu, txGroupMu, txAdmitMu, watchMu, reqMu.
type Client struct {
	codec atomic.Pointer[Codec]

	// reqMu is held for the whole round trip of a request.
	reqMu  sync.Mutex
	nextID uint32

	standbyMu sync.Mutex
	standby   map[uint32]chan *Message
	closed    bool

	// Every open transaction holds txGroupMu for reading; Suspend takes
	// it for writing, which also holds back transactions started after
	// it began waiting.
	txAdmitMu sync.Mutex
	txGroupMu sync.RWMutex
	txOpen    int
	nextTx    TxID

	// watchMu serializes (de)registration, dispatchMu is held while a
	// watch callback runs.
	watchMu    sync.Mutex
	dispatchMu sync.Mutex
	watches    *watchTable

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient connects a client to the front halves of page, signalling
// through evt, and starts its watch dispatcher.
func NewClient(page *ring.Page, evt *evtchn.Endpoint) *Client {
	out, in := page.Front()

	c := &Client{
		standby: make(map[uint32]chan *Message),
		watches: newWatchTable(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.codec.Store(NewCodec(out, in, evt))
	evt.Bind(c.receive)

	c.wg.Add(1)

	go c.watchLoop()

	return c
}

// Close fails every in-flight request with ErrClosed and stops the watch
// dispatcher. Registered watches are dropped locally only.
func (c *Client) Close() {
	c.standbyMu.Lock()

	if c.closed {
		c.standbyMu.Unlock()

		return
	}

	c.closed = true

	for id, ch := range c.standby {
		close(ch)
		delete(c.standby, id)
	}

	c.standbyMu.Unlock()

	c.codec.Load().Endpoint().Bind(nil)
	close(c.done)
	c.wg.Wait()
}

// receive drains the response ring. It runs on the event channel
// goroutine and never blocks on a request.
func (c *Client) receive() {
	codec := c.codec.Load()
	drained := false

	for {
		m, err := codec.Receive()
		if errors.Is(err, ring.ErrEmpty) {
			break
		}

		if err != nil {
			vbLog.WithError(err).Panic("vbstore: response ring desynchronised")
		}

		drained = true

		c.dispatch(m)
	}

	// Let the store flush responses it could not fit earlier.
	if drained {
		if err := codec.Notify(); err != nil {
			vbLog.WithError(err).Debug("notify after drain")
		}
	}
}

// dispatch routes one incoming message: watch events to the watch table,
// everything else to the request waiting for that id.
func (c *Client) dispatch(m *Message) {
	if m.Type == MsgWatchEvent {
		watchEvents.Inc()

		fields := SplitFields(m.Payload)
		if len(fields) == 0 {
			vbLog.WithField("id", m.ID).Warn("watch event without path")

			return
		}

		if c.watches.mark(fields[0]) > 0 {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}

		return
	}

	c.standbyMu.Lock()
	ch, ok := c.standby[m.ID]
	if ok {
		delete(c.standby, m.ID)
		ch <- m
	}
	closed := c.closed
	c.standbyMu.Unlock()

	if !ok && !closed {
		vbLog.WithFields(logrus.Fields{
			"id":   m.ID,
			"type": m.Type,
		}).Panic("vbstore: reply matches no pending request")
	}
}

// talk sends one request and blocks until the store replies to it.
func (c *Client) talk(tx TxID, typ MsgType, payload []byte) ([]byte, error) {
	start := time.Now()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.nextID++
	id := c.nextID

	ch := make(chan *Message, 1)

	c.standbyMu.Lock()

	if c.closed {
		c.standbyMu.Unlock()

		return nil, ErrClosed
	}

	c.standby[id] = ch
	c.standbyMu.Unlock()

	req := &Message{ID: id, TxID: tx, Type: typ, Payload: payload}

	if err := c.codec.Load().Send(req); err != nil {
		c.standbyMu.Lock()
		delete(c.standby, id)
		c.standbyMu.Unlock()

		if errors.Is(err, ring.ErrWouldOverflow) || errors.Is(err, ring.ErrTooLarge) {
			requestOverflows.Inc()

			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}

		return nil, err
	}

	rep, ok := <-ch
	if !ok {
		return nil, ErrClosed
	}

	if rep.ID != id || (rep.Type != typ && rep.Type != MsgError) {
		vbLog.WithFields(logrus.Fields{
			"want_id":   id,
			"got_id":    rep.ID,
			"want_type": typ,
			"got_type":  rep.Type,
		}).Panic("vbstore: reply does not match request")
	}

	talkDurations.WithLabelValues(typ.String()).Observe(float64(time.Since(start).Microseconds()) / 1000)

	if rep.Type == MsgError {
		return nil, replyError(rep.Payload)
	}

	return rep.Payload, nil
}

// Read returns the value of dir/node.
func (c *Client) Read(tx TxID, dir, node string) ([]byte, error) {
	return c.talk(tx, MsgRead, Fields(JoinPath(dir, node)))
}

// ReadInt reads dir/node and parses it as a decimal integer.
func (c *Client) ReadInt(tx TxID, dir, node string) (int, error) {
	v, err := c.Read(tx, dir, node)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(string(trimNul(v)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", JoinPath(dir, node), ErrInvalid, err)
	}

	return n, nil
}

// Write sets dir/node to value, creating missing parents.
func (c *Client) Write(tx TxID, dir, node string, value []byte) error {
	payload := append(Fields(JoinPath(dir, node)), value...)

	_, err := c.talk(tx, MsgWrite, payload)

	return err
}

// Printf writes a formatted value to dir/node.
func (c *Client) Printf(tx TxID, dir, node, format string, args ...interface{}) error {
	return c.Write(tx, dir, node, []byte(fmt.Sprintf(format, args...)))
}

// Mkdir creates dir/node with an empty value.
func (c *Client) Mkdir(tx TxID, dir, node string) error {
	_, err := c.talk(tx, MsgMkdir, Fields(JoinPath(dir, node)))

	return err
}

// Rm removes dir/node and everything below it.
func (c *Client) Rm(tx TxID, dir, node string) error {
	_, err := c.talk(tx, MsgRm, Fields(JoinPath(dir, node)))

	return err
}

// Directory lists the children of dir/node.
func (c *Client) Directory(tx TxID, dir, node string) ([]string, error) {
	v, err := c.talk(tx, MsgDirectory, Fields(JoinPath(dir, node)))
	if err != nil {
		return nil, err
	}

	return SplitFields(v), nil
}

// DirectoryExists reports whether dir/node exists.
func (c *Client) DirectoryExists(tx TxID, dir, node string) (bool, error) {
	v, err := c.talk(tx, MsgDirectoryExists, Fields(JoinPath(dir, node)))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return string(trimNul(v)) == "1", nil
}

// Suspend quiesces the client: it waits for the running watch callback,
// every open transaction and the in-flight request, then keeps all of
// them locked out until Resume.
func (c *Client) Suspend() {
	c.dispatchMu.Lock()
	c.txGroupMu.Lock()
	c.watchMu.Lock()
	c.reqMu.Lock()
}

// Resume undoes Suspend.
func (c *Client) Resume() {
	c.reqMu.Unlock()
	c.watchMu.Unlock()
	c.txGroupMu.Unlock()
	c.dispatchMu.Unlock()
}

// Reconnect moves the client to a new ring page and event channel
// endpoint, as after the vbstore page was reinstalled by migration. The
// client must be suspended; requests resume on the new page.
func (c *Client) Reconnect(page *ring.Page, evt *evtchn.Endpoint) {
	old := c.codec.Load()
	old.Endpoint().Bind(nil)

	out, in := page.Front()
	c.codec.Store(NewCodec(out, in, evt))
	evt.Bind(c.receive)
}

// Endpoint returns the event channel endpoint the client signals on.
func (c *Client) Endpoint() *evtchn.Endpoint { return c.codec.Load().Endpoint() }
