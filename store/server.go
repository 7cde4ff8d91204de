package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/sirupsen/logrus"
)

var storeLog = logrus.WithField("source", "store")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	storeLog = logger.WithFields(storeLog.Data)
}

var errAttached = errors.New("domain already attached")

// DomID identifies an attached domain.
type DomID int

type conn struct {
	dom   DomID
	codec *vbstore.Codec

	// txs and watches are guarded by Server.mu. watches maps the path
	// as the domain registered it to its canonical form.
	txs     map[vbstore.TxID]*transaction
	watches map[string]string

	outMu sync.Mutex
	outq  []*vbstore.Message
}

// Server owns the tree and one connection per attached domain.
type Server struct {
	mu      sync.Mutex
	tree    *Tree
	conns   map[DomID]*conn
	backend Backend
}

// New returns a server whose tree is loaded from backend. backend may be
// nil for a volatile store.
func New(backend Backend) (*Server, error) {
	t := NewTree()

	if backend != nil {
		if err := backend.Load(t); err != nil {
			return nil, fmt.Errorf("load store: %w", err)
		}
	}

	return &Server{
		tree:    t,
		conns:   make(map[DomID]*conn),
		backend: backend,
	}, nil
}

// Close detaches every domain and closes the backend.
func (s *Server) Close() error {
	s.mu.Lock()
	doms := make([]DomID, 0, len(s.conns))

	for d := range s.conns {
		doms = append(doms, d)
	}
	s.mu.Unlock()

	for _, d := range doms {
		s.Detach(d)
	}

	if s.backend != nil {
		return s.backend.Close()
	}

	return nil
}

// Attach starts serving dom on the back halves of page. Requests are
// handled on evt's delivery goroutine.
func (s *Server) Attach(dom DomID, page *ring.Page, evt *evtchn.Endpoint) error {
	in, out := page.Back()

	c := &conn{
		dom:     dom,
		codec:   vbstore.NewCodec(out, in, evt),
		txs:     make(map[vbstore.TxID]*transaction),
		watches: make(map[string]string),
	}

	s.mu.Lock()

	if _, ok := s.conns[dom]; ok {
		s.mu.Unlock()

		return fmt.Errorf("dom %d: %w", dom, errAttached)
	}

	s.conns[dom] = c
	s.mu.Unlock()

	evt.Bind(func() { s.handle(c) })

	storeLog.WithField("dom", dom).Debug("domain attached")

	return nil
}

// Detach stops serving dom and drops its transactions and watches.
func (s *Server) Detach(dom DomID) {
	s.mu.Lock()
	c, ok := s.conns[dom]
	delete(s.conns, dom)
	s.mu.Unlock()

	if !ok {
		return
	}

	c.codec.Endpoint().Bind(nil)

	storeLog.WithField("dom", dom).Debug("domain detached")
}

func (s *Server) handle(c *conn) {
	for {
		m, err := c.codec.Receive()
		if errors.Is(err, ring.ErrEmpty) {
			break
		}

		if err != nil {
			storeLog.WithError(err).WithField("dom", c.dom).Error("request ring desynchronised, detaching")
			s.Detach(c.dom)

			return
		}

		s.mu.Lock()

		if s.conns[c.dom] != c {
			s.mu.Unlock()

			return
		}

		rep, changes := s.process(c, m)
		targets := s.commitChanges(changes)
		s.mu.Unlock()

		c.enqueue(rep)

		for _, t := range targets {
			if t != c {
				t.flush()
			}
		}
	}

	c.flush()
}

func (s *Server) process(c *conn, m *vbstore.Message) (*vbstore.Message, []change) {
	rep := &vbstore.Message{ID: m.ID, TxID: m.TxID, Type: m.Type}

	payload, changes, err := s.exec(c, m)
	if err != nil {
		rep.Type = vbstore.MsgError
		rep.Payload = vbstore.Fields(vbstore.ErrorToken(err))

		return rep, changes
	}

	rep.Payload = payload

	return rep, changes
}

var okPayload = vbstore.Fields("OK")

func firstField(payload []byte) (string, error) {
	f := vbstore.SplitFields(payload)
	if len(f) == 0 {
		return "", fmt.Errorf("empty payload: %w", vbstore.ErrInvalid)
	}

	return f[0], nil
}

func (s *Server) exec(c *conn, m *vbstore.Message) ([]byte, []change, error) {
	switch m.Type {
	case vbstore.MsgWrite:
		path, value, ok := vbstore.SplitPathValue(m.Payload)
		if !ok {
			return nil, nil, fmt.Errorf("write without path: %w", vbstore.ErrInvalid)
		}

		return s.modify(c, m.TxID, op{kind: opWrite, path: path, value: value})

	case vbstore.MsgMkdir, vbstore.MsgRm:
		path, err := firstField(m.Payload)
		if err != nil {
			return nil, nil, err
		}

		kind := opMkdir
		if m.Type == vbstore.MsgRm {
			kind = opRm
		}

		return s.modify(c, m.TxID, op{kind: kind, path: path})

	case vbstore.MsgRead, vbstore.MsgDirectory, vbstore.MsgDirectoryExists:
		path, err := firstField(m.Payload)
		if err != nil {
			return nil, nil, err
		}

		payload, err := s.query(s.view(c, m.TxID), m.Type, path)

		return payload, nil, err

	case vbstore.MsgTransactionEnd:
		return s.endTransaction(c, m)

	case vbstore.MsgWatch:
		path, err := firstField(m.Payload)
		if err != nil {
			return nil, nil, err
		}

		if _, err := splitPath(path); err != nil {
			return nil, nil, err
		}

		c.watches[path] = Canonical(path)

		return okPayload, nil, nil

	case vbstore.MsgUnwatch:
		path, err := firstField(m.Payload)
		if err != nil {
			return nil, nil, err
		}

		if _, ok := c.watches[path]; !ok {
			return nil, nil, fmt.Errorf("unwatch %s: %w", path, vbstore.ErrNotFound)
		}

		delete(c.watches, path)

		return okPayload, nil, nil
	}

	return nil, nil, fmt.Errorf("message type %v: %w", m.Type, vbstore.ErrInvalid)
}

func (s *Server) query(t *Tree, typ vbstore.MsgType, path string) ([]byte, error) {
	switch typ {
	case vbstore.MsgRead:
		return t.Read(path)
	case vbstore.MsgDirectory:
		names, err := t.Directory(path)
		if err != nil {
			return nil, err
		}

		return vbstore.Fields(names...), nil
	default:
		if t.Exists(path) {
			return []byte("1"), nil
		}

		return []byte("0"), nil
	}
}

// view returns the tree a request observes: the live tree outside of a
// transaction, the transaction's private copy inside one.
func (s *Server) view(c *conn, tx vbstore.TxID) *Tree {
	if c == nil || tx == vbstore.NoTx {
		return s.tree
	}

	return s.transaction(c, tx).view
}

func (s *Server) transaction(c *conn, tx vbstore.TxID) *transaction {
	t, ok := c.txs[tx]
	if !ok {
		t = newTransaction(s.tree)
		c.txs[tx] = t
	}

	return t
}

func (s *Server) modify(c *conn, tx vbstore.TxID, o op) ([]byte, []change, error) {
	if c == nil || tx == vbstore.NoTx {
		ch, err := applyOp(s.tree, o)
		if err != nil {
			return nil, nil, err
		}

		return okPayload, []change{ch}, nil
	}

	if err := s.transaction(c, tx).apply(o); err != nil {
		return nil, nil, err
	}

	return okPayload, nil, nil
}

func (s *Server) endTransaction(c *conn, m *vbstore.Message) ([]byte, []change, error) {
	if m.TxID == vbstore.NoTx {
		return nil, nil, fmt.Errorf("transaction end outside a transaction: %w", vbstore.ErrInvalid)
	}

	t, ok := c.txs[m.TxID]
	delete(c.txs, m.TxID)

	// A transaction that never touched the store has nothing to commit.
	if !ok {
		return okPayload, nil, nil
	}

	if f := vbstore.SplitFields(m.Payload); len(f) > 0 && f[0] == "F" {
		return okPayload, nil, nil
	}

	changes, err := t.commit(s.tree)

	return okPayload, changes, err
}

// commitChanges persists changes and queues watch events. It returns the
// connections with new events. s.mu must be held.
func (s *Server) commitChanges(changes []change) []*conn {
	if len(changes) == 0 {
		return nil
	}

	if s.backend != nil {
		for _, ch := range changes {
			var err error
			if ch.removed {
				err = s.backend.Delete(ch.path)
			} else {
				err = s.backend.Put(ch.path, ch.value)
			}

			if err != nil {
				storeLog.WithError(err).WithField("path", ch.path).Error("persisting change")
			}
		}
	}

	var targets []*conn

	for _, c := range s.conns {
		var events []*vbstore.Message

		for token, canon := range c.watches {
			for _, ch := range changes {
				if watchMatches(canon, ch) {
					events = append(events, &vbstore.Message{
						Type:    vbstore.MsgWatchEvent,
						Payload: vbstore.Fields(token),
					})

					break
				}
			}
		}

		if len(events) > 0 {
			c.enqueue(events...)
			targets = append(targets, c)
		}
	}

	return targets
}

func watchMatches(watched string, ch change) bool {
	if watched == "/" || ch.path == watched || strings.HasPrefix(ch.path, watched+"/") {
		return true
	}

	return ch.removed && strings.HasPrefix(watched, ch.path+"/")
}

func (c *conn) enqueue(ms ...*vbstore.Message) {
	c.outMu.Lock()
	c.outq = append(c.outq, ms...)
	c.outMu.Unlock()
}

// flush writes as many queued messages as the response ring holds. The
// rest waits for the domain to drain the ring and notify again.
func (c *conn) flush() {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	sent := 0

	for len(c.outq) > 0 {
		m := c.outq[0]

		err := c.codec.Write(m)
		if errors.Is(err, ring.ErrWouldOverflow) {
			break
		}

		if errors.Is(err, ring.ErrTooLarge) && m.Type != vbstore.MsgWatchEvent {
			c.outq[0] = &vbstore.Message{
				ID:      m.ID,
				TxID:    m.TxID,
				Type:    vbstore.MsgError,
				Payload: vbstore.Fields(vbstore.TokenNoSpace),
			}

			continue
		}

		if err != nil {
			storeLog.WithError(err).WithField("dom", c.dom).Warn("dropping outgoing message")
		}

		c.outq = c.outq[1:]
		sent++
	}

	if sent == 0 {
		return
	}

	if err := c.codec.Notify(); err != nil {
		storeLog.WithError(err).WithField("dom", c.dom).Debug("notify")
	}
}

// Read returns the value at path on behalf of the agency.
func (s *Server) Read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tree.Read(path)
}

// Directory lists path on behalf of the agency.
func (s *Server) Directory(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tree.Directory(path)
}

// Write sets path on behalf of the agency and fires watches.
func (s *Server) Write(path string, value []byte) error {
	return s.local(op{kind: opWrite, path: path, value: value})
}

// Mkdir creates path on behalf of the agency.
func (s *Server) Mkdir(path string) error {
	return s.local(op{kind: opMkdir, path: path})
}

// Rm removes path on behalf of the agency.
func (s *Server) Rm(path string) error {
	return s.local(op{kind: opRm, path: path})
}

func (s *Server) local(o op) error {
	s.mu.Lock()

	_, changes, err := s.modify(nil, vbstore.NoTx, o)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	targets := s.commitChanges(changes)
	s.mu.Unlock()

	for _, t := range targets {
		t.flush()
	}

	return nil
}
