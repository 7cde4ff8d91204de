package evtchn

import (
	"fmt"
	"sort"
	"sync"
)

// Table holds the live event channel endpoints of one domain, keyed by
// local port.
type Table struct {
	mu    sync.Mutex
	ports map[Port]*Endpoint
	next  Port
}

// NewTable returns an empty table. Port 0 is never allocated.
func NewTable() *Table {
	return &Table{ports: make(map[Port]*Endpoint), next: 1}
}

// Alloc allocates the port after the highest one handed out so far.
// Freed ports are not reused.
func (t *Table) Alloc() *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		p := t.next
		t.next++

		if _, ok := t.ports[p]; !ok {
			ep := NewEndpoint(p)
			t.ports[p] = ep

			return ep
		}
	}
}

// AllocPort allocates a specific port.
func (t *Table) AllocPort(p Port) (*Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ports[p]; ok {
		return nil, fmt.Errorf("port %d: %w", p, ErrPortInUse)
	}

	ep := NewEndpoint(p)
	t.ports[p] = ep

	if p >= t.next {
		t.next = p + 1
	}

	return ep, nil
}

// Lookup returns the endpoint bound to p.
func (t *Table) Lookup(p Port) (*Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, ok := t.ports[p]
	if !ok {
		return nil, fmt.Errorf("port %d: %w", p, ErrNoPort)
	}

	return ep, nil
}

// Free unbinds, closes and releases p.
func (t *Table) Free(p Port) {
	t.mu.Lock()
	ep, ok := t.ports[p]
	delete(t.ports, p)
	t.mu.Unlock()

	if ok {
		ep.Disconnect()
		ep.Close()
	}
}

// Ports returns the allocated port numbers in ascending order.
func (t *Table) Ports() []Port {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := make([]Port, 0, len(t.ports))
	for p := range t.ports {
		ps = append(ps, p)
	}

	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })

	return ps
}

// Close frees every port.
func (t *Table) Close() {
	for _, p := range t.Ports() {
		t.Free(p)
	}
}
