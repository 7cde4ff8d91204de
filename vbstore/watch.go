package vbstore

import (
	"fmt"
	"sync"
)

// WatchHandler receives watch notifications. Handlers are compared by
// identity, so implementations must be comparable (typically pointers).
type WatchHandler interface {
	WatchFired(path string)
}

// WatchFunc adapts a function to WatchHandler. Each *WatchFunc is a
// distinct handler.
type WatchFunc struct {
	fn func(path string)
}

// NewWatchFunc returns a new handler calling fn.
func NewWatchFunc(fn func(path string)) *WatchFunc {
	return &WatchFunc{fn: fn}
}

// WatchFired calls the wrapped function.
func (w *WatchFunc) WatchFired(path string) { w.fn(path) }

type watchEntry struct {
	id      uint64
	path    string
	handler WatchHandler
	pending bool
}

// watchTable keeps registrations in order and a FIFO of pending entry
// ids. Ids are never reused, so a queued id whose entry was removed in
// the meantime simply resolves to nothing.
type watchTable struct {
	mu      sync.Mutex
	nextID  uint64
	entries []*watchEntry
	byID    map[uint64]*watchEntry
	queue   []uint64
}

func newWatchTable() *watchTable {
	return &watchTable{byID: make(map[uint64]*watchEntry)}
}

func (t *watchTable) indexOf(path string, h WatchHandler) int {
	for i, e := range t.entries {
		if e.path == path && e.handler == h {
			return i
		}
	}

	return -1
}

func (t *watchTable) contains(path string, h WatchHandler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.indexOf(path, h) >= 0
}

func (t *watchTable) hasPath(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.path == path {
			return true
		}
	}

	return false
}

func (t *watchTable) add(path string, h WatchHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	e := &watchEntry{id: t.nextID, path: path, handler: h}
	t.entries = append(t.entries, e)
	t.byID[e.id] = e
}

func (t *watchTable) remove(path string, h WatchHandler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(path, h)
	if i < 0 {
		return false
	}

	delete(t.byID, t.entries[i].id)
	t.entries = append(t.entries[:i], t.entries[i+1:]...)

	return true
}

// mark flags every entry watching path and returns how many were newly
// queued.
func (t *watchTable) mark(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, e := range t.entries {
		if e.path != path || e.pending {
			continue
		}

		e.pending = true
		t.queue = append(t.queue, e.id)
		n++
	}

	return n
}

// next pops the oldest pending entry that is still registered and clears
// its flag.
func (t *watchTable) next() (string, WatchHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) > 0 {
		id := t.queue[0]
		t.queue = t.queue[1:]

		e, ok := t.byID[id]
		if !ok || !e.pending {
			continue
		}

		e.pending = false

		return e.path, e.handler, true
	}

	return "", nil, false
}

func (t *watchTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// RegisterWatch asks for h to be called whenever path changes. The store
// is only asked to watch path for its first local registration.
func (c *Client) RegisterWatch(path string, h WatchHandler) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watches.contains(path, h) {
		return fmt.Errorf("%s: %w", path, ErrDuplicateWatch)
	}

	if !c.watches.hasPath(path) {
		if _, err := c.talk(NoTx, MsgWatch, Fields(path)); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	c.watches.add(path, h)

	return nil
}

// UnregisterWatch removes the (path, h) registration. The store-side
// watch is dropped with the last registration for path.
func (c *Client) UnregisterWatch(path string, h WatchHandler) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if !c.watches.remove(path, h) {
		return fmt.Errorf("unwatch %s: %w", path, ErrNotFound)
	}

	if c.watches.hasPath(path) {
		return nil
	}

	if _, err := c.talk(NoTx, MsgUnwatch, Fields(path)); err != nil {
		return fmt.Errorf("unwatch %s: %w", path, err)
	}

	return nil
}

func (t *watchTable) paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(t.entries))
	paths := make([]string, 0, len(t.entries))

	for _, e := range t.entries {
		if !seen[e.path] {
			seen[e.path] = true
			paths = append(paths, e.path)
		}
	}

	return paths
}

// Rewatch asks the store again for every locally watched path. It is
// used after Reconnect, when the store on the other side of the new page
// has no record of this client's watches.
func (c *Client) Rewatch() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	for _, p := range c.watches.paths() {
		if _, err := c.talk(NoTx, MsgWatch, Fields(p)); err != nil {
			return fmt.Errorf("rewatch %s: %w", p, err)
		}
	}

	return nil
}

// Watches returns the number of local registrations.
func (c *Client) Watches() int { return c.watches.len() }

// watchLoop is the dispatcher: each wakeup drains every pending watch,
// one callback at a time.
func (c *Client) watchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for c.dispatchOne() {
		}
	}
}

func (c *Client) dispatchOne() bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	path, h, ok := c.watches.next()
	if !ok {
		return false
	}

	watchCallbacks.Inc()
	h.WatchFired(path)

	return true
}
