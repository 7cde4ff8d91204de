package vbstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore answers every request with an empty reply of the same type
// and records what it saw.
type fakeStore struct {
	mu    sync.Mutex
	codec *Codec
	seen  []*Message
}

func (f *fakeStore) handle() {
	for {
		m, err := f.codec.Receive()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.seen = append(f.seen, m)
		f.mu.Unlock()

		if err := f.codec.Send(&Message{ID: m.ID, TxID: m.TxID, Type: m.Type}); err != nil {
			panic(err)
		}
	}
}

func (f *fakeStore) count(typ MsgType) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, m := range f.seen {
		if m.Type == typ {
			n++
		}
	}

	return n
}

// event injects a watch event as if the store had fired path.
func (f *fakeStore) event(path string) error {
	return f.codec.Send(&Message{Type: MsgWatchEvent, Payload: Fields(path)})
}

func newFakePair(t *testing.T) (*Client, *fakeStore) {
	t.Helper()

	page, err := ring.NewPage(ring.DefaultSize, ring.DefaultSize)
	require.NoError(t, err)

	front, back := evtchn.NewPair(1, 2)
	in, out := page.Back()
	f := &fakeStore{codec: NewCodec(out, in, back)}
	back.Bind(f.handle)

	c := NewClient(page, front)

	t.Cleanup(func() {
		c.Close()
		front.Close()
		back.Close()
	})

	return c, f
}

func TestWatchSentOncePerPath(t *testing.T) {
	t.Parallel()

	c, f := newFakePair(t)

	h1 := NewWatchFunc(func(string) {})
	h2 := NewWatchFunc(func(string) {})

	require.NoError(t, c.RegisterWatch("device", h1))
	require.NoError(t, c.RegisterWatch("device", h2))
	assert.ErrorIs(t, c.RegisterWatch("device", h1), ErrDuplicateWatch)
	assert.Equal(t, 1, f.count(MsgWatch))
	assert.Equal(t, 2, c.Watches())

	require.NoError(t, c.UnregisterWatch("device", h1))
	assert.Equal(t, 0, f.count(MsgUnwatch))

	require.NoError(t, c.UnregisterWatch("device", h2))
	assert.Equal(t, 1, f.count(MsgUnwatch))
	assert.Equal(t, 0, c.Watches())
}

func TestWatchEventsCoalesce(t *testing.T) {
	t.Parallel()

	c, f := newFakePair(t)

	release := make(chan struct{})
	calls := make(chan string, 16)

	blocker := NewWatchFunc(func(p string) {
		calls <- p
		<-release
	})
	require.NoError(t, c.RegisterWatch("a", blocker))

	other := NewWatchFunc(func(p string) { calls <- p })
	require.NoError(t, c.RegisterWatch("b", other))

	require.NoError(t, f.event("a"))
	assert.Equal(t, "a", <-calls)

	// While "a" runs, "b" fires three times: it must run exactly once.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.event("b"))
	}

	// the reply is queued behind the events, so they have all been seen
	_, err := c.Read(NoTx, "x", "")
	require.NoError(t, err)

	c.watches.mu.Lock()
	assert.Len(t, c.watches.queue, 1)
	c.watches.mu.Unlock()

	close(release)
	assert.Equal(t, "b", <-calls)

	select {
	case p := <-calls:
		t.Fatalf("extra callback for %s", p)
	case <-time.After(100 * time.Millisecond):
	}
}

// A callback that registers a new watch and unregisters itself while a
// sibling is pending leaves every watch firing exactly once.
func TestCallbackChangesWatchesWhileSiblingPending(t *testing.T) {
	t.Parallel()

	c, f := newFakePair(t)

	var na, nb, nc atomic.Int32

	hc := NewWatchFunc(func(string) { nc.Add(1) })
	hb := NewWatchFunc(func(string) { nb.Add(1) })

	var ha *WatchFunc

	ha = NewWatchFunc(func(string) {
		na.Add(1)
		assert.NoError(t, c.RegisterWatch("c", hc))
		assert.NoError(t, c.UnregisterWatch("a", ha))
	})

	require.NoError(t, c.RegisterWatch("a", ha))
	require.NoError(t, c.RegisterWatch("b", hb))

	// both are pending before any callback runs
	c.dispatchMu.Lock()
	c.dispatch(&Message{Type: MsgWatchEvent, Payload: Fields("a")})
	c.dispatch(&Message{Type: MsgWatchEvent, Payload: Fields("b")})
	c.watches.mu.Lock()
	assert.Len(t, c.watches.queue, 2)
	c.watches.mu.Unlock()
	c.dispatchMu.Unlock()

	require.Eventually(t, func() bool { return na.Load() == 1 && nb.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.count(MsgUnwatch) == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, f.event("c"))
	require.Eventually(t, func() bool { return nc.Load() == 1 }, 5*time.Second, time.Millisecond)

	// "a" is gone, "b" is not pending any more
	require.NoError(t, f.event("a"))

	_, err := c.Read(NoTx, "x", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), na.Load())
	assert.Equal(t, int32(1), nb.Load())
	assert.Equal(t, int32(1), nc.Load())
}

func TestUnregisteredWatchDoesNotFire(t *testing.T) {
	t.Parallel()

	c, _ := newFakePair(t)

	fired := false
	h := NewWatchFunc(func(string) { fired = true })
	require.NoError(t, c.RegisterWatch("a", h))

	c.dispatchMu.Lock()
	c.dispatch(&Message{Type: MsgWatchEvent, Payload: Fields("a")})
	c.watches.remove("a", h)
	c.dispatchMu.Unlock()

	for c.dispatchOne() {
	}

	assert.False(t, fired)
}

func TestUnmatchedReplyPanics(t *testing.T) {
	t.Parallel()

	c, _ := newFakePair(t)

	assert.Panics(t, func() {
		c.dispatch(&Message{ID: 42, Type: MsgRead})
	})
}

func TestTransactionBlocksSuspend(t *testing.T) {
	t.Parallel()

	c, _ := newFakePair(t)

	tx := c.TransactionStart()
	assert.Equal(t, 1, c.OpenTransactions())

	suspended := make(chan struct{})

	go func() {
		c.Suspend()
		close(suspended)
	}()

	select {
	case <-suspended:
		t.Fatal("suspend did not wait for the open transaction")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.TransactionEnd(tx))
	<-suspended

	started := make(chan TxID)

	go func() { started <- c.TransactionStart() }()

	select {
	case <-started:
		t.Fatal("transaction started while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()

	tx = <-started
	require.NoError(t, c.TransactionAbort(tx))
}

func TestPendingSuspendHoldsBackTransactions(t *testing.T) {
	t.Parallel()

	c, _ := newFakePair(t)

	tx1 := c.TransactionStart()

	suspended := make(chan struct{})

	go func() {
		c.Suspend()
		close(suspended)
	}()

	// let Suspend start waiting on tx1
	time.Sleep(50 * time.Millisecond)

	started := make(chan TxID, 1)

	go func() { started <- c.TransactionStart() }()

	select {
	case <-started:
		t.Fatal("transaction admitted while a suspend was pending")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, c.OpenTransactions())

	require.NoError(t, c.TransactionEnd(tx1))
	<-suspended

	assert.Equal(t, 0, c.OpenTransactions())

	c.Resume()

	tx2 := <-started
	assert.NotEqual(t, tx1, tx2)
	require.NoError(t, c.TransactionEnd(tx2))
}

func TestTransactionIDsSkipNoTx(t *testing.T) {
	t.Parallel()

	c, _ := newFakePair(t)
	c.nextTx = ^TxID(0)

	tx := c.TransactionStart()
	assert.NotEqual(t, NoTx, tx)
	require.NoError(t, c.TransactionEnd(tx))
}

func TestCloseFailsPendingRequest(t *testing.T) {
	t.Parallel()

	page, err := ring.NewPage(ring.DefaultSize, ring.DefaultSize)
	require.NoError(t, err)

	front, back := evtchn.NewPair(1, 2)
	defer front.Close()
	defer back.Close()

	// nobody answers on back
	c := NewClient(page, front)

	errc := make(chan error, 1)

	go func() {
		_, err := c.Read(NoTx, "a", "")
		errc <- err
	}()

	require.Eventually(t, func() bool { return page.Req.Used() > 0 }, 5*time.Second, time.Millisecond)
	c.Close()

	assert.ErrorIs(t, <-errc, ErrClosed)

	_, err = c.Read(NoTx, "a", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestTooLarge(t *testing.T) {
	t.Parallel()

	page, err := ring.NewPage(32, 32)
	require.NoError(t, err)

	front, back := evtchn.NewPair(1, 2)
	defer front.Close()
	defer back.Close()

	c := NewClient(page, front)
	defer c.Close()

	err = c.Write(NoTx, "device", "big", make([]byte, 64))
	assert.ErrorIs(t, err, ErrResourceExhausted)
}
