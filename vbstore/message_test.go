package vbstore_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	m := &vbstore.Message{ID: 7, TxID: 3, Type: vbstore.MsgDirectory, Payload: []byte("abc")}
	hdr := m.MarshalHeader()
	require.Len(t, hdr, vbstore.HeaderSize)

	// little-endian id first
	assert.Equal(t, []byte{7, 0, 0, 0}, hdr[:4])

	var got vbstore.Message
	n := got.UnmarshalHeader(hdr)
	assert.Equal(t, uint32(3), n)
	assert.Equal(t, uint32(7), got.ID)
	assert.Equal(t, vbstore.TxID(3), got.TxID)
	assert.Equal(t, vbstore.MsgDirectory, got.Type)
}

func TestCodecSendReceive(t *testing.T) {
	t.Parallel()

	page, err := ring.NewPage(64, 64)
	require.NoError(t, err)

	a, b := evtchn.NewPair(1, 2)
	defer a.Close()
	defer b.Close()

	out, _ := page.Front()
	in, _ := page.Back()
	tx := vbstore.NewCodec(out, nil, a)
	rx := vbstore.NewCodec(nil, in, b)

	_, err = rx.Receive()
	assert.ErrorIs(t, err, ring.ErrEmpty)

	// enough messages to wrap the ring several times
	for i := 0; i < 20; i++ {
		want := &vbstore.Message{ID: uint32(i), Type: vbstore.MsgRead, Payload: vbstore.Fields(fmt.Sprint("p", i))}
		require.NoError(t, tx.Send(want))

		got, err := rx.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCodecOverflow(t *testing.T) {
	t.Parallel()

	page, err := ring.NewPage(32, 32)
	require.NoError(t, err)

	a, b := evtchn.NewPair(1, 2)
	defer a.Close()
	defer b.Close()

	out, _ := page.Front()
	c := vbstore.NewCodec(out, nil, a)

	require.NoError(t, c.Write(&vbstore.Message{Payload: []byte("0123456789")}))

	err = c.Write(&vbstore.Message{Payload: []byte("0123456789")})
	assert.ErrorIs(t, err, ring.ErrWouldOverflow)
}

func TestFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("a\x00b\x00"), vbstore.Fields("a", "b"))
	assert.Equal(t, []string{"a", "b"}, vbstore.SplitFields([]byte("a\x00b\x00")))
	assert.Equal(t, []string{"a", "b"}, vbstore.SplitFields([]byte("a\x00b")))
	assert.Nil(t, vbstore.SplitFields(nil))

	path, value, ok := vbstore.SplitPathValue([]byte("x/y\x00v\x00w"))
	require.True(t, ok)
	assert.Equal(t, "x/y", path)
	assert.Equal(t, []byte("v\x00w"), value)

	_, _, ok = vbstore.SplitPathValue([]byte("novalue"))
	assert.False(t, ok)
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dir, node, want string
	}{
		{"device/vbd", "1", "device/vbd/1"},
		{"device/vbd/", "1", "device/vbd/1"},
		{"device", "", "device"},
		{"", "state", "state"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, vbstore.JoinPath(tt.dir, tt.node))
	}
}

func TestErrorToken(t *testing.T) {
	t.Parallel()

	assert.Equal(t, vbstore.TokenNotFound, vbstore.ErrorToken(fmt.Errorf("x: %w", vbstore.ErrNotFound)))
	assert.Equal(t, vbstore.TokenInvalid, vbstore.ErrorToken(errors.New("other")))
	assert.Equal(t, "directory_exists", vbstore.MsgDirectoryExists.String())
	assert.Equal(t, "type(200)", vbstore.MsgType(200).String())
}
