package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("A"), 300000)
	fr := NewFragmenter(32768)

	frags, err := fr.Fragment(1, body)
	require.NoError(t, err)
	require.Len(t, frags, 10)

	assert.True(t, frags[0].Start)
	assert.Equal(t, uint64(0), frags[0].FragmentID)
	assert.False(t, frags[0].End)

	last := frags[len(frags)-1]
	assert.True(t, last.End)
	assert.Equal(t, uint64(9), last.FragmentID)

	def := NewDefragmenter()
	var completed [][]byte
	for _, f := range frags {
		wire := f.Marshal()
		done, err := def.Feed(wire)
		require.NoError(t, err)
		completed = append(completed, done...)
	}
	require.Len(t, completed, 1)
	assert.Equal(t, body, completed[0])
}

func TestFragmentSingleFragmentBothBitsSet(t *testing.T) {
	fr := NewFragmenter(1024)
	frags, err := fr.Fragment(7, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Start)
	assert.True(t, frags[0].End)
	assert.Equal(t, uint64(0), frags[0].FragmentID)
}

func TestFragmentIDResetsPerObject(t *testing.T) {
	fr := NewFragmenter(4)
	a, err := fr.Fragment(1, []byte("abcdefgh"))
	require.NoError(t, err)
	b, err := fr.Fragment(2, []byte("ijklmnop"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a[0].FragmentID)
	assert.Equal(t, uint64(0), b[0].FragmentID)
}

func TestDefragmenterDetectsOutOfOrder(t *testing.T) {
	fr := NewFragmenter(4)
	frags, err := fr.Fragment(1, []byte("abcdefgh"))
	require.NoError(t, err)
	require.Len(t, frags, 2)

	def := NewDefragmenter()
	// feed out of order: second fragment before first
	_, err = def.Feed(frags[1].Marshal())
	require.Error(t, err)
	var oooErr *ErrFragmentOutOfOrder
	assert.ErrorAs(t, err, &oooErr)
	assert.Equal(t, uint64(0), oooErr.Expected)
	assert.Equal(t, uint64(1), oooErr.Got)
}

func TestDefragmenterInterleavedObjects(t *testing.T) {
	fr := NewFragmenter(4)
	a, err := fr.Fragment(1, []byte("aaaaaaaa"))
	require.NoError(t, err)
	b, err := fr.Fragment(2, []byte("bbbbbbbb"))
	require.NoError(t, err)

	def := NewDefragmenter()
	var completed [][]byte
	// interleave: a0, b0, b1, a1
	for _, f := range []Fragment{a[0], b[0], b[1], a[1]} {
		done, err := def.Feed(f.Marshal())
		require.NoError(t, err)
		completed = append(completed, done...)
	}
	require.Len(t, completed, 2)
	assert.Equal(t, []byte("bbbbbbbb"), completed[0])
	assert.Equal(t, []byte("aaaaaaaa"), completed[1])
}

func TestMarshalUnmarshalHeaderLayout(t *testing.T) {
	f := Fragment{ObjectID: 0x0102030405060708, FragmentID: 9, Start: true, End: false, Payload: []byte("xy")}
	wire := f.Marshal()
	require.Equal(t, HeaderSize+2, len(wire))

	got, consumed, ok, err := Unmarshal(wire)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, f, got)
}

func TestDefragmenterBuffersPartialFragments(t *testing.T) {
	f := Fragment{ObjectID: 1, FragmentID: 0, Start: true, End: true, Payload: []byte("payload")}
	wire := f.Marshal()

	d := NewDefragmenter()
	complete, err := d.Feed(wire[:10])
	if err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	if len(complete) != 0 {
		t.Fatal("partial fragment should not complete")
	}
	complete, err = d.Feed(wire[10:])
	if err != nil {
		t.Fatalf("Feed rest: %v", err)
	}
	if len(complete) != 1 || string(complete[0]) != "payload" {
		t.Fatalf("complete = %q", complete)
	}
}
