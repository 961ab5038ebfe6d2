package psrpvalue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	data, err := Encode(v)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	return got
}

func TestPrimitiveRoundTrip(t *testing.T) {
	cases := map[string]Value{
		"nil":    Nil(),
		"string": String("hello \"world\" <tag>"),
		"bool":   Bool(true),
		"int32":  Int32(-42),
		"uint32": UInt32(42),
		"int64":  Int64(-1 << 40),
		"double": Double(3.14159),
		"bytes":  Bytes([]byte{0, 1, 2, 255}),
		"guid":   GUID(uuid.New()),
		"char":   Char('x'),
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			got := roundTrip(t, v)
			assert.Equal(t, v, got)
		})
	}
}

func TestDateTimeRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	got := roundTrip(t, DateTime(want))
	require.Equal(t, KindDateTime, got.Kind)
	assert.True(t, want.Equal(got.DateTime))
}

func TestDurationRoundTrip(t *testing.T) {
	cases := []time.Duration{
		0,
		5 * time.Second,
		90 * time.Minute,
		25*time.Hour + 3*time.Minute + 4*time.Second + 500*time.Millisecond,
		-30 * time.Second,
	}
	for _, d := range cases {
		got := roundTrip(t, Duration(d))
		require.Equal(t, KindDuration, got.Kind)
		assert.InDelta(t, d.Seconds(), got.Duration.Seconds(), 0.001)
	}
}

func TestComplexObjectRoundTrip(t *testing.T) {
	c := NewComplexObject()
	c.TypeNames = []string{
		"System.Management.Automation.RemoteStreamOptions",
		"System.Enum",
		"System.ValueType",
		"System.Object",
	}
	c.ToString = "IncludeInvocationInfo"
	c.HasToString = true
	c.Adapted.Set("Value", Int32(1))
	c.Extended.Set("Name", String("stream-opts"))
	c.Extended.Set("Count", Int32(7))

	v := Complex(c)
	got := roundTrip(t, v)

	gotComplex, err := got.AsComplex()
	require.NoError(t, err)
	assert.Equal(t, c.TypeNames, gotComplex.TypeNames)
	assert.Equal(t, c.ToString, gotComplex.ToString)
	assert.True(t, gotComplex.HasToString)

	val, ok := got.Property("Value")
	require.True(t, ok)
	assert.Equal(t, int32(1), val.I32)

	name, ok := got.Property("Name")
	require.True(t, ok)
	s, err := name.AsString()
	require.NoError(t, err)
	assert.Equal(t, "stream-opts", s)

	// extended property order preserved
	require.Equal(t, 2, gotComplex.Extended.Len())
	ordered := gotComplex.Extended.Ordered()
	assert.Equal(t, "Name", ordered[0].Name)
	assert.Equal(t, "Count", ordered[1].Name)
}

func TestPropertyBagOverwritePreservesPosition(t *testing.T) {
	b := NewPropertyBag()
	b.Set("A", Int32(1))
	b.Set("B", Int32(2))
	b.Set("A", Int32(99))

	ordered := b.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "A", ordered[0].Name)
	assert.Equal(t, int32(99), ordered[0].Value.I32)
	assert.Equal(t, "B", ordered[1].Name)
}

func TestListRoundTrip(t *testing.T) {
	c := NewComplexObject()
	c.Content = ContentList
	c.Items = []Value{String("a"), String("b"), Int32(3)}

	got := roundTrip(t, Complex(c))
	gotComplex, err := got.AsComplex()
	require.NoError(t, err)
	require.Len(t, gotComplex.Items, 3)
	s0, _ := gotComplex.Items[0].AsString()
	assert.Equal(t, "a", s0)
	assert.Equal(t, int32(3), gotComplex.Items[2].I32)
}

func TestDictRoundTrip(t *testing.T) {
	c := NewComplexObject()
	c.Content = ContentDict
	c.Dict = []DictEntry{
		{Key: String("k1"), Value: Int32(1)},
		{Key: String("k2"), Value: Int32(2)},
	}

	got := roundTrip(t, Complex(c))
	gotComplex, err := got.AsComplex()
	require.NoError(t, err)
	require.Len(t, gotComplex.Dict, 2)
	k0, _ := gotComplex.Dict[0].Key.AsString()
	assert.Equal(t, "k1", k0)
	assert.Equal(t, int32(2), gotComplex.Dict[1].Value.I32)
}

func TestTypeNameChainDeduped(t *testing.T) {
	inner := NewComplexObject()
	inner.TypeNames = []string{"System.String", "System.Object"}
	inner.Extended.Set("X", Int32(1))

	outer := NewComplexObject()
	outer.Content = ContentList
	outer.Items = []Value{Complex(inner), Complex(inner)}

	data, err := Encode(Complex(outer))
	require.NoError(t, err)

	// Only one <TN> chain definition, the second use should be a <TNRef>.
	assert.Equal(t, 1, countOccurrences(string(data), "<TN "))
	assert.Equal(t, 1, countOccurrences(string(data), "<TNRef "))

	got, err := Decode(data)
	require.NoError(t, err)
	gotOuter, err := got.AsComplex()
	require.NoError(t, err)
	require.Len(t, gotOuter.Items, 2)
	for _, item := range gotOuter.Items {
		gotInner, err := item.AsComplex()
		require.NoError(t, err)
		assert.Equal(t, inner.TypeNames, gotInner.TypeNames)
	}
}

func TestRefDecodesBackReference(t *testing.T) {
	got := roundTrip(t, Complex(&ComplexObject{Content: ContentRef, RefID: "3"}))
	gotComplex, err := got.AsComplex()
	require.NoError(t, err)
	assert.Equal(t, ContentRef, gotComplex.Content)
	assert.Equal(t, "3", gotComplex.RefID)
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
