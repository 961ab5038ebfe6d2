package psrpvalue

// ContentKind identifies the shape of a ComplexObject's content, beyond its
// property bags.
type ContentKind int

const (
	// ContentStandard objects carry only their property bags (the common case).
	ContentStandard ContentKind = iota
	// ContentList wraps an ordered list of values (CLIXML <LST>).
	ContentList
	// ContentStack wraps a LIFO collection (CLIXML <STK>).
	ContentStack
	// ContentQueue wraps a FIFO collection (CLIXML <QUE>).
	ContentQueue
	// ContentDict wraps key/value pairs (CLIXML <DCT>).
	ContentDict
	// ContentEnum wraps a System.Enum-backed int32 value.
	ContentEnum
	// ContentRef is a back-reference to a previously emitted object (CLIXML <Ref>).
	ContentRef
)

// DictEntry is one key/value pair of a ContentDict's backing collection.
type DictEntry struct {
	Key   Value
	Value Value
}

// ComplexObject is the PSRP "complex" value shape: an optional type-name
// chain, an optional ToString rendering, a content variant, and two ordered
// property bags (adapted and extended), per MS-PSRP §2.2.5.2.
type ComplexObject struct {
	// TypeNames is the type-name chain, most-derived first, e.g.
	// ["System.Management.Automation.RemoteStreamOptions", "System.Enum", ...].
	// Nil/empty when the object carries no type information.
	TypeNames []string

	// ToString is the rendered string form, if the server/client supplied one.
	ToString    string
	HasToString bool

	Content ContentKind

	// List/Stack/Queue backing storage (only one is populated, matching Content).
	Items []Value

	// Dict backing storage (only populated when Content == ContentDict).
	Dict []DictEntry

	// Enum backing storage (only populated when Content == ContentEnum).
	EnumValue int32

	// Ref backing storage (only populated when Content == ContentRef).
	RefID string

	Adapted  *PropertyBag
	Extended *PropertyBag
}

// NewComplexObject returns an empty standard-content ComplexObject with
// initialized property bags.
func NewComplexObject() *ComplexObject {
	return &ComplexObject{
		Content:  ContentStandard,
		Adapted:  NewPropertyBag(),
		Extended: NewPropertyBag(),
	}
}

// PsProperty is one ordered key/value pair inside a property bag.
type PsProperty struct {
	Name  string
	Value Value
}

// PropertyBag is an insertion-ordered name->value mapping, matching the
// MS-PSRP requirement that adapted/extended property order is preserved
// byte-for-byte on round-trip.
type PropertyBag struct {
	order []string
	index map[string]int
	items []PsProperty
}

// NewPropertyBag returns an empty, ready-to-use PropertyBag.
func NewPropertyBag() *PropertyBag {
	return &PropertyBag{index: make(map[string]int)}
}

// Set inserts or overwrites name with value, preserving first-insertion order.
// Matches spec §4.2's tie-break: when a later Set collides with an existing
// key, the later value wins (encoding uses the bag's last write).
func (b *PropertyBag) Set(name string, v Value) {
	if i, ok := b.index[name]; ok {
		b.items[i].Value = v
		return
	}
	b.index[name] = len(b.items)
	b.items = append(b.items, PsProperty{Name: name, Value: v})
	b.order = append(b.order, name)
}

// Get returns the value for name and whether it was present.
func (b *PropertyBag) Get(name string) (PsProperty, bool) {
	if b == nil {
		return PsProperty{}, false
	}
	i, ok := b.index[name]
	if !ok {
		return PsProperty{}, false
	}
	return b.items[i], true
}

// Ordered returns the properties in insertion order.
func (b *PropertyBag) Ordered() []PsProperty {
	if b == nil {
		return nil
	}
	return b.items
}

// Len returns the number of properties in the bag.
func (b *PropertyBag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}
