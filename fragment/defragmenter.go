package fragment

import "fmt"

// ErrFragmentOutOfOrder is returned when a fragment's FragmentID does not
// match the next expected value for its ObjectID. Per spec, this is fatal
// for the owning pool: the assembly slot is left in place but callers should
// treat the pool as broken.
type ErrFragmentOutOfOrder struct {
	ObjectID uint64
	Expected uint64
	Got      uint64
}

func (e *ErrFragmentOutOfOrder) Error() string {
	return fmt.Sprintf("fragment: object %d: expected fragment_id %d, got %d", e.ObjectID, e.Expected, e.Got)
}

type assembly struct {
	nextFragmentID uint64
	buf            []byte
}

// Defragmenter reassembles complete PSRP messages from a stream of Fragments,
// keeping one assembly slot per ObjectID. Bytes that do not yet form a whole
// fragment stay in an internal buffer until the next Feed.
type Defragmenter struct {
	pending []byte
	slots   map[uint64]*assembly
}

// NewDefragmenter returns an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{slots: make(map[uint64]*assembly)}
}

// Feed buffers raw bytes (concatenated rsp:Stream payloads, already
// base64-decoded) and extracts as many complete Fragments as are buffered,
// handing each to the assembler. It returns the PSRP messages completed by
// this call, in the order their End fragment arrived.
func (d *Defragmenter) Feed(data []byte) ([][]byte, error) {
	d.pending = append(d.pending, data...)

	var completed [][]byte
	for len(d.pending) > 0 {
		f, consumed, ok, err := Unmarshal(d.pending)
		if err != nil {
			return completed, err
		}
		if !ok {
			break
		}
		msg, done, err := d.acceptFragment(f)
		if err != nil {
			return completed, err
		}
		if done {
			completed = append(completed, msg)
		}
		d.pending = d.pending[consumed:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return completed, nil
}

func (d *Defragmenter) acceptFragment(f Fragment) (message []byte, done bool, err error) {
	a, ok := d.slots[f.ObjectID]
	if !ok {
		a = &assembly{}
		d.slots[f.ObjectID] = a
	}

	if f.FragmentID != a.nextFragmentID {
		return nil, false, &ErrFragmentOutOfOrder{ObjectID: f.ObjectID, Expected: a.nextFragmentID, Got: f.FragmentID}
	}

	a.buf = append(a.buf, f.Payload...)
	a.nextFragmentID++

	if !f.End {
		return nil, false, nil
	}

	msg := a.buf
	delete(d.slots, f.ObjectID)
	return msg, true, nil
}
