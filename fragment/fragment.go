// Package fragment implements PSRP message fragmentation and defragmentation
// (MS-PSRP §2.2.4): framing oversized PSRP messages into size-bounded chunks
// for transport inside WS-Management Send/Receive streams, and reassembling
// them on the receiving side.
package fragment

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the bit-exact on-wire fragment header length in bytes:
// object_id(8) | fragment_id(8) | flags(1) | blob_len(4).
const HeaderSize = 21

const (
	flagEnd   byte = 1 << 0
	flagStart byte = 1 << 1
)

// Fragment is one framed chunk of a larger PSRP message.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Payload    []byte
}

// Marshal renders f in the bit-exact 21-byte-header wire format.
func (f Fragment) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)
	var flags byte
	if f.End {
		flags |= flagEnd
	}
	if f.Start {
		flags |= flagStart
	}
	buf[16] = flags
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Unmarshal parses one fragment from the head of buf, returning the fragment
// and the number of bytes consumed. It returns ok=false if buf does not yet
// contain a complete fragment (caller should buffer more bytes and retry).
func Unmarshal(buf []byte) (f Fragment, consumed int, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Fragment{}, 0, false, nil
	}
	objectID := binary.BigEndian.Uint64(buf[0:8])
	fragmentID := binary.BigEndian.Uint64(buf[8:16])
	flags := buf[16]
	blobLen := binary.BigEndian.Uint32(buf[17:21])

	total := HeaderSize + int(blobLen)
	if len(buf) < total {
		return Fragment{}, 0, false, nil
	}

	payload := make([]byte, blobLen)
	copy(payload, buf[HeaderSize:total])

	return Fragment{
		ObjectID:   objectID,
		FragmentID: fragmentID,
		Start:      flags&flagStart != 0,
		End:        flags&flagEnd != 0,
		Payload:    payload,
	}, total, true, nil
}

// Fragmenter frames whole PSRP messages into a sequence of Fragments bounded
// by MaxPayloadSize. fragment_id resets to 0 for every new object_id.
type Fragmenter struct {
	// MaxPayloadSize bounds each fragment's payload length. A safe default is
	// MaxEnvelopeSize*3/4 - HeaderSize, leaving room for SOAP/base64 overhead.
	MaxPayloadSize int
}

// NewFragmenter returns a Fragmenter bounded by maxPayloadSize.
func NewFragmenter(maxPayloadSize int) *Fragmenter {
	return &Fragmenter{MaxPayloadSize: maxPayloadSize}
}

// Fragment splits a fully serialized PSRP message into an ordered sequence of
// Fragments for the given objectID. Single-fragment messages carry both
// start and end set.
func (fr *Fragmenter) Fragment(objectID uint64, message []byte) ([]Fragment, error) {
	if fr.MaxPayloadSize <= 0 {
		return nil, fmt.Errorf("fragment: MaxPayloadSize must be positive, got %d", fr.MaxPayloadSize)
	}

	if len(message) == 0 {
		return []Fragment{{ObjectID: objectID, FragmentID: 0, Start: true, End: true, Payload: nil}}, nil
	}

	var out []Fragment
	var fragmentID uint64
	for offset := 0; offset < len(message); {
		end := offset + fr.MaxPayloadSize
		if end > len(message) {
			end = len(message)
		}
		out = append(out, Fragment{
			ObjectID:   objectID,
			FragmentID: fragmentID,
			Start:      fragmentID == 0,
			End:        end == len(message),
			Payload:    message[offset:end],
		})
		fragmentID++
		offset = end
	}
	return out, nil
}
