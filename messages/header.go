// Package messages implements the PSRP message codec (MS-PSRP §2.2.1-2.2.2):
// the 43-byte message header plus the 21 typed message bodies carried as a
// polymorphic PsValue tree.
package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the fixed PSRP message header length: destination(4) +
// message_type(4) + rpid(16) + pid(16). The UTF-8 BOM (3 bytes) follows only
// when a body is present.
const HeaderSize = 4 + 4 + 16 + 16

var bom = []byte{0xEF, 0xBB, 0xBF}

// Destination identifies which side a PsrpMessage is addressed to.
type Destination uint32

const (
	DestinationClient Destination = 1
	DestinationServer Destination = 2
)

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "Client"
	case DestinationServer:
		return "Server"
	default:
		return fmt.Sprintf("Destination(%d)", uint32(d))
	}
}

// PipelineScoped reports whether a message of the given type carries a
// pipeline id (spec invariant on PsrpMessage.pipeline_id).
func (t MessageType) PipelineScoped() bool {
	switch t {
	case CreatePipeline, PipelineInput, EndOfPipelineInput, PipelineOutput,
		PipelineState, PipelineHostCall, PipelineHostResponse,
		GetCommandMetadata, ErrorRecord, DebugRecord, VerboseRecord,
		WarningRecord, ProgressRecord, InformationRecord:
		return true
	default:
		return false
	}
}

// encodeHeader renders the 40-byte fixed header in little-endian form, plus
// the 3-byte BOM (43 bytes in all) when body is non-empty, per MS-PSRP §2.2.1.
func encodeHeader(dest Destination, msgType MessageType, rpid uuid.UUID, pid *uuid.UUID, hasBody bool) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(bom))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dest))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(msgType))
	copy(buf[8:24], rpid[:])
	if pid != nil {
		copy(buf[24:40], (*pid)[:])
	}
	if hasBody {
		buf = append(buf, bom...)
	}
	return buf
}

type decodedHeader struct {
	Destination Destination
	MessageType MessageType
	RunspacePoolID uuid.UUID
	PipelineID     *uuid.UUID
	BodyOffset     int
}

func decodeHeader(data []byte) (decodedHeader, error) {
	if len(data) < HeaderSize {
		return decodedHeader{}, fmt.Errorf("messages: decode header: need %d bytes, got %d", HeaderSize, len(data))
	}
	dest := Destination(binary.LittleEndian.Uint32(data[0:4]))
	msgType := MessageType(binary.LittleEndian.Uint32(data[4:8]))

	rpid, err := uuid.FromBytes(data[8:24])
	if err != nil {
		return decodedHeader{}, fmt.Errorf("messages: decode header: bad rpid: %w", err)
	}

	var pidPtr *uuid.UUID
	pidBytes := data[24:40]
	pid, err := uuid.FromBytes(pidBytes)
	if err != nil {
		return decodedHeader{}, fmt.Errorf("messages: decode header: bad pid: %w", err)
	}
	if pid != uuid.Nil {
		pidPtr = &pid
	}

	offset := HeaderSize
	if len(data) >= offset+len(bom) && bytesEqual(data[offset:offset+len(bom)], bom) {
		offset += len(bom)
	}

	return decodedHeader{
		Destination:    dest,
		MessageType:    msgType,
		RunspacePoolID: rpid,
		PipelineID:     pidPtr,
		BodyOffset:     offset,
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
