// Package outofproc implements the PSRP out-of-process transport framing
// (MS-PSRP §2.2.6): newline-delimited XML packets carrying base64 fragment
// data plus the Command/Close/Signal control handshake. It is the framing
// PowerShell Direct (Hyper-V sockets) and other socket-style hosts use in
// place of WS-Management envelopes.
package outofproc

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

// PacketType enumerates the out-of-process packet elements.
type PacketType int

const (
	PacketTypeData PacketType = iota
	PacketTypeDataAck
	PacketTypeCommand
	PacketTypeCommandAck
	PacketTypeClose
	PacketTypeCloseAck
	PacketTypeSignal
	PacketTypeSignalAck
)

var packetNames = map[PacketType]string{
	PacketTypeData:       "Data",
	PacketTypeDataAck:    "DataAck",
	PacketTypeCommand:    "Command",
	PacketTypeCommandAck: "CommandAck",
	PacketTypeClose:      "Close",
	PacketTypeCloseAck:   "CloseAck",
	PacketTypeSignal:     "Signal",
	PacketTypeSignalAck:  "SignalAck",
}

var packetTypesByName = func() map[string]PacketType {
	m := make(map[string]PacketType, len(packetNames))
	for t, n := range packetNames {
		m[n] = t
	}
	return m
}()

func (t PacketType) String() string {
	if n, ok := packetNames[t]; ok {
		return n
	}
	return fmt.Sprintf("PacketType(%d)", int(t))
}

// NullGUID addresses the runspace pool itself; pipeline packets carry the
// pipeline's GUID instead.
var NullGUID = uuid.Nil

// Packet is one parsed out-of-process element.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID

	// Stream is the Data element's Stream attribute ("Default" or
	// "PromptResponse").
	Stream string

	// Data is the base64-decoded fragment payload of a Data packet.
	Data []byte
}

// Marshal renders the packet as its single-line XML form, newline
// terminated.
func (p Packet) Marshal() []byte {
	name := p.Type.String()
	guid := p.PSGuid.String()
	if p.Type == PacketTypeData {
		stream := p.Stream
		if stream == "" {
			stream = "Default"
		}
		encoded := base64.StdEncoding.EncodeToString(p.Data)
		return []byte(fmt.Sprintf("<%s Stream='%s' PSGuid='%s'>%s</%s>\n", name, stream, guid, encoded, name))
	}
	return []byte(fmt.Sprintf("<%s PSGuid='%s' />\n", name, guid))
}

// ParsePacket parses one newline-delimited packet line.
func ParsePacket(line []byte) (*Packet, error) {
	var raw struct {
		XMLName xml.Name
		Stream  string `xml:"Stream,attr"`
		PSGuid  string `xml:"PSGuid,attr"`
		Body    string `xml:",chardata"`
	}
	if err := xml.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("outofproc: parse packet: %w", err)
	}

	ptype, ok := packetTypesByName[raw.XMLName.Local]
	if !ok {
		return nil, fmt.Errorf("outofproc: unknown packet element %q", raw.XMLName.Local)
	}
	guid, err := uuid.Parse(raw.PSGuid)
	if err != nil {
		return nil, fmt.Errorf("outofproc: bad PSGuid %q: %w", raw.PSGuid, err)
	}

	p := &Packet{Type: ptype, PSGuid: guid, Stream: raw.Stream}
	if ptype == PacketTypeData && raw.Body != "" {
		data, err := base64.StdEncoding.DecodeString(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("outofproc: decode data payload: %w", err)
		}
		p.Data = data
	}
	return p, nil
}
