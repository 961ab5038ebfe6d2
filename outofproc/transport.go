package outofproc

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// maxPacketLine bounds one packet line. Fragments are capped well below
// this; a larger line means a corrupt stream.
const maxPacketLine = 1 << 20

// Transport frames packets over an underlying byte stream (a Hyper-V
// socket, a process pipe). Writes are serialized; ReceivePacket is called
// from a single reader goroutine.
type Transport struct {
	writeMu sync.Mutex
	rw      io.ReadWriter
	scanner *bufio.Scanner
}

// NewTransportFromReadWriter wraps rw with packet framing.
func NewTransportFromReadWriter(rw io.ReadWriter) *Transport {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 64*1024), maxPacketLine)
	return &Transport{rw: rw, scanner: scanner}
}

// ReceivePacket blocks for the next packet line.
func (t *Transport) ReceivePacket() (*Packet, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return ParsePacket(line)
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *Transport) send(p Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.rw.Write(p.Marshal()); err != nil {
		return fmt.Errorf("outofproc: send %s: %w", p.Type, err)
	}
	return nil
}

// SendData transmits fragment bytes for psGuid (NullGUID = pool scope).
func (t *Transport) SendData(psGuid uuid.UUID, data []byte) error {
	return t.send(Packet{Type: PacketTypeData, PSGuid: psGuid, Data: data})
}

// SendDataAck acknowledges a received Data packet.
func (t *Transport) SendDataAck(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeDataAck, PSGuid: psGuid})
}

// SendCommand announces a new pipeline.
func (t *Transport) SendCommand(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeCommand, PSGuid: psGuid})
}

// SendCommandAck acknowledges a Command packet.
func (t *Transport) SendCommandAck(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeCommandAck, PSGuid: psGuid})
}

// SendClose closes the pool or one pipeline.
func (t *Transport) SendClose(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeClose, PSGuid: psGuid})
}

// SendCloseAck acknowledges a Close packet.
func (t *Transport) SendCloseAck(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeCloseAck, PSGuid: psGuid})
}

// SendSignal delivers the stop signal for a pipeline.
func (t *Transport) SendSignal(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeSignal, PSGuid: psGuid})
}

// SendSignalAck acknowledges a Signal packet.
func (t *Transport) SendSignalAck(psGuid uuid.UUID) error {
	return t.send(Packet{Type: PacketTypeSignalAck, PSGuid: psGuid})
}
