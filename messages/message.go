package messages

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// Message is the decoded envelope of one PSRP message: the fixed 43-byte
// header plus its undecoded UTF-8 CLIXML body (MS-PSRP §2.2.1). Callers that
// need typed field access call Value to get the body's PsValue tree and then
// decode it into one of the typed Body implementations in bodies.go.
type Message struct {
	Destination    Destination
	Type           MessageType
	RunspacePoolID uuid.UUID
	PipelineID     uuid.UUID // uuid.Nil when the message is not pipeline-scoped
	Data           []byte
}

// Decode parses the fixed header and slices off the remaining body bytes.
// It does not attempt to parse Data as XML; use Value for that.
func Decode(raw []byte) (*Message, error) {
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	m := &Message{
		Destination:    h.Destination,
		Type:           h.MessageType,
		RunspacePoolID: h.RunspacePoolID,
		Data:           raw[h.BodyOffset:],
	}
	if h.PipelineID != nil {
		m.PipelineID = *h.PipelineID
	}
	return m, nil
}

// Encode renders m back to its wire form (header + body bytes).
func Encode(m *Message) ([]byte, error) {
	var pid *uuid.UUID
	if m.PipelineID != uuid.Nil {
		id := m.PipelineID
		pid = &id
	}
	hdr := encodeHeader(m.Destination, m.Type, m.RunspacePoolID, pid, len(m.Data) > 0)
	out := make([]byte, len(hdr)+len(m.Data))
	copy(out, hdr)
	copy(out[len(hdr):], m.Data)
	return out, nil
}

// Value decodes m.Data as a CLIXML-encoded PsValue tree.
func (m *Message) Value() (psrpvalue.Value, error) {
	if len(m.Data) == 0 {
		return psrpvalue.Nil(), nil
	}
	return psrpvalue.Decode(m.Data)
}

// NewMessage builds a Message from a typed Body, encoding it to CLIXML.
func NewMessage(dest Destination, rpid uuid.UUID, pipelineID uuid.UUID, body Body) (*Message, error) {
	data, err := psrpvalue.Encode(body.ToValue())
	if err != nil {
		return nil, err
	}
	return &Message{
		Destination:    dest,
		Type:           body.Type(),
		RunspacePoolID: rpid,
		PipelineID:     pipelineID,
		Data:           data,
	}, nil
}

// DecodeBody parses m.Data into body, a pointer to one of the typed Body
// implementations matching m.Type.
func DecodeBody(m *Message, body Body) error {
	v, err := m.Value()
	if err != nil {
		return err
	}
	return body.FromValue(v)
}
