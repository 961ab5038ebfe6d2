package runspace

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// bufTransport collects writes and serves nothing on read.
type bufTransport struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *bufTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func (t *bufTransport) Read(p []byte) (int, error) { return 0, nil }

func (t *bufTransport) messages(tb testing.TB) []*messages.Message {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	d := fragment.NewDefragmenter()
	complete, err := d.Feed(t.buf.Bytes())
	require.NoError(tb, err)
	out := make([]*messages.Message, 0, len(complete))
	for _, raw := range complete {
		msg, err := messages.Decode(raw)
		require.NoError(tb, err)
		out = append(out, msg)
	}
	return out
}

func inbound(t *testing.T, p *Pool, pipelineID uuid.UUID, body messages.Body) {
	t.Helper()
	msg, err := messages.NewMessage(messages.DestinationClient, p.RunspacePoolID(), pipelineID, body)
	require.NoError(t, err)
	require.NoError(t, p.HandleInboundMessage(msg))
}

func openedPool(t *testing.T) (*Pool, *bufTransport) {
	t.Helper()
	tr := &bufTransport{}
	p := New(tr, uuid.New())
	_, err := p.GetHandshakeFragments()
	require.NoError(t, err)
	inbound(t, p, uuid.Nil, &messages.SessionCapabilityBody{ProtocolVersion: "2.3", PSVersion: "2.0", SerializationVersion: "1.1.0.1"})
	inbound(t, p, uuid.Nil, &messages.RunspacePoolStateBody{State: messages.RunspaceOpened})
	require.Equal(t, StateOpened, p.State())
	return p, tr
}

func TestHandshakeFragmentsCarryCapabilityAndInit(t *testing.T) {
	tr := &bufTransport{}
	p := New(tr, uuid.New())

	frags, err := p.GetHandshakeFragments()
	require.NoError(t, err)

	d := fragment.NewDefragmenter()
	complete, err := d.Feed(frags)
	require.NoError(t, err)
	require.Len(t, complete, 2)

	first, err := messages.Decode(complete[0])
	require.NoError(t, err)
	assert.Equal(t, messages.SessionCapability, first.Type)

	second, err := messages.Decode(complete[1])
	require.NoError(t, err)
	assert.Equal(t, messages.InitRunspacePool, second.Type)
	assert.Equal(t, messages.DestinationServer, second.Destination)
}

func TestNegotiationRejectsOldProtocol(t *testing.T) {
	tr := &bufTransport{}
	p := New(tr, uuid.New())
	_, err := p.GetHandshakeFragments()
	require.NoError(t, err)

	msg, err := messages.NewMessage(messages.DestinationClient, p.RunspacePoolID(), uuid.Nil,
		&messages.SessionCapabilityBody{ProtocolVersion: "2.1", PSVersion: "2.0", SerializationVersion: "1.1.0.1"})
	require.NoError(t, err)

	err = p.HandleInboundMessage(msg)
	require.Error(t, err)
	assert.IsType(t, &InvalidMessageError{}, err)
	assert.Equal(t, StateBroken, p.State())
}

func TestPoolStateRegressionIsInvalid(t *testing.T) {
	p, _ := openedPool(t)

	// Opened -> Opened is idempotent.
	inbound(t, p, uuid.Nil, &messages.RunspacePoolStateBody{State: messages.RunspaceOpened})
	assert.Equal(t, StateOpened, p.State())

	// Closed after Opened is a legal edge.
	inbound(t, p, uuid.Nil, &messages.RunspacePoolStateBody{State: messages.RunspaceClosed})
	assert.Equal(t, StateClosed, p.State())

	// Opened after Closed is a regression and is rejected.
	msg, err := messages.NewMessage(messages.DestinationClient, p.RunspacePoolID(), uuid.Nil,
		&messages.RunspacePoolStateBody{State: messages.RunspaceOpened})
	require.NoError(t, err)
	assert.IsType(t, &InvalidStateError{}, p.HandleInboundMessage(msg))
	assert.Equal(t, StateClosed, p.State())
}

func TestPoolBrokenFailsPipelines(t *testing.T) {
	p, _ := openedPool(t)
	pl, err := p.CreatePipeline("Get-Date")
	require.NoError(t, err)

	inbound(t, p, uuid.Nil, &messages.RunspacePoolStateBody{State: messages.RunspaceBroken})
	assert.Equal(t, StateBroken, p.State())

	<-pl.Done()
	assert.Error(t, pl.Wait())

	_, err = p.CreatePipeline("Get-Date")
	assert.ErrorIs(t, err, ErrBroken)
}

func TestPipelineOutputRouting(t *testing.T) {
	p, _ := openedPool(t)
	pl, err := p.CreatePipeline("Get-Date")
	require.NoError(t, err)

	inbound(t, p, pl.ID(), &messages.PipelineOutputBody{Data: psrpvalue.String("hello")})
	inbound(t, p, pl.ID(), &messages.PipelineStateBody{State: messages.PipelineCompleted})

	var outputs []string
	for msg := range pl.Output() {
		v, err := msg.Value()
		require.NoError(t, err)
		s, err := v.AsString()
		require.NoError(t, err)
		outputs = append(outputs, s)
	}
	assert.Equal(t, []string{"hello"}, outputs)
	assert.Equal(t, messages.PipelineCompleted, pl.State())
	require.NoError(t, pl.Wait())
}

func TestFragmentOutOfOrderBreaksPool(t *testing.T) {
	p, _ := openedPool(t)

	// Hand-build a fragment stream whose second fragment skips an id.
	f0 := fragment.Fragment{ObjectID: 9, FragmentID: 0, Start: true, Payload: []byte("aaa")}
	f2 := fragment.Fragment{ObjectID: 9, FragmentID: 2, End: true, Payload: []byte("bbb")}
	data := append(f0.Marshal(), f2.Marshal()...)

	err := p.HandleInboundData(data)
	require.Error(t, err)
	assert.Equal(t, StateBroken, p.State())
}

func TestKeyExchangeRoundTrip(t *testing.T) {
	p, tr := openedPool(t)

	// Server demands a key.
	inbound(t, p, uuid.Nil, &messages.PublicKeyRequestBody{})
	require.Equal(t, KeyRequested, p.KeyState())

	// The pool must have sent a PublicKey message with a CAPI blob.
	var pubMsg *messages.Message
	for _, m := range tr.messages(t) {
		if m.Type == messages.PublicKey {
			pubMsg = m
		}
	}
	require.NotNil(t, pubMsg, "no PublicKey message sent")

	var pubBody messages.PublicKeyBody
	require.NoError(t, messages.DecodeBody(pubMsg, &pubBody))
	pub := parseCAPIBlob(t, pubBody.PublicKeyBase64)

	// Encrypt a session key the way the server would: SIMPLEBLOB header
	// plus 32 key bytes, RSAES-PKCS1-v1_5.
	sessionKey := bytes.Repeat([]byte{0x42}, 32)
	blob := append(make([]byte, 12), sessionKey...)
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, blob)
	require.NoError(t, err)

	inbound(t, p, uuid.Nil, &messages.EncryptedSessionKeyBody{
		EncryptedSessionKeyBase64: base64.StdEncoding.EncodeToString(encrypted),
	})
	require.Equal(t, KeyEstablished, p.KeyState())

	// Secure strings round-trip under the established key.
	enc, err := p.EncryptSecureString("s3cret")
	require.NoError(t, err)
	dec, err := p.DecryptSecureString(enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", dec)
}

// parseCAPIBlob reverses capiPublicKeyBlob: header(8) | "RSA1" | bitlen(4) |
// exponent(4) | modulus LE.
func parseCAPIBlob(t *testing.T, encoded string) *rsa.PublicKey {
	t.Helper()
	blob, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.True(t, len(blob) > 20)
	require.Equal(t, "RSA1", string(blob[8:12]))

	bitlen := binary.LittleEndian.Uint32(blob[12:16])
	exponent := binary.LittleEndian.Uint32(blob[16:20])
	modulus := make([]byte, bitlen/8)
	copy(modulus, blob[20:])
	for i, j := 0, len(modulus)-1; i < j; i, j = i+1, j-1 {
		modulus[i], modulus[j] = modulus[j], modulus[i]
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent)}
}

func TestDispatchAfterCloseFails(t *testing.T) {
	p, _ := openedPool(t)
	require.NoError(t, p.Close(context.Background()))

	msg, err := messages.NewMessage(messages.DestinationServer, p.RunspacePoolID(), uuid.Nil,
		&messages.GetCommandMetadataBody{Names: []string{"Get-Date"}})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Dispatch(context.Background(), msg), ErrClosed)
}
