package integration

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
	"github.com/smnsjas/go-psremoting/runspace"
)

// MockPSRPTransport simulates a PSRP server endpoint: it decodes the
// client's outbound fragments and queues protocol-correct responses for the
// pool's read loop.
type MockPSRPTransport struct {
	mu sync.Mutex

	readBuf bytes.Buffer
	poolID  uuid.UUID

	defrag   *fragment.Defragmenter
	objectID uint64

	// sawCreatePipeline records whether a CreatePipeline arrived.
	sawCreatePipeline bool
}

func NewMockPSRPTransport(poolID uuid.UUID) *MockPSRPTransport {
	return &MockPSRPTransport{
		poolID: poolID,
		defrag: fragment.NewDefragmenter(),
	}
}

// Write captures outbound fragments and generates the server's responses.
func (m *MockPSRPTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	complete, err := m.defrag.Feed(p)
	if err != nil {
		return 0, err
	}
	for _, raw := range complete {
		msg, err := messages.Decode(raw)
		if err != nil {
			continue
		}
		m.generateResponse(msg)
	}
	return len(p), nil
}

// Read hands queued response bytes to the pool, polling briefly when the
// queue is empty.
func (m *MockPSRPTransport) Read(p []byte) (int, error) {
	for i := 0; i < 100; i++ {
		m.mu.Lock()
		if m.readBuf.Len() > 0 {
			n, err := m.readBuf.Read(p)
			m.mu.Unlock()
			return n, err
		}
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return 0, nil
}

func (m *MockPSRPTransport) generateResponse(msg *messages.Message) {
	switch msg.Type {
	case messages.SessionCapability:
		m.queue(&messages.SessionCapabilityBody{
			PSVersion:            "5.1",
			ProtocolVersion:      "2.3",
			SerializationVersion: "1.1.0.1",
		}, uuid.Nil)
	case messages.InitRunspacePool:
		m.queue(&messages.ApplicationPrivateDataBody{Data: psrpvalue.Complex(psrpvalue.NewComplexObject())}, uuid.Nil)
		m.queue(&messages.RunspacePoolStateBody{State: messages.RunspaceOpened}, uuid.Nil)
	case messages.CreatePipeline:
		m.sawCreatePipeline = true
		m.queue(&messages.PipelineOutputBody{Data: psrpvalue.String("mock output")}, msg.PipelineID)
		m.queue(&messages.PipelineStateBody{State: messages.PipelineCompleted}, msg.PipelineID)
	}
}

func (m *MockPSRPTransport) queue(body messages.Body, pipelineID uuid.UUID) {
	msg, err := messages.NewMessage(messages.DestinationClient, m.poolID, pipelineID, body)
	if err != nil {
		return
	}
	raw, err := messages.Encode(msg)
	if err != nil {
		return
	}
	fr := fragment.NewFragmenter(32000)
	frags, err := fr.Fragment(m.nextObjectID(), raw)
	if err != nil {
		return
	}
	for _, f := range frags {
		m.readBuf.Write(f.Marshal())
	}
}

func (m *MockPSRPTransport) nextObjectID() uint64 {
	id := m.objectID
	m.objectID++
	return id
}

var _ io.ReadWriter = (*MockPSRPTransport)(nil)

// TestPoolOpenHandshake drives the full negotiation against the mock
// endpoint: SessionCapability + InitRunspacePool out, capability + private
// data + Opened back.
func TestPoolOpenHandshake(t *testing.T) {
	poolID := uuid.New()
	transport := NewMockPSRPTransport(poolID)
	pool := runspace.New(transport, poolID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if pool.State() != runspace.StateOpened {
		t.Fatalf("pool state = %v, want Opened", pool.State())
	}
}

// TestPipelineRoundTrip opens the pool, dispatches a pipeline, and verifies
// the mocked output and terminal state arrive on the stream channels.
func TestPipelineRoundTrip(t *testing.T) {
	poolID := uuid.New()
	transport := NewMockPSRPTransport(poolID)
	pool := runspace.New(transport, poolID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pl, err := pool.CreatePipeline("Get-Date")
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	if err := pl.Invoke(ctx); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	// Pump inbound data the way a driver receive loop would.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-pl.Done():
				return
			case <-ctx.Done():
				return
			default:
			}
			n, err := transport.Read(buf)
			if n > 0 {
				if herr := pool.HandleInboundData(buf[:n]); herr != nil {
					t.Errorf("HandleInboundData: %v", herr)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var got []string
	for msg := range pl.Output() {
		v, err := msg.Value()
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		s, err := v.AsString()
		if err != nil {
			t.Fatalf("output not a string: %v", err)
		}
		got = append(got, s)
	}

	if err := pl.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-done

	if len(got) != 1 || got[0] != "mock output" {
		t.Fatalf("output = %v, want [mock output]", got)
	}
	if state := pl.State(); state != messages.PipelineCompleted {
		t.Fatalf("pipeline state = %v, want Completed", state)
	}
	if !transport.sawCreatePipeline {
		t.Fatal("server never saw CreatePipeline")
	}
}
