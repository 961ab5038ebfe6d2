package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// recordingPool captures dispatched messages.
type recordingPool struct {
	id       uuid.UUID
	msgs     []*messages.Message
	objectID uint64
}

func (p *recordingPool) RunspacePoolID() uuid.UUID { return p.id }

func (p *recordingPool) Dispatch(_ context.Context, msg *messages.Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPool) NextObjectID() uint64 {
	id := p.objectID
	p.objectID++
	return id
}

func inboundMsg(t *testing.T, poolID, pid uuid.UUID, body messages.Body) *messages.Message {
	t.Helper()
	msg, err := messages.NewMessage(messages.DestinationClient, poolID, pid, body)
	require.NoError(t, err)
	return msg
}

func TestInvokeDispatchesCreatePipeline(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Get-Date")

	require.NoError(t, pl.Invoke(context.Background()))
	require.Len(t, pool.msgs, 1)

	msg := pool.msgs[0]
	assert.Equal(t, messages.CreatePipeline, msg.Type)
	assert.Equal(t, pl.ID(), msg.PipelineID)
	assert.Equal(t, messages.PipelineRunning, pl.State())

	var body messages.CreatePipelineBody
	require.NoError(t, messages.DecodeBody(msg, &body))
	cmds, ok := body.PowerShellXML.Property("Cmds")
	require.True(t, ok, "CreatePipeline body missing Cmds")
	cmdList, err := cmds.AsComplex()
	require.NoError(t, err)
	require.Len(t, cmdList.Items, 1)
	script, ok := cmdList.Items[0].Property("Cmd")
	require.True(t, ok)
	text, err := script.AsString()
	require.NoError(t, err)
	assert.Equal(t, "Get-Date", text)
}

func TestSkipInvokeSendSuppressesDispatch(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Get-Date")
	pl.SkipInvokeSend()

	require.NoError(t, pl.Invoke(context.Background()))
	assert.Empty(t, pool.msgs)
	assert.Equal(t, messages.PipelineRunning, pl.State())
}

func TestCreatePipelineDataIsFragmented(t *testing.T) {
	pl := New(nil, uuid.New(), "Get-Date")
	data, err := pl.GetCreatePipelineDataWithID(7)
	require.NoError(t, err)

	d := fragment.NewDefragmenter()
	complete, err := d.Feed(data)
	require.NoError(t, err)
	require.Len(t, complete, 1)

	msg, err := messages.Decode(complete[0])
	require.NoError(t, err)
	assert.Equal(t, messages.CreatePipeline, msg.Type)
	assert.Equal(t, pl.ID(), msg.PipelineID)
}

func TestTerminalStateClosesStreams(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Get-Date")

	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(),
		&messages.PipelineOutputBody{Data: psrpvalue.String("one")})))
	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(),
		&messages.PipelineStateBody{State: messages.PipelineCompleted})))

	var got []string
	for msg := range pl.Output() {
		v, err := msg.Value()
		require.NoError(t, err)
		s, err := v.AsString()
		require.NoError(t, err)
		got = append(got, s)
	}
	assert.Equal(t, []string{"one"}, got)

	// Channels are closed; Done unblocks with no error.
	<-pl.Done()
	require.NoError(t, pl.Wait())

	// Deliveries after the terminal state are dropped, not panics.
	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(),
		&messages.PipelineOutputBody{Data: psrpvalue.String("late")})))
}

func TestFailedStateCarriesRemoteError(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Get-Date")

	record := psrpvalue.NewComplexObject()
	record.ToString = "Attempted to divide by zero."
	record.HasToString = true
	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(), &messages.PipelineStateBody{
		State:       messages.PipelineFailed,
		HasError:    true,
		ErrorRecord: psrpvalue.Complex(record),
	})))

	err := pl.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divide by zero")
	assert.Equal(t, messages.PipelineFailed, pl.State())
}

func TestHostCallWithoutReplyIsAcknowledgedSilently(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Write-Progress test")

	call := messages.NewPipelineHostCallBody()
	call.CallID = 5
	call.MethodID = 20 // WriteProgress: no reply expected
	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(), call)))
	assert.Empty(t, pool.msgs)
}

func TestHostCallRequiringReplyGetsNotImplemented(t *testing.T) {
	pool := &recordingPool{id: uuid.New()}
	pl := New(pool, pool.id, "Read-Host")

	call := messages.NewPipelineHostCallBody()
	call.CallID = 9
	call.MethodID = 11 // ReadLine: reply required
	require.NoError(t, pl.HandleMessage(inboundMsg(t, pool.id, pl.ID(), call)))

	require.Len(t, pool.msgs, 1)
	resp := pool.msgs[0]
	assert.Equal(t, messages.PipelineHostResponse, resp.Type)

	var body messages.PipelineHostResponseBody
	require.NoError(t, messages.DecodeBody(resp, &body))
	assert.Equal(t, int64(9), body.CallID)
	assert.True(t, body.HasException)
}
