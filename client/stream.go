package client

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/pipeline"
	"github.com/smnsjas/go-psremoting/powershell"
	"github.com/smnsjas/go-psremoting/runspace"
)

// StreamResult represents the streaming result of a PowerShell command
// execution. Use Wait() to block until completion or consume channels
// directly.
type StreamResult struct {
	pipeline *pipeline.Pipeline
	cleanup  func()

	// Output streams - consume these channels to get output as it arrives.
	Output      <-chan *messages.Message
	Errors      <-chan *messages.Message
	Warnings    <-chan *messages.Message
	Verbose     <-chan *messages.Message
	Debug       <-chan *messages.Message
	Progress    <-chan *messages.Message
	Information <-chan *messages.Message
}

// Wait blocks until the pipeline completes and returns its failure, if any.
// After Wait returns, all channels are closed.
func (sr *StreamResult) Wait() error {
	err := sr.pipeline.Wait()
	sr.cleanup()
	return err
}

// Cancel requests the pipeline stop.
func (sr *StreamResult) Cancel() {
	sr.pipeline.Cancel()
}

// ExecuteStream runs a PowerShell script asynchronously and returns a
// StreamResult providing output as it is produced. The caller consumes the
// channels and calls Wait(). Blocks while all of the pool's runspaces are
// busy with earlier commands.
func (c *Client) ExecuteStream(ctx context.Context, script string) (*StreamResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	pool := c.psrpPool
	backend := c.backend
	c.mu.Unlock()

	c.logInfo("Execute: '%s'", sanitizeScriptForLogging(script))

	if err := pool.WaitForAvailability(ctx); err != nil {
		return nil, err
	}
	sr, err := c.startPipeline(ctx, pool, backend, script)
	if err != nil {
		// The slot taken above is handed back through the pipeline registry.
		return nil, err
	}
	return sr, nil
}

func (c *Client) startPipeline(ctx context.Context, pool *runspace.Pool, backend powershell.RunspaceBackend, script string) (*StreamResult, error) {
	pl, err := pool.CreatePipeline(script)
	if err != nil {
		// Hand the availability slot back; no pipeline was registered.
		pool.RemovePipeline(uuid.Nil)
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	payload, err := c.payloadFor(pool, pl)
	if err != nil {
		pool.RemovePipeline(pl.ID())
		return nil, err
	}

	reader, cleanupBackend, err := backend.PreparePipeline(ctx, pl, payload)
	if err != nil {
		pool.RemovePipeline(pl.ID())
		return nil, fmt.Errorf("prepare pipeline: %w", err)
	}

	if err := pl.Invoke(ctx); err != nil {
		cleanupBackend()
		pool.RemovePipeline(pl.ID())
		return nil, fmt.Errorf("invoke pipeline: %w", err)
	}
	_ = pl.CloseInput(ctx)

	if reader != nil {
		go c.runPipelineReceive(ctx, pool, pl, reader)
	}

	released := make(chan struct{})
	return &StreamResult{
		pipeline:    pl,
		Output:      pl.Output(),
		Errors:      pl.Error(),
		Warnings:    pl.Warning(),
		Verbose:     pl.Verbose(),
		Debug:       pl.Debug(),
		Progress:    pl.Progress(),
		Information: pl.Information(),
		cleanup: func() {
			select {
			case <-released:
				return
			default:
				close(released)
			}
			cleanupBackend()
			pool.RemovePipeline(pl.ID())
		},
	}, nil
}

// payloadFor builds and encodes the CreatePipeline payload for pl.
func (c *Client) payloadFor(pool *runspace.Pool, pl *pipeline.Pipeline) (string, error) {
	data, err := pl.GetCreatePipelineDataWithID(pool.NextObjectID())
	if err != nil {
		return "", fmt.Errorf("get create pipeline data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
