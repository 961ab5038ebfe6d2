package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smnsjas/go-psremoting/wsman"
)

// Input bounds for Subscribe; oversized filters are rejected before they
// reach the wire.
const (
	maxQueryLen       = 16 * 1024
	maxResourceURILen = 2 * 1024
)

// EventSubscription is one live WS-Eventing pull subscription: a background
// goroutine drains the server's event queue and fans the raw XML items out
// on Events.
type EventSubscription struct {
	// Events receives the raw XML event items.
	Events <-chan []byte
	// Errors receives any errors encountered during polling.
	Errors <-chan error

	logger       *slog.Logger
	client       *wsman.Client
	sub          *wsman.Subscription
	resourceURI  string
	pollInterval time.Duration
	events       chan []byte
	errors       chan error
	cancel       context.CancelFunc
	ctx          context.Context
}

// SubscribeOptions tunes the Subscribe operation.
type SubscribeOptions struct {
	ResourceURI  string        // Defaults to root/cimv2/*
	Expires      time.Duration // Defaults to 10 minutes
	PollInterval time.Duration // Defaults to 2 seconds
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.ResourceURI == "" {
		o.ResourceURI = "http://schemas.microsoft.com/wbem/wsman/1/wmi/root/cimv2/*"
	}
	if o.Expires <= 0 {
		o.Expires = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

// Subscribe registers a WQL event subscription and starts the pull loop.
// Events arrive on the returned subscription's channels until Close is
// called or the server ends the sequence.
func (c *Client) Subscribe(ctx context.Context, query string, opts ...SubscribeOptions) (*EventSubscription, error) {
	var opt SubscribeOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt = opt.withDefaults()

	if len(query) > maxQueryLen {
		return nil, fmt.Errorf("query too long (max 16KB)")
	}
	if len(opt.ResourceURI) > maxResourceURILen {
		return nil, fmt.Errorf("resource URI too long (max 2KB)")
	}
	c.mu.Lock()
	ws := c.wsman
	c.mu.Unlock()
	if ws == nil {
		return nil, errors.New("wsman client not initialized")
	}

	sub, err := ws.Subscribe(ctx, opt.ResourceURI, query)
	if err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	c.logInfo("Subscribed to events: query='%s', sub_id='%s'", query, sub.SubscriptionID)

	// The poll loop lives on its own context so it survives the caller's.
	loopCtx, cancel := context.WithCancel(context.Background())
	es := &EventSubscription{
		logger:       c.slogLogger,
		client:       ws,
		sub:          sub,
		resourceURI:  opt.ResourceURI,
		pollInterval: opt.PollInterval,
		events:       make(chan []byte, 100),
		errors:       make(chan error, 10),
		cancel:       cancel,
		ctx:          loopCtx,
	}
	es.Events = es.events
	es.Errors = es.errors

	go es.pollLoop()
	return es, nil
}

// pollLoop pulls event batches until cancelled, the enumeration context
// dies, or the server signals end-of-sequence.
func (es *EventSubscription) pollLoop() {
	defer close(es.events)
	defer close(es.errors)

	ticker := time.NewTicker(es.pollInterval)
	defer ticker.Stop()

	enumContext := es.sub.EnumerationContext
	for {
		select {
		case <-es.ctx.Done():
			return
		case <-ticker.C:
		}

		// Outlive the server-side MaxTime so slow batches still land.
		pullCtx, cancel := context.WithTimeout(es.ctx, 45*time.Second)
		resp, err := es.client.Pull(pullCtx, es.resourceURI, enumContext, 100)
		cancel()
		if err != nil {
			if es.logger != nil {
				es.logger.Warn("event poll failed", "error", err)
			}
			select {
			case es.errors <- fmt.Errorf("pull error: %w", err):
			default:
			}
			// A dead enumeration context cannot recover; stop the loop.
			var fault *wsman.Fault
			if errors.As(err, &fault) && fault.Subcode != "" &&
				(fault.IsShellNotFound() || containsInvalidEnumeration(fault)) {
				return
			}
			continue
		}

		if resp.EnumerationContext != "" {
			enumContext = resp.EnumerationContext
		}
		if len(resp.Items.Raw) > 0 {
			select {
			case es.events <- resp.Items.Raw:
			default:
				select {
				case es.errors <- fmt.Errorf("event buffer full, dropping events"):
				default:
				}
			}
		}
		if resp.EndOfSequence != nil {
			return
		}
	}
}

func containsInvalidEnumeration(f *wsman.Fault) bool {
	return f.Subcode == "w:InvalidEnumerationContext" ||
		f.Reason == "The supplied enumeration context is invalid."
}

// Close unsubscribes and stops the polling loop.
func (es *EventSubscription) Close() error {
	es.cancel()
	if es.logger != nil {
		es.logger.Info("closing event subscription")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return es.client.Unsubscribe(ctx, es.sub)
}
