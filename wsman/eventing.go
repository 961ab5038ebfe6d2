package wsman

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// WS-Eventing namespaces and actions.
const (
	NsEventing = "http://schemas.xmlsoap.org/ws/2004/08/eventing"

	ActionSubscribe           = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Subscribe"
	ActionSubscribeResponse   = "http://schemas.xmlsoap.org/ws/2004/08/eventing/SubscribeResponse"
	ActionUnsubscribe         = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Unsubscribe"
	ActionUnsubscribeResponse = "http://schemas.xmlsoap.org/ws/2004/08/eventing/UnsubscribeResponse"
	ActionPull                = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/Pull"

	// WQLDialect is the filter dialect WinRM event queries use.
	WQLDialect = "http://schemas.microsoft.com/wbem/wsman/1/WQL"
)

// Subscription identifies an active WS-Eventing subscription on the server.
type Subscription struct {
	// Manager is the subscription manager EPR returned by the server; its
	// selectors (typically an Identifier) address the subscription for
	// Unsubscribe.
	Manager *EndpointReference

	// SubscriptionID is the server-assigned identifier, when present.
	SubscriptionID string

	// EnumerationContext is the pull context for event delivery.
	EnumerationContext string
}

// PullResponse carries one batch of pulled events.
type PullResponse struct {
	// EnumerationContext is the renewed context for the next Pull.
	EnumerationContext string

	// Items holds the raw inner XML of the event batch; callers parse the
	// event schema themselves.
	Items struct {
		Raw []byte
	}

	// EndOfSequence is non-nil when the server signalled the subscription
	// has ended.
	EndOfSequence *struct{}
}

// Subscribe creates a pull-mode event subscription on resourceURI filtered by
// a WQL query.
func (c *Client) Subscribe(ctx context.Context, resourceURI, query string) (*Subscription, error) {
	env := c.builder.envelope(ActionSubscribe, resourceURI)

	var body strings.Builder
	body.WriteString(`<wse:Subscribe xmlns:wse="` + NsEventing + `">`)
	// Pull-mode delivery: no NotifyTo endpoint, the client polls.
	body.WriteString(`<wse:Delivery Mode="http://schemas.dmtf.org/wbem/wsman/1/wsman/Pull"></wse:Delivery>`)
	body.WriteString(`<w:Filter xmlns:w="` + NsWsman + `" Dialect="` + WQLDialect + `">`)
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(query))
	body.WriteString(escaped.String())
	body.WriteString(`</w:Filter>`)
	body.WriteString(`</wse:Subscribe>`)
	env.body = []byte(body.String())

	respBody, err := c.post(ctx, mustRequest(c.builder, env))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var resp subscribeResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}

	sub := &Subscription{
		SubscriptionID:     resp.Body.SubscribeResponse.SubscriptionManager.ReferenceParameters.Identifier,
		EnumerationContext: strings.TrimSpace(resp.Body.SubscribeResponse.EnumerationContext),
	}
	if addr := resp.Body.SubscribeResponse.SubscriptionManager.Address; addr != "" {
		sub.Manager = &EndpointReference{Address: addr}
		if sub.SubscriptionID != "" {
			sub.Manager.Selectors = []Selector{{Name: "Identifier", Value: sub.SubscriptionID}}
		}
	}
	return sub, nil
}

// Pull fetches the next batch of events for an enumeration context.
func (c *Client) Pull(ctx context.Context, resourceURI, enumerationContext string, maxElements int) (*PullResponse, error) {
	env := c.builder.envelope(ActionPull, resourceURI)

	body := fmt.Sprintf(`<wsen:Pull xmlns:wsen="%s">`+
		`<wsen:EnumerationContext>%s</wsen:EnumerationContext>`+
		`<wsen:MaxElements>%d</wsen:MaxElements>`+
		`<wsen:MaxTime>PT5S</wsen:MaxTime>`+
		`</wsen:Pull>`, NsEnumeration, enumerationContext, maxElements)
	env.body = []byte(body)

	respBody, err := c.post(ctx, mustRequest(c.builder, env))
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	var resp pullResponseEnvelope
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse pull response: %w", err)
	}

	out := &PullResponse{
		EnumerationContext: strings.TrimSpace(resp.Body.PullResponse.EnumerationContext),
	}
	out.Items.Raw = []byte(strings.TrimSpace(string(resp.Body.PullResponse.Items.Raw)))
	if resp.Body.PullResponse.EndOfSequence != nil {
		out.EndOfSequence = &struct{}{}
	}
	return out, nil
}

// Unsubscribe cancels a subscription via its manager EPR.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.Manager == nil {
		return fmt.Errorf("unsubscribe: no subscription manager")
	}

	env := c.builder.envelope(ActionUnsubscribe, ResourceURIPowerShell)
	env.addSelectors(sub.Manager)
	env.body = []byte(`<wse:Unsubscribe xmlns:wse="` + NsEventing + `"></wse:Unsubscribe>`)

	if _, err := c.post(ctx, mustRequest(c.builder, env)); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// mustRequest finishes an envelope into a transport.Request; rendering the
// fixed shapes above cannot fail at runtime.
func mustRequest(b *RequestBuilder, env *envelope) *transport.Request {
	req, err := b.finish(env)
	if err != nil {
		panic(fmt.Sprintf("wsman: render envelope: %v", err))
	}
	return req
}

type subscribeResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		SubscribeResponse struct {
			SubscriptionManager struct {
				Address             string `xml:"Address"`
				ReferenceParameters struct {
					Identifier string `xml:"Identifier"`
				} `xml:"ReferenceParameters"`
			} `xml:"SubscriptionManager"`
			EnumerationContext string `xml:"EnumerationContext"`
		} `xml:"SubscribeResponse"`
	} `xml:"Body"`
}

type pullResponseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		PullResponse struct {
			EnumerationContext string `xml:"EnumerationContext"`
			Items              struct {
				Raw []byte `xml:",innerxml"`
			} `xml:"Items"`
			EndOfSequence *struct{} `xml:"EndOfSequence"`
		} `xml:"PullResponse"`
	} `xml:"Body"`
}
