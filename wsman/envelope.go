package wsman

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// envelope is one outbound SOAP 1.2 request in assembly form: the
// WS-Addressing and WS-Management headers as plain fields, plus the raw body
// XML. RequestBuilder fills it per verb and Render writes the wire form.
//
// Headers the server must process carry s:mustUnderstand="true"; Locale and
// DataLocale are advisory and do not.
type envelope struct {
	action           string
	to               string
	resourceURI      string
	messageID        string
	sessionID        string
	operationTimeout string
	locale           string
	dataLocale       string
	maxEnvelopeSize  int

	selectors []Selector
	options   []shellOption
	body      []byte
}

// shellOption is one w:OptionSet entry.
type shellOption struct {
	name       string
	value      string
	mustComply bool
}

func (e *envelope) addSelector(name, value string) {
	e.selectors = append(e.selectors, Selector{Name: name, Value: value})
}

func (e *envelope) addSelectors(epr *EndpointReference) {
	e.selectors = append(e.selectors, epr.Selectors...)
}

func (e *envelope) addOption(name, value string) {
	e.options = append(e.options, shellOption{name: name, value: value})
}

func (e *envelope) addMustComplyOption(name, value string) {
	e.options = append(e.options, shellOption{name: name, value: value, mustComply: true})
}

// Render writes the envelope as UTF-8 XML. The namespace prefixes s
// (SOAP 1.2), a (WS-Addressing), w (WS-Management), p (Microsoft WSMan
// extensions), and rsp (remote shell) are declared on the root so the body
// can reference them freely.
func (e *envelope) Render() []byte {
	var b bytes.Buffer

	b.WriteString(`<s:Envelope xmlns:s="` + NsSoap + `"`)
	b.WriteString(` xmlns:a="` + NsAddressing + `"`)
	b.WriteString(` xmlns:w="` + NsWsman + `"`)
	b.WriteString(` xmlns:p="` + NsWsmanMicrosoft + `"`)
	b.WriteString(` xmlns:rsp="` + NsShell + `">`)

	b.WriteString(`<s:Header>`)
	if e.to != "" {
		b.WriteString(`<a:To>` + xmlEscape(e.to) + `</a:To>`)
	}
	// Replies always come back on the same connection.
	b.WriteString(`<a:ReplyTo><a:Address s:mustUnderstand="true">` + AddressAnonymous + `</a:Address></a:ReplyTo>`)
	if e.action != "" {
		b.WriteString(`<a:Action s:mustUnderstand="true">` + e.action + `</a:Action>`)
	}
	if e.messageID != "" {
		b.WriteString(`<a:MessageID>` + e.messageID + `</a:MessageID>`)
	}
	if e.resourceURI != "" {
		b.WriteString(`<w:ResourceURI s:mustUnderstand="true">` + e.resourceURI + `</w:ResourceURI>`)
	}
	if e.maxEnvelopeSize > 0 {
		fmt.Fprintf(&b, `<w:MaxEnvelopeSize s:mustUnderstand="true">%d</w:MaxEnvelopeSize>`, e.maxEnvelopeSize)
	}
	if e.operationTimeout != "" {
		b.WriteString(`<w:OperationTimeout>` + e.operationTimeout + `</w:OperationTimeout>`)
	}
	if e.locale != "" {
		b.WriteString(`<w:Locale xml:lang="` + e.locale + `" s:mustUnderstand="false" />`)
	}
	if e.dataLocale != "" {
		b.WriteString(`<p:DataLocale xml:lang="` + e.dataLocale + `" s:mustUnderstand="false" />`)
	}
	if e.sessionID != "" {
		b.WriteString(`<p:SessionId s:mustUnderstand="false">` + e.sessionID + `</p:SessionId>`)
	}
	if len(e.selectors) > 0 {
		b.WriteString(`<w:SelectorSet>`)
		for _, s := range e.selectors {
			b.WriteString(`<w:Selector Name=` + quoteXMLAttr(s.Name) + `>` + xmlEscape(s.Value) + `</w:Selector>`)
		}
		b.WriteString(`</w:SelectorSet>`)
	}
	if len(e.options) > 0 {
		b.WriteString(`<w:OptionSet s:mustUnderstand="true">`)
		for _, o := range e.options {
			b.WriteString(`<w:Option Name=` + quoteXMLAttr(o.name))
			if o.mustComply {
				b.WriteString(` MustComply="true"`)
			}
			b.WriteString(`>` + xmlEscape(o.value) + `</w:Option>`)
		}
		b.WriteString(`</w:OptionSet>`)
	}
	b.WriteString(`</s:Header>`)

	b.WriteString(`<s:Body>`)
	b.Write(e.body)
	b.WriteString(`</s:Body>`)
	b.WriteString(`</s:Envelope>`)

	return b.Bytes()
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func quoteXMLAttr(s string) string {
	return `"` + xmlEscape(s) + `"`
}
