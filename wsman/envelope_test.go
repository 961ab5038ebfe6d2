package wsman

import (
	"strings"
	"testing"
)

func renderSample() string {
	env := &envelope{
		action:           ActionReceive,
		to:               "http://host01:5985/wsman",
		resourceURI:      ResourceURIPowerShell,
		messageID:        "uuid:TEST-MESSAGE-ID",
		sessionID:        "uuid:TEST-SESSION-ID",
		operationTimeout: "PT20S",
		locale:           "en-US",
		dataLocale:       "en-US",
		maxEnvelopeSize:  153600,
	}
	env.addSelector("ShellId", "SHELL-1")
	env.addOption("WINRS_NOPROFILE", "TRUE")
	env.addMustComplyOption("protocolversion", "2.3")
	env.body = []byte("<rsp:Receive><rsp:DesiredStream>stdout</rsp:DesiredStream></rsp:Receive>")
	return string(env.Render())
}

func TestEnvelopeRendersAllHeaders(t *testing.T) {
	xml := renderSample()

	for _, want := range []string{
		`<a:To>http://host01:5985/wsman</a:To>`,
		`<a:Action s:mustUnderstand="true">` + ActionReceive + `</a:Action>`,
		`<a:MessageID>uuid:TEST-MESSAGE-ID</a:MessageID>`,
		`<a:Address s:mustUnderstand="true">` + AddressAnonymous + `</a:Address>`,
		`<w:ResourceURI s:mustUnderstand="true">` + ResourceURIPowerShell + `</w:ResourceURI>`,
		`<w:MaxEnvelopeSize s:mustUnderstand="true">153600</w:MaxEnvelopeSize>`,
		`<w:OperationTimeout>PT20S</w:OperationTimeout>`,
		`<w:Locale xml:lang="en-US" s:mustUnderstand="false" />`,
		`<p:DataLocale xml:lang="en-US" s:mustUnderstand="false" />`,
		`<p:SessionId s:mustUnderstand="false">uuid:TEST-SESSION-ID</p:SessionId>`,
		`<w:Selector Name="ShellId">SHELL-1</w:Selector>`,
		`<w:Option Name="WINRS_NOPROFILE">TRUE</w:Option>`,
		`<w:Option Name="protocolversion" MustComply="true">2.3</w:Option>`,
		`<rsp:DesiredStream>stdout</rsp:DesiredStream>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("rendered envelope missing %q", want)
		}
	}

	// All prefixes referenced above must be declared on the root.
	for _, ns := range []string{
		`xmlns:s="` + NsSoap + `"`,
		`xmlns:a="` + NsAddressing + `"`,
		`xmlns:w="` + NsWsman + `"`,
		`xmlns:p="` + NsWsmanMicrosoft + `"`,
		`xmlns:rsp="` + NsShell + `"`,
	} {
		if !strings.Contains(xml, ns) {
			t.Errorf("rendered envelope missing namespace decl %q", ns)
		}
	}
}

func TestEnvelopeOmitsUnsetHeaders(t *testing.T) {
	env := &envelope{
		action:    ActionDelete,
		to:        "http://host01:5985/wsman",
		messageID: "uuid:X",
	}
	xml := string(env.Render())

	for _, absent := range []string{
		"MaxEnvelopeSize", "OperationTimeout", "Locale", "SessionId",
		"SelectorSet", "OptionSet",
	} {
		if strings.Contains(xml, absent) {
			t.Errorf("unset header %q rendered anyway", absent)
		}
	}
	if !strings.HasSuffix(xml, "<s:Body></s:Body></s:Envelope>") {
		t.Errorf("empty body rendering wrong: %s", xml)
	}
}

func TestEnvelopeEscapesValues(t *testing.T) {
	env := &envelope{to: `http://host/?a=1&b=<2>`}
	env.addSelector("Name", `va"lue`)
	xml := string(env.Render())

	if strings.Contains(xml, "a=1&b=<2>") {
		t.Error("To URL not escaped")
	}
	if !strings.Contains(xml, "a=1&amp;b=&lt;2&gt;") {
		t.Errorf("escaped To missing: %s", xml)
	}
	if !strings.Contains(xml, "va&#34;lue") && !strings.Contains(xml, "va&quot;lue") {
		t.Errorf("selector value not escaped: %s", xml)
	}
}
