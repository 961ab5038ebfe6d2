package wsman

// EndpointReference is a WS-Addressing endpoint reference: the address and
// selector set identifying one created shell on the server. Every
// shell-scoped operation replays its selectors.
type EndpointReference struct {
	Address     string
	ResourceURI string
	Selectors   []Selector
}

// Selector is one w:Selector entry of a SelectorSet.
type Selector struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// ShellID returns the ShellId selector value, or "" when the reference does
// not name a shell.
func (e *EndpointReference) ShellID() string {
	for _, s := range e.Selectors {
		if s.Name == "ShellId" {
			return s.Value
		}
	}
	return ""
}

// ShellEPR builds the endpoint reference for a shell known only by id, as
// reconnect flows must (the server resolves the shell from the selector).
func ShellEPR(resourceURI, shellID string) *EndpointReference {
	return &EndpointReference{
		ResourceURI: resourceURI,
		Selectors:   []Selector{{Name: "ShellId", Value: shellID}},
	}
}
