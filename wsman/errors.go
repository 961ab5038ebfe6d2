package wsman

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Fault is a parsed WS-Management SOAP fault: the ProtocolFault of the
// error taxonomy. Generally fatal for the operation that provoked it.
type Fault struct {
	// Code is the SOAP fault code ("s:Sender", "s:Receiver").
	Code string

	// Subcode is the WSMan-specific subcode ("w:InvalidSelectors",
	// "w:TimedOut").
	Subcode string

	// Reason is the human-readable fault text.
	Reason string

	// Detail carries the provider message from the WSManFault detail
	// element, with its numeric code and originating machine.
	Detail    string
	WSManCode int
	Machine   string
}

func (f *Fault) Error() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{f.Code, f.Subcode, f.Reason} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if f.WSManCode != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", f.WSManCode))
	}
	return "wsman fault: " + strings.Join(parts, ": ")
}

// IsAccessDenied reports whether the fault means the caller was rejected.
func (f *Fault) IsAccessDenied() bool {
	// 5 is the Windows ERROR_ACCESS_DENIED code.
	return strings.Contains(f.Subcode, "AccessDenied") || f.WSManCode == 5
}

// IsShellNotFound reports whether the targeted shell no longer exists.
func (f *Fault) IsShellNotFound() bool {
	return strings.Contains(f.Subcode, "InvalidSelectors") ||
		strings.Contains(f.Reason, "shell was not found")
}

// IsTimeout reports whether the fault is an OperationTimeout expiry.
func (f *Fault) IsTimeout() bool {
	return strings.Contains(f.Subcode, "TimedOut") ||
		strings.Contains(f.Reason, "timed out")
}

// IsFault reports whether err is (or wraps) a WSMan Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// ParseFault scans a SOAP response for an s:Fault element and returns it
// parsed, or nil when the response carries no fault.
func ParseFault(data []byte) (*Fault, error) {
	if !bytes.Contains(data, []byte(":Fault")) {
		return nil, nil
	}

	// Walk the token stream rather than unmarshalling a fixed struct: fault
	// shapes vary between WinRM versions and providers.
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		fault Fault
		found bool
		path  []string
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse fault: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			if t.Name.Local == "Fault" {
				found = true
			}
			if t.Name.Local == "WSManFault" {
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "Code":
						fmt.Sscanf(a.Value, "%d", &fault.WSManCode)
					case "Machine":
						fault.Machine = a.Value
					}
				}
			}
		case xml.EndElement:
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		case xml.CharData:
			if !found || len(path) == 0 {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch path[len(path)-1] {
			case "Value":
				// The first Value under Code, the second under Subcode.
				if inside(path, "Subcode") {
					fault.Subcode = text
				} else if inside(path, "Code") && fault.Code == "" {
					fault.Code = text
				}
			case "Text":
				if inside(path, "Reason") && fault.Reason == "" {
					fault.Reason = text
				}
			case "Message":
				if inside(path, "Detail") && fault.Detail == "" {
					fault.Detail = text
				}
			}
		}
	}

	if !found || fault.Code == "" {
		return nil, nil
	}
	return &fault, nil
}

func inside(path []string, name string) bool {
	for _, p := range path {
		if p == name {
			return true
		}
	}
	return false
}

// CheckFault returns the response's fault as an error, or nil when the
// response is fault-free.
func CheckFault(data []byte) error {
	fault, err := ParseFault(data)
	if err != nil {
		return err
	}
	if fault != nil {
		return fault
	}
	return nil
}
