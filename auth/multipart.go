package auth

import (
	"bytes"
	"fmt"
)

// WinRM multipart encryption constants (MS-WSMV §2.2.9.1).
const (
	// winrmBoundary includes the -- prefix, matching what WinRM emits.
	winrmBoundary     = "--Encrypted Boundary"
	winrmProtocol     = "application/HTTP-SPNEGO-session-encrypted"
	winrmContentType  = "multipart/encrypted;protocol=\"" + winrmProtocol + "\";boundary=\"Encrypted Boundary\""
	winrmOriginalType = "application/soap+xml;charset=UTF-8"
)

// wrapWinRMMultipart wraps an MS-WSMV sealed payload
// ([SignatureLength 4][Signature][EncryptedData]) in WinRM's
// multipart/encrypted MIME structure:
//
//	--Boundary
//	Content-Type: application/HTTP-SPNEGO-session-encrypted
//	OriginalContent: type=...;Length=...
//	--Boundary
//	Content-Type: application/octet-stream
//	<sealed payload, no blank line before the binary data>
//	--Boundary--
func wrapWinRMMultipart(sealed []byte, originalLen int) ([]byte, string) {
	const overhead = 300
	buf := bytes.NewBuffer(make([]byte, 0, len(sealed)+overhead))

	buf.WriteString(winrmBoundary)
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: ")
	buf.WriteString(winrmProtocol)
	buf.WriteString("\r\n")
	fmt.Fprintf(buf, "OriginalContent: type=%s;Length=%d\r\n", winrmOriginalType, originalLen)
	// No blank line after OriginalContent: WinRM expects the next boundary
	// marker immediately.

	buf.WriteString(winrmBoundary)
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: application/octet-stream\r\n")
	// Binary data starts immediately after the header, again with no blank
	// line.
	buf.Write(sealed)

	buf.WriteString(winrmBoundary)
	buf.WriteString("--\r\n")

	return buf.Bytes(), winrmContentType
}

// unwrapWinRMMultipart extracts the sealed payload from WinRM's
// multipart/encrypted format.
func unwrapWinRMMultipart(body []byte) ([]byte, error) {
	octetMarker := []byte("Content-Type: application/octet-stream")
	octetIdx := bytes.Index(body, octetMarker)
	if octetIdx == -1 {
		// Might be raw sealed data without the multipart wrapper.
		return body, nil
	}

	lineEnd := bytes.Index(body[octetIdx:], []byte("\r\n"))
	if lineEnd == -1 {
		return nil, fmt.Errorf("malformed multipart: no CRLF after octet-stream header")
	}
	dataStart := octetIdx + lineEnd + 2

	// Optional blank line before the binary data.
	if bytes.HasPrefix(body[dataStart:], []byte("\r\n")) {
		dataStart += 2
	}

	endBoundary := []byte("\r\n" + winrmBoundary + "--")
	dataEnd := bytes.Index(body[dataStart:], endBoundary)
	if dataEnd == -1 {
		endBoundary = []byte(winrmBoundary + "--")
		dataEnd = bytes.Index(body[dataStart:], endBoundary)
	}
	if dataEnd == -1 {
		dataEnd = len(body) - dataStart
	}

	return body[dataStart : dataStart+dataEnd], nil
}
