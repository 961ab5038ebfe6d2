package auth

import (
	"crypto/md5" // #nosec G501 -- MD5 mandated by the GSS channel-binding format (MS-NLMP §3.1.5.1.2)
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"hash"
)

// ChannelBindings is the GSS-API channel-bindings structure used for
// Extended Protection (RFC 5929 tls-server-end-point). Only ApplicationData
// is populated for TLS channel binding; the address fields stay zero.
type ChannelBindings struct {
	InitiatorAddrType uint32
	InitiatorAddress  []byte
	AcceptorAddrType  uint32
	AcceptorAddress   []byte
	ApplicationData   []byte
}

// ComputeTLSServerEndpoint derives the tls-server-end-point channel binding
// from the server's TLS certificate.
func ComputeTLSServerEndpoint(cert *x509.Certificate) *ChannelBindings {
	data := append([]byte("tls-server-end-point:"), certificateHash(cert)...)
	return &ChannelBindings{ApplicationData: data}
}

// certificateHash hashes the certificate per RFC 5929 §4.1: the hash of the
// certificate's signature algorithm, upgraded to SHA-256 for MD5/SHA-1.
func certificateHash(cert *x509.Certificate) []byte {
	var h hash.Hash
	switch cert.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		h = sha512.New384()
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write(cert.Raw)
	return h.Sum(nil)
}

// MD5Hash returns the MD5 of the marshaled gss_channel_bindings_struct, the
// value NTLM carries in its MsvAvChannelBindings AV pair.
func (cb *ChannelBindings) MD5Hash() []byte {
	h := md5.New() // #nosec G401 -- format-mandated
	var length [4]byte

	writeField := func(addrType uint32, data []byte) {
		binary.LittleEndian.PutUint32(length[:], addrType)
		h.Write(length[:])
		binary.LittleEndian.PutUint32(length[:], uint32(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeField(cb.InitiatorAddrType, cb.InitiatorAddress)
	writeField(cb.AcceptorAddrType, cb.AcceptorAddress)
	binary.LittleEndian.PutUint32(length[:], uint32(len(cb.ApplicationData)))
	h.Write(length[:])
	h.Write(cb.ApplicationData)

	return h.Sum(nil)
}

// NTLM AV pair identifiers used when injecting channel bindings into a
// Type 2 target-info block (MS-NLMP §2.2.2.1).
const (
	avIDEOL             = 0x0000
	avIDChannelBindings = 0x000A
)

// injectChannelBindings returns a copy of an NTLM Type 2 (CHALLENGE) message
// whose TargetInfo block carries an MsvAvChannelBindings pair with the given
// MD5. The NTLMv2 response is computed over TargetInfo, so seeding the
// challenge this way makes the standard message codec emit a CBT-bound
// Type 3 without reimplementing the NTLM crypto.
func injectChannelBindings(type2 []byte, bindingMD5 []byte) []byte {
	// TargetInfoFields live at offset 40: Len(2) MaxLen(2) Offset(4), LE.
	const tiFields = 40
	if len(type2) < tiFields+8 {
		return type2
	}
	tiLen := int(binary.LittleEndian.Uint16(type2[tiFields : tiFields+2]))
	tiOff := int(binary.LittleEndian.Uint32(type2[tiFields+4 : tiFields+8]))
	if tiOff+tiLen > len(type2) || tiLen < 4 {
		return type2
	}

	targetInfo := type2[tiOff : tiOff+tiLen]

	// Rebuild the AV list with the channel-binding pair inserted before EOL.
	var rebuilt []byte
	for off := 0; off+4 <= len(targetInfo); {
		avID := binary.LittleEndian.Uint16(targetInfo[off : off+2])
		avLen := int(binary.LittleEndian.Uint16(targetInfo[off+2 : off+4]))
		if off+4+avLen > len(targetInfo) {
			return type2
		}
		if avID == avIDEOL {
			break
		}
		if avID != avIDChannelBindings {
			rebuilt = append(rebuilt, targetInfo[off:off+4+avLen]...)
		}
		off += 4 + avLen
	}
	rebuilt = appendAVPair(rebuilt, avIDChannelBindings, bindingMD5)
	rebuilt = appendAVPair(rebuilt, avIDEOL, nil)

	out := make([]byte, 0, len(type2)-tiLen+len(rebuilt))
	out = append(out, type2[:tiOff]...)
	out = append(out, rebuilt...)
	out = append(out, type2[tiOff+tiLen:]...)

	binary.LittleEndian.PutUint16(out[tiFields:tiFields+2], uint16(len(rebuilt)))
	binary.LittleEndian.PutUint16(out[tiFields+2:tiFields+4], uint16(len(rebuilt)))
	return out
}

func appendAVPair(b []byte, id uint16, value []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], id)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b = append(b, hdr[:]...)
	return append(b, value...)
}
