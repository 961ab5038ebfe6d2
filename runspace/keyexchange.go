package runspace

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/messages"
)

// KeyState tracks the MS-PSRP session-key exchange used for SecureString
// transport (§2.2.5.1).
type KeyState int

const (
	KeyNone KeyState = iota
	KeyRequested
	KeyEstablished
)

type keyExchange struct {
	state      KeyState
	rsaKey     *rsa.PrivateKey
	sessionKey []byte
}

// KeyState returns the session-key exchange state.
func (p *Pool) KeyState() KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key.state
}

// rsaKeyBits sizes the exchange keypair. 2048 matches what Windows clients
// generate.
const rsaKeyBits = 2048

// ExchangeKey initiates the client-side key exchange by sending a PublicKey
// message. Servers may also demand it first via PublicKeyRequest; both paths
// converge here.
func (p *Pool) ExchangeKey(ctx context.Context) error {
	p.mu.Lock()
	if p.key.state != KeyNone {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.sendPublicKey(ctx)
}

func (p *Pool) handlePublicKeyRequest(_ *messages.Message) error {
	// MS-PSRP §3.1.5.1: answer on the pool-scoped stream regardless of
	// pipeline activity.
	return p.sendPublicKey(context.Background())
}

func (p *Pool) sendPublicKey(ctx context.Context) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("runspace: generate exchange key: %w", err)
	}

	p.mu.Lock()
	p.key.rsaKey = key
	p.key.state = KeyRequested
	p.mu.Unlock()

	blob := capiPublicKeyBlob(&key.PublicKey)
	body := &messages.PublicKeyBody{
		PublicKeyBase64: base64.StdEncoding.EncodeToString(blob),
	}
	if err := p.dispatchBody(ctx, body, uuid.Nil); err != nil {
		return err
	}
	p.securityEvent("key_exchange", map[string]any{"subtype": "public_key_sent", "bits": rsaKeyBits})
	return nil
}

func (p *Pool) handleEncryptedSessionKey(msg *messages.Message) error {
	var body messages.EncryptedSessionKeyBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return p.invalidMessage(msg, err)
	}

	p.mu.Lock()
	key := p.key.rsaKey
	p.mu.Unlock()
	if key == nil {
		return p.invalidMessage(msg, fmt.Errorf("EncryptedSessionKey before PublicKey"))
	}

	encrypted, err := base64.StdEncoding.DecodeString(body.EncryptedSessionKeyBase64)
	if err != nil {
		return p.invalidMessage(msg, err)
	}
	decrypted, err := rsa.DecryptPKCS1v15(nil, key, encrypted)
	if err != nil {
		return p.invalidMessage(msg, fmt.Errorf("decrypt session key: %w", err))
	}
	// The plaintext is a CAPI SIMPLEBLOB: 12-byte header
	// (BLOBHEADER + ALG_ID) followed by the AES session key.
	const blobHeaderLen = 12
	if len(decrypted) <= blobHeaderLen {
		return p.invalidMessage(msg, fmt.Errorf("session key blob too short: %d bytes", len(decrypted)))
	}

	p.mu.Lock()
	p.key.sessionKey = decrypted[blobHeaderLen:]
	p.key.state = KeyEstablished
	p.mu.Unlock()

	p.securityEvent("key_exchange", map[string]any{"subtype": "session_key_established"})
	p.emit(Event{Kind: EventSessionKeyEstablished})
	return nil
}

// DecryptSecureString decrypts a wire-encoded SecureString (<SS> element
// content) once the session key is established. The ciphertext is
// AES-256-CBC with a zero IV; the plaintext is UTF-16LE.
func (p *Pool) DecryptSecureString(encoded string) (string, error) {
	p.mu.Lock()
	state, key := p.key.state, p.key.sessionKey
	p.mu.Unlock()
	if state != KeyEstablished {
		return "", fmt.Errorf("runspace: session key not established")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("runspace: decode secure string: %w", err)
	}
	plaintext, err := aesCBC(key, ciphertext, false)
	if err != nil {
		return "", err
	}
	return utf16LEToString(plaintext), nil
}

// EncryptSecureString produces the wire encoding for a SecureString
// pipeline input.
func (p *Pool) EncryptSecureString(value string) (string, error) {
	p.mu.Lock()
	state, key := p.key.state, p.key.sessionKey
	p.mu.Unlock()
	if state != KeyEstablished {
		return "", fmt.Errorf("runspace: session key not established")
	}

	plaintext := stringToUTF16LE(value)
	ciphertext, err := aesCBC(key, plaintext, true)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func aesCBC(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("runspace: session cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)

	if encrypt {
		padded := pkcs7Pad(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("runspace: ciphertext not block-aligned: %d bytes", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("runspace: empty padded plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("runspace: bad padding")
	}
	return data[:len(data)-pad], nil
}

func utf16LEToString(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, binary.LittleEndian.Uint16(b[i:i+2]))
	}
	return string(utf16.Decode(u))
}

func stringToUTF16LE(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, v := range u {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// capiPublicKeyBlob renders an RSA public key as the CAPI PUBLICKEYBLOB
// layout MS-PSRP mandates for the PublicKey message: BLOBHEADER
// {PUBLICKEYBLOB, CUR_BLOB_VERSION, CALG_RSA_KEYX}, RSAPUBKEY {"RSA1",
// bitlen, exponent}, then the modulus little-endian.
func capiPublicKeyBlob(pub *rsa.PublicKey) []byte {
	modulus := pub.N.Bytes()
	// big-endian -> little-endian
	for i, j := 0, len(modulus)-1; i < j; i, j = i+1, j-1 {
		modulus[i], modulus[j] = modulus[j], modulus[i]
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(0x06) // bType = PUBLICKEYBLOB
	buf.WriteByte(0x02) // bVersion = CUR_BLOB_VERSION
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))          // reserved
	_ = binary.Write(buf, binary.LittleEndian, uint32(0x0000a400)) // aiKeyAlg = CALG_RSA_KEYX
	buf.WriteString("RSA1")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(modulus)*8))
	_ = binary.Write(buf, binary.LittleEndian, uint32(pub.E))
	buf.Write(modulus)
	return buf.Bytes()
}
