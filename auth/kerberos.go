package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/go-krb5/krb5/client"
	"github.com/go-krb5/krb5/config"
	"github.com/go-krb5/krb5/credentials"
	"github.com/go-krb5/krb5/gssapi"
	"github.com/go-krb5/krb5/iana/flags"
	"github.com/go-krb5/krb5/iana/msgtype"
	"github.com/go-krb5/krb5/keytab"
	"github.com/go-krb5/krb5/messages"
	"github.com/go-krb5/krb5/spnego"
)

// KerberosProvider implements SecurityProvider using the pure Go krb5
// library. It speaks SPNEGO with a KRB5 AP-REQ, requires mutual auth, and
// supports GSS-API sealing (DCE-style wrap tokens) for plain-HTTP WinRM.
type KerberosProvider struct {
	client *client.Client

	clientContext *spnego.ClientContext
	targetSPN     string
	isComplete    bool
	isHTTPS       bool
}

// KerberosConfig holds the configuration for KerberosProvider.
type KerberosConfig struct {
	Realm        string
	Krb5ConfPath string
	KeytabPath   string
	CCachePath   string
	Credentials  *Credentials
}

// NewKerberosProvider creates a pure Go Kerberos provider. Credential
// sources are tried in order: keytab, credential cache, password.
func NewKerberosProvider(cfg KerberosConfig, targetSPN string) (*KerberosProvider, error) {
	if cfg.Krb5ConfPath == "" {
		cfg.Krb5ConfPath = os.Getenv("KRB5_CONFIG")
		if cfg.Krb5ConfPath == "" {
			cfg.Krb5ConfPath = "/etc/krb5.conf"
		}
	}
	conf, err := config.Load(cfg.Krb5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf from %s: %w", cfg.Krb5ConfPath, err)
	}

	var cl *client.Client
	switch {
	case cfg.KeytabPath != "":
		kt, err := keytab.Load(cfg.KeytabPath)
		if err != nil {
			return nil, fmt.Errorf("load keytab from %s: %w", cfg.KeytabPath, err)
		}
		username := ""
		if cfg.Credentials != nil {
			username = cfg.Credentials.Username
		}
		cl = client.NewWithKeytab(username, cfg.Realm, kt, conf, client.DisablePAFXFAST(true))
	case cfg.CCachePath != "":
		cc, err := credentials.LoadCCache(cfg.CCachePath)
		if err != nil {
			return nil, fmt.Errorf("load ccache from %s: %w", cfg.CCachePath, err)
		}
		cl, err = client.NewFromCCache(cc, conf, client.DisablePAFXFAST(true))
		if err != nil {
			return nil, fmt.Errorf("create client from ccache: %w", err)
		}
	case cfg.Credentials != nil:
		cl = client.NewWithPassword(
			cfg.Credentials.Username,
			cfg.Realm,
			cfg.Credentials.Password,
			conf,
			client.DisablePAFXFAST(true),
		)
	default:
		return nil, fmt.Errorf("no credentials provided (keytab, ccache, or password required)")
	}

	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos login: %w", err)
	}

	return &KerberosProvider{
		client:    cl,
		targetSPN: targetSPN,
	}, nil
}

// Complete implements SecurityProvider.
func (p *KerberosProvider) Complete() bool {
	return p.isComplete
}

// Step implements SecurityProvider.
func (p *KerberosProvider) Step(ctx context.Context, inputToken []byte) ([]byte, bool, error) {
	if len(inputToken) == 0 && !p.isComplete {
		isHTTPS, _ := ctx.Value(ContextKeyIsHTTPS).(bool)
		p.isHTTPS = isHTTPS
	}

	if len(inputToken) == 0 {
		return p.generateInitialToken()
	}
	return p.processServerToken(inputToken)
}

// generateInitialToken creates the first NegTokenInit with an AP-REQ and
// sets up the client context used for Wrap/Unwrap once established.
func (p *KerberosProvider) generateInitialToken() ([]byte, bool, error) {
	tkt, sessionKey, err := p.client.GetServiceTicket(p.targetSPN)
	if err != nil {
		return nil, false, fmt.Errorf("get service ticket for %s: %w", p.targetSPN, err)
	}

	// Integrity + confidentiality + mutual auth; the server's AP-REP is
	// required before the context can establish.
	gssFlags := []int{
		gssapi.ContextFlagInteg,
		gssapi.ContextFlagConf,
		gssapi.ContextFlagMutual,
	}
	apOptions := []int{flags.APOptionMutualRequired}

	negTokenInit, err := spnego.NewNegTokenInitKRB5WithFlags(
		p.client, tkt, sessionKey, gssFlags, apOptions)
	if err != nil {
		return nil, false, fmt.Errorf("create NegTokenInit: %w", err)
	}

	flagsUint := uint32(gssapi.ContextFlagInteg | gssapi.ContextFlagConf | gssapi.ContextFlagMutual)
	clientCtx := spnego.NewClientContext(sessionKey, flagsUint, negTokenInit.InitialSeqNum())

	// WSMan over HTTP requires DCE-style wrap tokens (RFC 4121 §4.2.4).
	clientCtx.SetWrapTokenDCE(true)
	clientCtx.SetMechTypeListDER(negTokenInit.RawMechTypesDER())
	clientCtx.SetMutualAuthRequired(true)
	if err := clientCtx.SetInProgress(); err != nil {
		return nil, false, fmt.Errorf("set context in progress: %w", err)
	}
	p.clientContext = clientCtx

	spnegoToken := &spnego.SPNEGOToken{
		Init:         true,
		NegTokenInit: negTokenInit,
	}
	tokenBytes, err := spnegoToken.Marshal()
	if err != nil {
		return nil, false, fmt.Errorf("marshal SPNEGO token: %w", err)
	}

	return tokenBytes, true, nil
}

// processServerToken handles the server's NegTokenResp carrying the AP-REP.
func (p *KerberosProvider) processServerToken(input []byte) ([]byte, bool, error) {
	if p.clientContext == nil {
		return nil, false, fmt.Errorf("server token before initial token")
	}

	var spnegoResp spnego.SPNEGOToken
	if err := spnegoResp.Unmarshal(input); err != nil {
		// Some servers hand back a bare NegTokenResp without the SPNEGO
		// wrapper on the final leg.
		var negResp spnego.NegTokenResp
		if err2 := negResp.Unmarshal(input); err2 != nil {
			return nil, false, fmt.Errorf("unmarshal server token: %w", err)
		}
		return p.finishFromNegTokenResp(&negResp)
	}
	return p.finishFromNegTokenResp(&spnegoResp.NegTokenResp)
}

func (p *KerberosProvider) finishFromNegTokenResp(negResp *spnego.NegTokenResp) ([]byte, bool, error) {
	if negResp.State() != spnego.NegStateAcceptCompleted {
		return nil, false, fmt.Errorf("unexpected negotiation state: %v", negResp.State())
	}

	if len(negResp.ResponseToken) > 0 {
		payload := negResp.ResponseToken
		// Strip an optional GSS-API wrapper (tag 0x60) down to the AP-REP
		// (application tag 0x6f).
		if payload[0] == 0x60 {
			if idx := bytes.IndexByte(payload, 0x6f); idx >= 0 {
				payload = payload[idx:]
			}
		}
		var apRep messages.APRep
		if err := apRep.Unmarshal(payload); err == nil && apRep.MsgType == msgtype.KRB_AP_REP {
			if err := p.clientContext.ProcessAPRep(&apRep); err != nil {
				return nil, false, fmt.Errorf("process AP-REP: %w", err)
			}
		}
	}

	if err := p.clientContext.SetEstablished(); err != nil {
		return nil, false, err
	}
	p.isComplete = true
	return nil, false, nil
}

// Close releases resources.
func (p *KerberosProvider) Close() error {
	p.client.Destroy()
	p.clientContext = nil
	return nil
}

// Wrap seals data for plain-HTTP transport using GSS-API.
//
// MS-WSMV sealed message format:
//
//	[SignatureLength: 4 bytes LE] [Signature] [EncryptedData]
//
// where Signature is the GSS wrap-token header plus the RRC-rotated checksum
// and confounder, and EncryptedData is the remaining ciphertext.
func (p *KerberosProvider) Wrap(inputData []byte) ([]byte, error) {
	if p.isHTTPS {
		return nil, fmt.Errorf("wrap called for HTTPS connection (encryption handled by TLS)")
	}
	if p.clientContext == nil {
		return nil, fmt.Errorf("cannot wrap: context not initialized")
	}

	tokenBytes, err := p.clientContext.WrapSealed(inputData)
	if err != nil {
		return nil, fmt.Errorf("WrapSealed: %w", err)
	}

	const gssHdrLen = 16
	const confounderLen = 16
	if len(tokenBytes) < gssHdrLen {
		return nil, fmt.Errorf("wrap token too short: %d bytes", len(tokenBytes))
	}

	// RRC at header bytes 6-7 (BE); SignatureLength = header + RRC + confounder.
	rrc := binary.BigEndian.Uint16(tokenBytes[6:8])
	signatureLen := gssHdrLen + int(rrc) + confounderLen
	if len(tokenBytes) < signatureLen {
		return nil, fmt.Errorf("wrap token too short: %d < %d", len(tokenBytes), signatureLen)
	}
	if uint64(signatureLen) > math.MaxUint32 {
		return nil, fmt.Errorf("signature length overflow: %d", signatureLen)
	}

	output := bytes.NewBuffer(make([]byte, 0, 4+len(tokenBytes)))
	var sigLenBytes [4]byte
	binary.LittleEndian.PutUint32(sigLenBytes[:], uint32(signatureLen))
	output.Write(sigLenBytes[:])
	output.Write(tokenBytes[:signatureLen])
	output.Write(tokenBytes[signatureLen:])
	return output.Bytes(), nil
}

// Unwrap reverses Wrap on inbound data.
func (p *KerberosProvider) Unwrap(data []byte) ([]byte, error) {
	if p.isHTTPS {
		return nil, fmt.Errorf("unwrap called for HTTPS connection (encryption handled by TLS)")
	}
	if p.clientContext == nil {
		return nil, fmt.Errorf("cannot unwrap: context not initialized")
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for MS-WSMV format: %d bytes", len(data))
	}
	signatureLen := binary.LittleEndian.Uint32(data[0:4])
	const maxSignatureLen = 100 * 1024 * 1024
	if signatureLen > maxSignatureLen {
		return nil, fmt.Errorf("signature length too large: %d", signatureLen)
	}
	if len(data) < 4+int(signatureLen) {
		return nil, fmt.Errorf("data too short for signature: need %d, have %d", 4+int(signatureLen), len(data))
	}

	// The GSS token is the signature and ciphertext contiguous after the
	// 4-byte length prefix.
	payload, err := p.clientContext.UnwrapSealed(data[4:])
	if err != nil {
		return nil, fmt.Errorf("UnwrapSealed: %w", err)
	}
	return payload, nil
}
