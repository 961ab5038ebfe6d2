// Package psrp provides a complete PowerShell Remoting Protocol (PSRP)
// client with WinRM/WSMan transport support.
//
// The protocol engine lives in this module:
//
//	┌──────────────────────────────────────────────────────────┐
//	│  client         High-level API (Connect/Execute/Events)  │
//	├──────────────────────────────────────────────────────────┤
//	│  powershell     Transport ↔ pool bridges (WSMan, HvSock) │
//	├──────────────────────────────────────────────────────────┤
//	│  connector      Handshake state machine (sans-IO)        │
//	│  session        ActiveSession transducer (sans-IO)       │
//	│  runspace       RunspacePool state machine               │
//	│  pipeline       Per-invocation state + stream channels   │
//	│  host           Host-call dispatch table                 │
//	├──────────────────────────────────────────────────────────┤
//	│  messages       PSRP message codec                       │
//	│  psrpvalue      CLIXML value tree                        │
//	│  fragment       Fragmentation/defragmentation            │
//	│  outofproc      Out-of-process packet framing            │
//	├──────────────────────────────────────────────────────────┤
//	│  wsman          SOAP envelopes, WSMan verbs, faults      │
//	│  auth           Basic/NTLM/Kerberos/Negotiate engine     │
//	│  hvsock         Hyper-V socket dial + handshake          │
//	└──────────────────────────────────────────────────────────┘
//
// Most applications only need the client package. The sans-IO layers
// (connector, session, runspace) are exported for drivers that bring their
// own transport or scheduling.
package psrp
