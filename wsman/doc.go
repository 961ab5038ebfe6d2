// Package wsman is the WS-Management envelope layer: it renders the SOAP
// 1.2 requests that carry PSRP traffic and parses the responses that come
// back.
//
// The layer splits in two. RequestBuilder is the pure half — every verb
// (Create, Command, Send, Receive, Signal, Delete, and the disconnected
// session verbs) becomes a transport.Request value without any I/O, which
// is what the sans-IO connector and session cores consume. Client wraps the
// same builder around an HTTP transport for blocking drivers.
//
// Stream payloads ride base64-encoded inside rsp:Stream elements;
// ParseReceiveResponse hands them back decoded in document order, the shape
// the PSRP defragmenter expects. SOAP faults surface as *Fault, the
// ProtocolFault of the error taxonomy.
//
// WS-Eventing pull subscriptions (Subscribe/Pull/Unsubscribe) share the
// same envelope writer.
package wsman
