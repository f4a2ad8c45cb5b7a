// Package wsframe implements RFC 6455 WebSocket framing over an arbitrary
// bidirectional byte stream.
//
// It covers the frame-granular wire codec, a Connection state machine that
// decides per inbound frame whether to surface it, auto-respond, or reject
// the peer, a FragmentCollector that reassembles a Continuation run into one
// logical message, and the masking transform. The opening HTTP Upgrade
// handshake is included as a demonstrated external collaborator (Upgrade in
// handshake.go); TLS, connection establishment, and extension negotiation
// are not this package's concern.
package wsframe
