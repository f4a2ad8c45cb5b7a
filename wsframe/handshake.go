package wsframe

import (
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"net/http"
	"strings"
)

// websocketGUID is the magic GUID from RFC 6455 Section 1.3, appended to
// the client's key before hashing to compute Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Default buffer capacities hinted to the hijacked Connection.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// UpgradeOptions configures WebSocket upgrade behavior. All fields are
// optional; zero values use sensible defaults.
type UpgradeOptions struct {
	// Subprotocols is the list of subprotocols advertised by the server.
	// The server selects the first entry of this list that the client also
	// requested, so server order decides between several matches.
	// Empty means no subprotocol negotiation.
	Subprotocols []string

	// CheckOrigin verifies the Origin header. nil allows all origins,
	// which is insecure for anything but local testing. Return false to
	// reject the connection.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize hints the hijacked Connection's initial read-buffer
	// capacity. Default 4096.
	ReadBufferSize int

	// WriteBufferSize hints the hijacked Connection's initial
	// write-scratch capacity. Default 4096.
	WriteBufferSize int

	// ConnOptions are applied to the Connection after construction, e.g.
	// WithVectored or WithMaxMessageSize.
	ConnOptions []Option
}

// Upgrade upgrades an HTTP request to a WebSocket Connection per RFC 6455
// Section 4: verifies the opening handshake, sends the 101 response,
// hijacks the underlying TCP connection, and wraps it as a RoleServer
// Connection.
//
//nolint:cyclop // one branch per RFC 6455 Section 4.2.1 validation step
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Connection, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = defaultWriteBufferSize
	}

	if r.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, ErrInvalidVersion
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return nil, ErrOriginDenied
	}

	subprotocol := negotiateSubprotocol(r, opts.Subprotocols)
	accept := computeAcceptKey(key)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	// Any bytes the hijacked bufio.Reader already buffered past the
	// request line belong to the WebSocket stream, not the discarded HTTP
	// layer, so they're carried over as the Connection's initial readBuf
	// rather than lost.
	conn := NewConnection(netConn, RoleServer, opts.ConnOptions...)
	if n := bufrw.Reader.Buffered(); n > 0 {
		leftover := make([]byte, n)
		_, _ = bufrw.Reader.Read(leftover)
		conn.readBuf = leftover
	} else {
		conn.readBuf = make([]byte, 0, opts.ReadBufferSize)
	}
	conn.writeScratch = make([]byte, 0, opts.WriteBufferSize)

	return conn, nil
}

// computeAcceptKey computes Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
// per RFC 6455 Section 1.3.
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3, not for cryptographic security
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol selects the first of serverProtos the client also
// requested (RFC 6455 Section 1.9), or "" if none match.
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for i, clientProto := range clientProtos {
		clientProtos[i] = strings.TrimSpace(clientProto)
	}

	for _, serverProto := range serverProtos {
		for _, clientProto := range clientProtos {
			if clientProto == serverProto {
				return serverProto
			}
		}
	}
	return ""
}

// headerContainsToken reports whether header contains token as one of its
// comma-separated entries, case-insensitively (RFC 6455 Section 4.2.1).
func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)

	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}
	return false
}

// CheckSameOrigin is a ready-to-use UpgradeOptions.CheckOrigin that accepts
// requests with no Origin header (non-browser clients) and requests whose
// Origin matches the request's own scheme and host.
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return origin == scheme+"://"+r.Host
}
