package wsframe

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func validUpgradeRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	return req
}

// TestUpgrade_Success checks the headers and accept key are computed
// correctly, up to the point httptest.ResponseRecorder can't hijack.
func TestUpgrade_Success(t *testing.T) {
	req := validUpgradeRequest()
	w := httptest.NewRecorder()

	_, err := Upgrade(w, req, nil)
	if !errors.Is(err, ErrHijackFailed) {
		t.Errorf("expected ErrHijackFailed with httptest.ResponseRecorder, got: %v", err)
	}

	if w.Code != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSwitchingProtocols)
	}
	if got := w.Header().Get("Upgrade"); got != "websocket" {
		t.Errorf("Upgrade header = %q, want %q", got, "websocket")
	}
	if got := w.Header().Get("Connection"); got != "Upgrade" {
		t.Errorf("Connection header = %q, want %q", got, "Upgrade")
	}

	const wantAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := w.Header().Get("Sec-WebSocket-Accept"); got != wantAccept {
		t.Errorf("Sec-WebSocket-Accept = %q, want %q", got, wantAccept)
	}
}

// TestUpgrade_InvalidMethod checks every non-GET method is rejected before
// any header is inspected.
func TestUpgrade_InvalidMethod(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := validUpgradeRequest()
			req.Method = method
			w := httptest.NewRecorder()

			if _, err := Upgrade(w, req, nil); !errors.Is(err, ErrInvalidMethod) {
				t.Errorf("err = %v, want ErrInvalidMethod", err)
			}
		})
	}
}

// TestUpgrade_MissingHeaders checks each required header is independently
// enforced.
func TestUpgrade_MissingHeaders(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *http.Request)
		wantErr error
	}{
		{"missing upgrade", func(r *http.Request) { r.Header.Del("Upgrade") }, ErrMissingUpgrade},
		{"missing connection", func(r *http.Request) { r.Header.Del("Connection") }, ErrMissingConnection},
		{"wrong version", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") }, ErrInvalidVersion},
		{"missing key", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") }, ErrMissingSecKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validUpgradeRequest()
			tt.mutate(req)
			w := httptest.NewRecorder()

			if _, err := Upgrade(w, req, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestUpgrade_CheckOriginRejects checks a CheckOrigin callback returning
// false fails the upgrade with ErrOriginDenied.
func TestUpgrade_CheckOriginRejects(t *testing.T) {
	req := validUpgradeRequest()
	w := httptest.NewRecorder()

	opts := &UpgradeOptions{CheckOrigin: func(*http.Request) bool { return false }}
	if _, err := Upgrade(w, req, opts); !errors.Is(err, ErrOriginDenied) {
		t.Errorf("err = %v, want ErrOriginDenied", err)
	}
}

// TestNegotiateSubprotocol checks that when several subprotocols match, the
// server's first advertised one that the client requested wins.
func TestNegotiateSubprotocol(t *testing.T) {
	req := validUpgradeRequest()
	req.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")

	got := negotiateSubprotocol(req, []string{"superchat", "chat"})
	if got != "superchat" {
		t.Errorf("negotiateSubprotocol = %q, want %q", got, "superchat")
	}
}

// TestHeaderContainsToken checks case-insensitive comma-separated token matching.
func TestHeaderContainsToken(t *testing.T) {
	tests := []struct {
		header, token string
		want          bool
	}{
		{"Upgrade, HTTP/2.0", "upgrade", true},
		{"keep-alive", "upgrade", false},
		{"", "upgrade", false},
	}
	for _, tt := range tests {
		if got := headerContainsToken(tt.header, tt.token); got != tt.want {
			t.Errorf("headerContainsToken(%q, %q) = %v, want %v", tt.header, tt.token, got, tt.want)
		}
	}
}

// TestCheckSameOrigin checks a missing Origin header is accepted (non-browser
// clients) and a mismatched Origin is rejected.
func TestCheckSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", http.NoBody)
	req.Host = "example.com"

	if !CheckSameOrigin(req) {
		t.Error("expected no Origin header to be accepted")
	}

	req.Header.Set("Origin", "http://evil.example")
	if CheckSameOrigin(req) {
		t.Error("expected mismatched Origin to be rejected")
	}

	req.Header.Set("Origin", "http://example.com")
	if !CheckSameOrigin(req) {
		t.Error("expected matching Origin to be accepted")
	}
}
