// Package main runs a demonstration WebSocket echo server on wsframe.
//
// Besides the per-connection echo loop it also broadcasts every inbound
// Text message to every other currently-connected client, adapting the
// library's former in-package Hub broadcaster into this demonstration
// binary instead: message routing across connections is explicitly out of
// wsframe's scope, so the fan-out now lives here, above the library.
//
// Run with: go run ./cmd/echo
// Test with: wscat -c ws://localhost:8080/ws
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coregx/wsframe/wsframe"
)

// connSet tracks the set of live connections so inbound Text messages can
// be broadcast to every client but the one that sent them. It replaces the
// channel-driven websocket.Hub from the library this was adapted from with
// a plain mutex-guarded set, since a demonstration binary has no need for
// Hub's own goroutine/event-loop lifecycle.
type connSet struct {
	mu      chan struct{} // 1-buffered: acts as a trylock-free mutex
	clients map[*wsframe.Connection]bool
}

func newConnSet() *connSet {
	s := &connSet{mu: make(chan struct{}, 1), clients: make(map[*wsframe.Connection]bool)}
	s.mu <- struct{}{}
	return s
}

func (s *connSet) lock()   { <-s.mu }
func (s *connSet) unlock() { s.mu <- struct{}{} }

func (s *connSet) add(c *wsframe.Connection) {
	s.lock()
	defer s.unlock()
	s.clients[c] = true
}

func (s *connSet) remove(c *wsframe.Connection) {
	s.lock()
	defer s.unlock()
	delete(s.clients, c)
}

// broadcast sends data as a Text message to every client except from.
func (s *connSet) broadcast(data []byte, from *wsframe.Connection) {
	s.lock()
	defer s.unlock()
	for c := range s.clients {
		if c == from {
			continue
		}
		if err := c.WriteText(data); err != nil {
			slog.Warn("broadcast write failed", "error", err)
		}
	}
}

func main() {
	clients := newConnSet()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, clients)
	})

	server := &http.Server{Addr: ":8080", Handler: mux}

	go func() {
		slog.Info("starting websocket echo server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// handleWebSocket upgrades the request, registers the connection for
// broadcast, and runs an echo-plus-broadcast loop until the peer closes or
// a protocol error ends the connection.
func handleWebSocket(w http.ResponseWriter, r *http.Request, clients *connSet) {
	conn, err := wsframe.Upgrade(w, r, &wsframe.UpgradeOptions{
		ConnOptions: []wsframe.Option{wsframe.WithVectored(true)},
	})
	if err != nil {
		slog.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
		return
	}

	slog.Info("client connected", "remote", r.RemoteAddr)
	clients.add(conn)
	defer clients.remove(conn)

	fc := wsframe.NewFragmentCollector(conn)
	for {
		f, err := fc.ReadFrame()
		if err != nil {
			slog.Info("client disconnected", "remote", r.RemoteAddr, "error", err)
			return
		}

		switch f.Opcode {
		case wsframe.OpClose:
			slog.Info("client closed", "remote", r.RemoteAddr)
			return
		case wsframe.OpText:
			slog.Debug("received text message", "bytes", len(f.Payload))
			if err := conn.WriteText(f.Payload); err != nil {
				slog.Warn("echo write failed", "error", err)
				return
			}
			clients.broadcast(f.Payload, conn)
		case wsframe.OpBinary:
			slog.Debug("received binary message", "bytes", len(f.Payload))
			if err := conn.WriteBinary(f.Payload); err != nil {
				slog.Warn("echo write failed", "error", err)
				return
			}
		}
	}
}
