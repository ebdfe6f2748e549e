// Package transport wraps the raw WebSocket framing this system moves
// wire.Message bytes over, so source and sink share one place that
// knows about gobwas/ws opcodes.
package transport

import (
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WriteFrame sends one binary WebSocket frame carrying an encoded wire
// message.
func WriteFrame(conn net.Conn, data []byte) error {
	return wsutil.WriteServerMessage(conn, ws.OpBinary, data)
}

// WriteClientFrame is WriteFrame's client-role counterpart: gobwas/ws
// requires masking client->server frames differently.
func WriteClientFrame(conn net.Conn, data []byte) error {
	return wsutil.WriteClientMessage(conn, ws.OpBinary, data)
}

// ReadFrame reads one binary WebSocket frame from a server-accepted
// connection, as sent by a client peer.
func ReadFrame(conn net.Conn) ([]byte, error) {
	data, _, err := wsutil.ReadClientData(conn)
	return data, err
}

// ReadServerFrame reads one binary WebSocket frame from a
// client-dialed connection, as sent by the server peer.
func ReadServerFrame(conn net.Conn) ([]byte, error) {
	data, _, err := wsutil.ReadServerData(conn)
	return data, err
}
