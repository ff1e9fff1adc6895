// Package transport carries replication byte streams. TCP is the default; the WebSocket
// transport wraps binary messages in a net.Conn so both look the same to the protocol.
package transport

import (
	"context"
	"net"
)

// Transport opens listeners and outbound connections for one kind of stream.
type Transport interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
	String() string
}

// TCP is a raw byte stream with no framing of its own.
type TCP struct {
	Dialer       net.Dialer
	ListenConfig net.ListenConfig
}

var _ Transport = (*TCP)(nil)

func (t *TCP) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return t.ListenConfig.Listen(ctx, "tcp", addr)
}

func (t *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", addr)
}

func (t *TCP) String() string {
	return "tcp"
}

// Select returns the WebSocket transport when websocket is set and TCP otherwise.
func Select(websocket bool) Transport {
	if websocket {
		return NewWebSocket()
	}
	return &TCP{}
}
