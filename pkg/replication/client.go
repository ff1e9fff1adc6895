package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/transport"
)

type ClientOption func(c *Client)

func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientPort overrides the port the address code is assumed to listen on.
func WithClientPort(port int) ClientOption {
	return func(c *Client) {
		c.port = port
	}
}

// WithReadOnly announces the client as read-only. The server ignores its mutations.
func WithReadOnly() ClientOption {
	return func(c *Client) {
		c.flags |= FlagReadOnly
	}
}

// WithClientTransport replaces the transport otherwise chosen from the address code.
func WithClientTransport(t transport.Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
	}
}

// WithDisconnectHandler is called once for every connection that ends for any reason other
// than Close.
func WithDisconnectHandler(fn func(err error)) ClientOption {
	return func(c *Client) {
		c.onDisconnect = fn
	}
}

// Client is the outbound replication role. After Connect it applies every frame the
// server sends to its target, in order, until the connection ends.
type Client struct {
	target       Target
	logger       logger.Logger
	port         int
	flags        Flags
	transport    transport.Transport
	onDisconnect func(err error)

	mu         sync.Mutex
	link       *link
	readDone   chan struct{}
	connecting bool
}

func NewClient(target Target, opts ...ClientOption) *Client {
	c := &Client{
		target: target,
		port:   constants.DefaultPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Default()
	}
	return c
}

// Connect dials the host behind code, announces the client's flags and waits for the
// initial snapshot, which replaces the contents of the target store. Mutations made through
// the target after the snapshot is applied can be sent right away.
func (c *Client) Connect(ctx context.Context, code string) error {
	c.mu.Lock()
	if c.link != nil || c.connecting {
		c.mu.Unlock()
		return constants.ErrAlreadyActive
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	addr, flags := DecodeAddress(code)
	flags |= c.flags
	tr := c.transport
	if tr == nil {
		tr = transport.Select(flags.Has(FlagWebSocket))
	}

	hostport := netip.AddrPortFrom(addr, uint16(c.port)).String()
	conn, err := tr.Dial(ctx, hostport)
	if err != nil {
		return fmt.Errorf("replication: connect to %s: %w", hostport, err)
	}

	l, r, readDone, err := c.handshake(ctx, conn, flags)
	if err != nil {
		conn.Close()
		return err
	}
	go c.readLoop(l, r, readDone)

	c.logger.Info("connected", "remote", hostport, "transport", tr.String(), "flags", flags.String())
	return nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, flags Flags) (*link, *bufio.Reader, chan struct{}, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, nil, nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write([]byte{byte(flags)}); err != nil {
		return nil, nil, nil, fmt.Errorf("replication: send flags: %w", err)
	}

	r := bufio.NewReader(conn)
	msg, _, err := ReadFrame(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: read snapshot: %w", err)
	}
	init, ok := msg.(DatabaseInit)
	if !ok {
		return nil, nil, nil, fmt.Errorf("replication: expected %s, got %s", TypeDatabaseInit, msg.Type())
	}

	// The link goes live under the same exclusive access that applies the snapshot, so no
	// local mutation falls between the two.
	var l *link
	readDone := make(chan struct{})
	err = c.target.Do(ctx, func(store *records.Store) error {
		if err := Apply(store, init); err != nil {
			return err
		}
		l = newLink(conn, c.logger)
		c.mu.Lock()
		c.link = l
		c.readDone = readDone
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: apply snapshot: %w", err)
	}
	return l, r, readDone, nil
}

func (c *Client) readLoop(l *link, r io.Reader, readDone chan struct{}) {
	defer close(readDone)

	for {
		msg, _, err := ReadFrame(r)
		if err != nil {
			c.disconnected(l, err)
			return
		}

		err = c.target.Do(context.Background(), func(store *records.Store) error {
			return Apply(store, msg)
		})
		if err != nil {
			c.logger.Warn("failed to apply message", "type", msg.Type().String(), "record", msg.Record(), "error", err)
		}
	}
}

func (c *Client) disconnected(l *link, err error) {
	l.closeWithError(err)

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	if errors.Is(l.err(), errClosedLocal) {
		return
	}
	if errors.Is(err, io.EOF) {
		c.logger.Info("server closed the connection", "remote", l.remote())
	} else {
		c.logger.Warn("connection lost", "remote", l.remote(), "error", err)
	}
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// Send queues m for the server.
func (c *Client) Send(m Message) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil || !l.send(Encode(m)) {
		return constants.ErrNotConnected
	}
	return nil
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Done is closed when the current connection ends. It is already closed when the client is
// not connected.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.readDone
}

// Close ends the connection and waits for the read loop to exit. Closing a client that is
// not connected is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	l, readDone := c.link, c.readDone
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	l.closeWithError(errClosedLocal)
	<-readDone
	return nil
}
