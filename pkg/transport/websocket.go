package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
)

const closeTimeout = time.Second

// WebSocket carries the stream as binary WebSocket messages on constants.SyncPath. Its
// listener also answers health checks on constants.HealthPath.
type WebSocket struct {
	Dialer   *gorilla.Dialer
	Upgrader gorilla.Upgrader
	Logger   logger.Logger
}

var _ Transport = (*WebSocket)(nil)

func NewWebSocket() *WebSocket {
	return &WebSocket{
		Dialer: &gorilla.Dialer{
			Proxy:            gorilla.DefaultDialer.Proxy,
			HandshakeTimeout: gorilla.DefaultDialer.HandshakeTimeout,
		},
		Upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Logger: logger.Default(),
	}
}

func (t *WebSocket) String() string {
	return "websocket"
}

func (t *WebSocket) Dial(ctx context.Context, addr string) (net.Conn, error) {
	u := url.URL{Scheme: constants.WebsocketScheme, Host: addr, Path: constants.SyncPath}
	ws, res, err := t.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.String(), err)
	}
	res.Body.Close()
	return newConn(ws), nil
}

func (t *WebSocket) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &listener{
		ln:       ln,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
		upgrader: t.Upgrader,
		logger:   t.Logger,
	}
	if l.logger == nil {
		l.logger = logger.Default()
	}

	r := mux.NewRouter()
	r.Use(l.logRequests)
	r.Methods(http.MethodGet).Path(constants.SyncPath).HandlerFunc(l.sync)
	r.Methods(http.MethodGet).Path(constants.HealthPath).HandlerFunc(l.health)
	l.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket listener stopped", "error", err)
		}
	}()
	return l, nil
}

type listener struct {
	ln       net.Listener
	server   *http.Server
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
	upgrader gorilla.Upgrader
	logger   logger.Logger
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections already handed out stay open.
func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *listener) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		l.logger.Debug("handled", "method", request.Method, "url", request.URL.String(), "duration", m.Duration, "status", m.Code)
	})
}

func (l *listener) sync(writer http.ResponseWriter, request *http.Request) {
	ws, err := l.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		l.logger.Warn("failed to upgrade", "remote", request.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws)
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

type healthReply struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
}

func (l *listener) health(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(healthReply{Status: "ok", Transport: "websocket"}); err != nil {
		l.logger.Warn("failed to write health reply", "error", err)
	}
}

// conn presents a WebSocket as a byte stream. Message boundaries are not preserved.
type conn struct {
	ws *gorilla.Conn

	readLock sync.Mutex
	reader   io.Reader

	writeLock sync.Mutex
	closeOnce sync.Once
}

var _ net.Conn = (*conn)(nil)

func newConn(ws *gorilla.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translate(err)
			}
			if typ != gorilla.BinaryMessage && typ != gorilla.TextMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.ws.WriteMessage(gorilla.BinaryMessage, p); err != nil {
		return 0, translate(err)
	}
	return len(p), nil
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		_ = c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// translate reports an orderly close as io.EOF, like a TCP stream would.
func translate(err error) error {
	if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
		return io.EOF
	}
	if errors.Is(err, gorilla.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}
