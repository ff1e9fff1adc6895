package replication

import (
	"errors"
	"net"
	"sync"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
)

// outboundQueue is the number of frames a connection may fall behind before it is dropped.
const outboundQueue = 1024

var (
	errSlowPeer    = errors.New("outbound queue full")
	errClosedLocal = errors.New("closed locally")
)

// link owns one connection. Frames are written by a dedicated goroutine so that callers
// holding the store never block on the network.
type link struct {
	conn   net.Conn
	out    chan []byte
	logger logger.Logger

	// connCloseCh is closed exactly once, by closeWithError.
	connCloseCh    chan struct{}
	closeOnce      sync.Once
	connCloseError error
}

func newLink(conn net.Conn, log logger.Logger) *link {
	l := &link{
		conn:        conn,
		out:         make(chan []byte, outboundQueue),
		logger:      log,
		connCloseCh: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// send queues a frame. It reports false once the link is closed, and closes a link whose
// queue is full.
func (l *link) send(frame []byte) bool {
	select {
	case <-l.connCloseCh:
		return false
	default:
	}

	select {
	case l.out <- frame:
		return true
	default:
		l.closeWithError(errSlowPeer)
		return false
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.connCloseCh:
			return
		case frame := <-l.out:
			if _, err := l.conn.Write(frame); err != nil {
				l.closeWithError(err)
				return
			}
		}
	}
}

// closeWithError closes the connection, which also unblocks any pending read. Only the
// first error is kept.
func (l *link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.connCloseError = err
		close(l.connCloseCh)
		if cerr := l.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			l.logger.Debug("failed to close connection", "remote", l.remote(), "error", cerr)
		}
	})
}

func (l *link) done() <-chan struct{} {
	return l.connCloseCh
}

// err is only meaningful after done is closed.
func (l *link) err() error {
	return l.connCloseError
}

func (l *link) remote() string {
	if addr := l.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
