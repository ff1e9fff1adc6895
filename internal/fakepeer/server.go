// Package fakepeer provides a fake replication server for testing clients.
// It speaks the replication frame protocol over plain TCP and can inject failures
// into every frame it sends, including the initial snapshot.
//
// To flexibly inject failures, set failure configurations that specify how a frame
// fails (e.g., delays, invalid frames, TCP resets) and how often.
package fakepeer

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/replication"
)

// cryptoRandInt generates a cryptographically secure random integer in [0, max)
func cryptoRandInt(rMax int) int {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(rMax)))
	return int(n.Int64())
}

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

// FailureType represents the type of failure to inject when sending a frame
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureFrameDelay delays the frame, then sends it unchanged
	FailureFrameDelay FailureType = "frame_delay"
	// FailureInvalidFrame sends random bytes behind an unknown type byte instead of the frame
	FailureInvalidFrame FailureType = "invalid_frame"
	// FailureTCPReset forcefully resets the TCP connection
	FailureTCPReset FailureType = "tcp_reset"
	// FailureDropConnection closes the connection instead of sending the frame
	FailureDropConnection FailureType = "drop_connection"
	// FailurePartialFrame sends the first half of the frame and then closes the connection
	FailurePartialFrame FailureType = "partial_frame"
	// FailureCorruptedFrame sends the frame with its type byte overwritten
	FailureCorruptedFrame FailureType = "corrupted_frame"
)

// FailureConfig configures one kind of failure.
type FailureConfig struct {
	Type FailureType
	// Probability of applying the failure to a frame, from 0 to 1
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// errInjected ends a connection after a failure that closed it.
var errInjected = errors.New("failure injected")

// Server is a fake replication server. It answers every joining client with Snapshot,
// records whatever the clients send and forwards frames to them on request.
type Server struct {
	addr     string
	snapshot []byte
	listener net.Listener

	mu       sync.Mutex
	failures []FailureConfig
	conns    map[net.Conn]replication.Flags
	received []replication.Message
	notify   chan struct{}

	wg sync.WaitGroup
}

// NewServer creates a new fake server that hands out snapshot to every client.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string, snapshot []byte) *Server {
	return &Server{
		addr:     addr,
		snapshot: snapshot,
		conns:    make(map[net.Conn]replication.Flags),
		notify:   make(chan struct{}),
	}
}

// SetFailures sets the failure configurations checked for every frame sent from now on.
func (s *Server) SetFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = failures
}

// Start starts the server and begins accepting connections.
// Returns an error if the server cannot bind to the specified address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("Server error: %v", err)
				}
				return
			}
			s.wg.Add(1)
			go s.handle(conn)
		}
	}()

	return nil
}

// Stop closes the listener and every connection, then waits for them to wind down.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Address returns the actual address the server is listening on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the port the server is listening on, or zero before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Flags returns the flags announced by the connected clients.
func (s *Server) Flags() []replication.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]replication.Flags, 0, len(s.conns))
	for _, f := range s.conns {
		out = append(out, f)
	}
	return out
}

// Received returns every message the clients have sent so far.
func (s *Server) Received() []replication.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]replication.Message, len(s.received))
	copy(out, s.received)
	return out
}

// WaitReceived blocks until at least n messages arrived or the timeout passes.
func (s *Server) WaitReceived(n int, timeout time.Duration) ([]replication.Message, error) {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got, notify := len(s.received), s.notify
		s.mu.Unlock()
		if got >= n {
			return s.Received(), nil
		}
		select {
		case <-notify:
		case <-deadline:
			return s.Received(), fmt.Errorf("got %d of %d messages", got, n)
		}
	}
}

// Send writes m to every connected client, subject to the configured failures.
func (s *Server) Send(m replication.Message) {
	frame := replication.Encode(m)

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := s.write(conn, frame); err != nil {
			s.drop(conn)
		}
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	var head [1]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = replication.Flags(head[0])
	s.mu.Unlock()
	defer s.drop(conn)

	if err := s.write(conn, replication.Encode(replication.DatabaseInit{Snapshot: s.snapshot})); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		msg, _, err := replication.ReadFrame(r)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		close(s.notify)
		s.notify = make(chan struct{})
		s.mu.Unlock()
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) write(conn net.Conn, frame []byte) error {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()

	for _, failure := range failures {
		if shouldTriggerFailure(failure.Probability) {
			if replaced, err := applyFailure(conn, failure, frame); replaced {
				return err
			}
		}
	}

	_, err := conn.Write(frame)
	return err
}

// applyFailure reports whether the failure took the place of the frame.
func applyFailure(conn net.Conn, failure FailureConfig, frame []byte) (bool, error) {
	switch failure.Type {
	case FailureFrameDelay:
		time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))

	case FailureInvalidFrame:
		data := make([]byte, 32)
		if _, err := rand.Read(data); err != nil {
			log.Printf("Error generating invalid frame: %v", err)
		}
		data[0] = 0xff
		_, err := conn.Write(data)
		return true, err

	case FailureTCPReset:
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetLinger(0); err != nil {
				log.Printf("Error setting TCP linger: %v", err)
			}
		}
		conn.Close()
		return true, errInjected

	case FailureDropConnection:
		conn.Close()
		return true, errInjected

	case FailurePartialFrame:
		if _, err := conn.Write(frame[:len(frame)/2]); err != nil {
			return true, err
		}
		conn.Close()
		return true, errInjected

	case FailureCorruptedFrame:
		data := make([]byte, len(frame))
		copy(data, frame)
		data[0] = byte(0x80 + cryptoRandInt(0x7f))
		_, err := conn.Write(data)
		return true, err
	}

	return false, nil
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt(int(dMax-dMin)))
}
