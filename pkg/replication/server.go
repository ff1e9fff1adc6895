package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/transport"
)

type ServerOption func(s *Server)

func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithServerPort sets the listening port. Zero picks a free port; see Port.
func WithServerPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithHost restricts the listener to one local address. The default listens on all.
func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

func WithResolver(r IPResolver) ServerOption {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithWebSocket serves over WebSocket and advertises it in the address code.
func WithWebSocket() ServerOption {
	return func(s *Server) {
		s.flags |= FlagWebSocket
	}
}

func WithServerTransport(t transport.Transport) ServerOption {
	return func(s *Server) {
		s.transport = t
	}
}

type peer struct {
	*link
	flags Flags
}

// Server is the inbound replication role. Every peer gets a snapshot when it joins, and
// every mutation a peer sends is applied to the target and relayed to all other peers.
type Server struct {
	target    Target
	logger    logger.Logger
	resolver  IPResolver
	port      int
	host      string
	flags     Flags
	transport transport.Transport

	mu       sync.RWMutex
	listener net.Listener
	peers    map[*peer]struct{}
	pending  map[net.Conn]struct{}
	code     string
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

func NewServer(target Target, opts ...ServerOption) *Server {
	s := &Server{
		target: target,
		port:   constants.DefaultPort,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Default()
	}
	if s.resolver == nil {
		s.resolver = NewHTTPResolver(constants.DefaultIPLookupURL)
	}
	return s
}

// Serve resolves the public address, starts listening and returns. Failing to resolve the
// public address is fatal because no address code could be handed out.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return constants.ErrAlreadyActive
	}

	ip, err := s.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", constants.ErrPublicAddress, err)
	}
	code, err := EncodeAddress(ip, s.flags)
	if err != nil {
		return fmt.Errorf("%w: %v", constants.ErrPublicAddress, err)
	}

	tr := s.transport
	if tr == nil {
		tr = transport.Select(s.flags.Has(FlagWebSocket))
	}
	ln, err := tr.Listen(ctx, net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("replication: listen: %w", err)
	}

	s.listener = ln
	s.code = code
	s.peers = make(map[*peer]struct{})
	s.pending = make(map[net.Conn]struct{})
	s.closed = false
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("serving", "address", ln.Addr().String(), "public", ip.String(), "code", code, "transport", tr.String())
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			if s.isClosed() {
				return
			}
			continue
		}

		if !s.admit(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// admit tracks a connection until its handshake ends so Close can interrupt it.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) admitted(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	var head [1]byte
	_, err := io.ReadFull(conn, head[:])
	s.admitted(conn)
	if err != nil {
		s.logger.Debug("peer left before handshake", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	p := &peer{link: newLink(conn, s.logger), flags: Flags(head[0])}
	ctx := s.context()

	// The snapshot is taken and the peer registered under exclusive access to the store,
	// so the peer sees every later mutation exactly once.
	err = s.target.Do(ctx, func(store *records.Store) error {
		snapshot, err := store.MarshalBinary()
		if err != nil {
			return err
		}
		p.send(Encode(DatabaseInit{Snapshot: snapshot}))
		return s.add(p)
	})
	if err != nil {
		s.logger.Warn("failed to admit peer", "remote", p.remote(), "error", err)
		p.closeWithError(err)
		return
	}
	s.logger.Info("peer joined", "remote", p.remote(), "flags", p.flags.String())

	r := bufio.NewReader(conn)
	for {
		msg, raw, err := ReadFrame(r)
		if err != nil {
			s.drop(p, err)
			return
		}

		switch {
		case msg.Type() == TypeDatabaseInit:
			s.logger.Warn("ignoring snapshot from peer", "remote", p.remote())
			continue
		case p.flags.Has(FlagReadOnly):
			s.logger.Debug("ignoring mutation from read-only peer", "remote", p.remote(), "type", msg.Type().String())
			continue
		}

		err = s.target.Do(ctx, func(store *records.Store) error {
			if err := Apply(store, msg); err != nil {
				return err
			}
			s.broadcast(raw, p)
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to apply message", "remote", p.remote(), "type", msg.Type().String(), "record", msg.Record(), "error", err)
		}
	}
}

func (s *Server) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) add(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.peers == nil {
		return constants.ErrNotConnected
	}
	s.peers[p] = struct{}{}
	return nil
}

func (s *Server) drop(p *peer, err error) {
	p.closeWithError(err)

	s.mu.Lock()
	_, known := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()

	if known && !errors.Is(p.err(), errClosedLocal) {
		s.logger.Info("peer left", "remote", p.remote(), "error", err)
	}
}

// broadcast queues frame for every peer except the sender. It works on a copy of the peer
// set so peers may leave while it runs.
func (s *Server) broadcast(frame []byte, except *peer) int {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p != except {
			peers = append(peers, p)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, p := range peers {
		if p.send(frame) {
			sent++
		} else {
			s.drop(p, p.err())
		}
	}
	return sent
}

// Broadcast queues a locally made mutation for every peer. Call it while holding exclusive
// access to the store, right after applying the mutation.
func (s *Server) Broadcast(m Message) error {
	if !s.Serving() {
		return constants.ErrNotConnected
	}
	s.broadcast(Encode(m), nil)
	return nil
}

// Code is the address code peers connect with. It is empty when not serving.
func (s *Server) Code() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code
}

// Port is the port actually listened on, which differs from the configured one when that
// was zero.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.port
}

func (s *Server) Serving() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.closed
}

func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close stops listening, disconnects every peer and waits for all connection goroutines.
// It must not be called while holding the target, since those goroutines may be waiting
// for it.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.listener == nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	pending := make([]net.Conn, 0, len(s.pending))
	for conn := range s.pending {
		pending = append(pending, conn)
	}
	s.peers = nil
	s.pending = nil
	s.cancel()
	s.mu.Unlock()

	err := ln.Close()
	for _, conn := range pending {
		conn.Close()
	}
	for _, p := range peers {
		p.closeWithError(errClosedLocal)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.listener = nil
	s.code = ""
	s.mu.Unlock()

	s.logger.Info("stopped serving", "peers", len(peers))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
