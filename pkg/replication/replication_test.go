package replication

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/transport"
)

type mockLogger struct{}

func (mockLogger) Error(msg string, args ...any) {}
func (mockLogger) Warn(msg string, args ...any)  {}
func (mockLogger) Info(msg string, args ...any)  {}
func (mockLogger) Debug(msg string, args ...any) {}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type ReplicationTestSuite struct {
	suite.Suite
	name      string
	websocket bool

	store  *records.Store
	target *StoreTarget
	server *Server
}

func TestReplicationTestSuite(t *testing.T) {
	for _, ws := range []bool{false, true} {
		ts := new(ReplicationTestSuite)
		ts.websocket = ws
		ts.name = "TCP"
		if ws {
			ts.name = "WebSocket"
		}
		t.Run(ts.name, func(t *testing.T) {
			suite.Run(t, ts)
		})
	}
}

func (s *ReplicationTestSuite) SetupTest() {
	s.store = records.NewStore(records.WithLogger(mockLogger{}), records.WithName("shared"))
	for _, text := range []string{"zero", "one", "two"} {
		s.store.CreateRecord(text)
	}
	s.target = NewStoreTarget(s.store)

	opts := []ServerOption{
		WithServerLogger(mockLogger{}),
		WithResolver(StaticResolver(loopback)),
		WithServerPort(0),
	}
	if s.websocket {
		opts = append(opts, WithWebSocket())
	}
	s.server = NewServer(s.target, opts...)
	s.Require().NoError(s.server.Serve(context.Background()))
}

func (s *ReplicationTestSuite) TearDownTest() {
	s.Require().NoError(s.server.Close())
}

type rawPeer struct {
	conn  net.Conn
	r     *bufio.Reader
	store *records.Store
}

// dialRaw connects without a Client, sends flags and applies the snapshot to a fresh store.
func (s *ReplicationTestSuite) dialRaw(flags Flags) *rawPeer {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := transport.Select(s.websocket).Dial(ctx, s.addr())
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte{byte(flags)})
	s.Require().NoError(err)

	p := &rawPeer{conn: conn, r: bufio.NewReader(conn), store: records.NewStore(records.WithLogger(mockLogger{}))}
	msg := p.next(s.T())
	s.Require().Equal(TypeDatabaseInit, msg.Type())
	s.Require().NoError(Apply(p.store, msg))
	return p
}

func (p *rawPeer) next(t *testing.T) Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	msg, _, err := ReadFrame(p.r)
	require.NoError(t, err)
	return msg
}

func (p *rawPeer) send(t *testing.T, m Message) {
	t.Helper()
	_, err := p.conn.Write(Encode(m))
	require.NoError(t, err)
}

func (s *ReplicationTestSuite) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.server.Port()))
}

func (s *ReplicationTestSuite) connect(opts ...ClientOption) (*Client, *StoreTarget) {
	target := NewStoreTarget(records.NewStore(records.WithLogger(mockLogger{})))
	opts = append([]ClientOption{WithClientLogger(mockLogger{}), WithClientPort(s.server.Port())}, opts...)
	c := NewClient(target, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(c.Connect(ctx, s.server.Code()))
	s.T().Cleanup(func() { c.Close() })
	return c, target
}

func inspect[T any](target Target, fn func(store *records.Store) T) T {
	var out T
	_ = target.Do(context.Background(), func(store *records.Store) error {
		out = fn(store)
		return nil
	})
	return out
}

func locked(index int) func(store *records.Store) bool {
	return func(store *records.Store) bool {
		r, ok := store.Record(index)
		return ok && r.Locked()
	}
}

func current(index int) func(store *records.Store) string {
	return func(store *records.Store) string {
		r, ok := store.Record(index)
		if !ok {
			return ""
		}
		return r.Current()
	}
}

func (s *ReplicationTestSuite) TestCodeAdvertisesTransport() {
	addr, flags := DecodeAddress(s.server.Code())
	s.Equal(loopback, addr)
	s.Equal(s.websocket, flags.Has(FlagWebSocket))
	s.True(s.server.Serving())
}

func (s *ReplicationTestSuite) TestClientReceivesSnapshot() {
	_, target := s.connect()

	s.Equal(3, inspect(target, (*records.Store).Count))
	s.Equal("shared", inspect(target, (*records.Store).Name))
	s.Equal("two", inspect(target, current(2)))
	s.Eventually(func() bool { return s.server.Peers() == 1 }, waitFor, tick)
}

func (s *ReplicationTestSuite) TestLockIsRelayedButNotEchoed() {
	a := s.dialRaw(0)
	s.Equal(3, a.store.Count())

	b, bTarget := s.connect()
	a.send(s.T(), RecordLock{Index: 2})

	s.Eventually(func() bool { return inspect(bTarget, locked(2)) }, waitFor, tick)
	s.True(inspect(s.target, locked(2)))

	err := bTarget.Do(context.Background(), func(store *records.Store) error {
		index := store.CreateRecord("from b")
		return b.Send(RecordAdd{Index: int32(index), Text: "from b"})
	})
	s.Require().NoError(err)

	s.Equal(RecordAdd{Index: 3, Text: "from b"}, a.next(s.T()))
	s.Eventually(func() bool { return inspect(s.target, current(3)) == "from b" }, waitFor, tick)
}

func (s *ReplicationTestSuite) TestEmptyRecordAddIsRelayed() {
	a := s.dialRaw(0)
	b := s.dialRaw(0)

	a.send(s.T(), RecordAdd{Index: 3})

	s.Equal(RecordAdd{Index: 3, Text: ""}, b.next(s.T()))
	s.Eventually(func() bool { return inspect(s.target, (*records.Store).Count) == 4 }, waitFor, tick)
	found := inspect(s.target, func(store *records.Store) bool {
		r, ok := store.Record(3)
		return ok && r.Initial() == "" && r.RevisionCount() == 0
	})
	s.True(found)
	s.Equal("", inspect(s.target, current(3)))
}

func (s *ReplicationTestSuite) TestRevisionReachesEveryPeer() {
	a, aTarget := s.connect()
	_, bTarget := s.connect()

	err := aTarget.Do(context.Background(), func(store *records.Store) error {
		if err := store.CreateRevision(1, "one, revised"); err != nil {
			return err
		}
		return a.Send(TextInsert{Index: 1, Text: "one, revised"})
	})
	s.Require().NoError(err)

	s.Eventually(func() bool { return inspect(bTarget, current(1)) == "one, revised" }, waitFor, tick)
	s.Equal("one, revised", inspect(s.target, current(1)))
}

func (s *ReplicationTestSuite) TestServerBroadcast() {
	_, target := s.connect()

	err := s.target.Do(context.Background(), func(store *records.Store) error {
		if err := store.DeleteRecord(0); err != nil {
			return err
		}
		return s.server.Broadcast(RecordRemove{Index: 0})
	})
	s.Require().NoError(err)

	s.Eventually(func() bool { return inspect(target, (*records.Store).Count) == 2 }, waitFor, tick)
	s.Equal("one", inspect(target, current(0)))
}

func (s *ReplicationTestSuite) TestReadOnlyPeerIsIgnored() {
	ro := s.dialRaw(FlagReadOnly)
	ro.send(s.T(), RecordAdd{Index: 3, Text: "ignored"})
	ro.send(s.T(), RecordLock{Index: 0})

	s.Never(func() bool {
		return inspect(s.target, (*records.Store).Count) != 3 || inspect(s.target, locked(0))
	}, 300*time.Millisecond, tick)

	// Read-only peers still follow everyone else.
	err := s.target.Do(context.Background(), func(store *records.Store) error {
		store.CreateRecord("for everyone")
		return s.server.Broadcast(RecordAdd{Index: 3, Text: "for everyone"})
	})
	s.Require().NoError(err)
	s.Equal(RecordAdd{Index: 3, Text: "for everyone"}, ro.next(s.T()))
}

func (s *ReplicationTestSuite) TestSnapshotFromPeerIsIgnored() {
	p := s.dialRaw(0)
	p.send(s.T(), DatabaseInit{})

	s.Never(func() bool { return inspect(s.target, (*records.Store).Count) != 3 }, 300*time.Millisecond, tick)
	s.Eventually(func() bool { return s.server.Peers() == 1 }, waitFor, tick)
}

func (s *ReplicationTestSuite) TestFailedMessageIsNotRelayed() {
	a := s.dialRaw(0)
	b := s.dialRaw(0)

	a.send(s.T(), TextInsert{Index: 42, Text: "nowhere"})
	a.send(s.T(), RecordUnlock{Index: 1})

	s.Equal(RecordUnlock{Index: 1}, b.next(s.T()))
}

func (s *ReplicationTestSuite) TestCloseDisconnectsClients() {
	lost := make(chan error, 1)
	c, _ := s.connect(WithDisconnectHandler(func(err error) { lost <- err }))

	s.Require().NoError(s.server.Close())
	s.False(s.server.Serving())
	s.Empty(s.server.Code())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		s.FailNow("client not disconnected")
	}
	select {
	case <-lost:
	case <-time.After(waitFor):
		s.FailNow("disconnect handler not called")
	}
	s.False(c.Connected())
	s.ErrorIs(c.Send(RecordLock{}), constants.ErrNotConnected)
	s.ErrorIs(s.server.Broadcast(RecordLock{}), constants.ErrNotConnected)
}

func (s *ReplicationTestSuite) TestCloseDuringHandshake() {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := transport.Select(s.websocket).Dial(ctx, s.addr())
	s.Require().NoError(err)
	defer conn.Close()

	closed := make(chan error, 1)
	go func() { closed <- s.server.Close() }()

	select {
	case err := <-closed:
		s.NoError(err)
	case <-time.After(waitFor):
		s.FailNow("close blocked on a silent peer")
	}
}

func (s *ReplicationTestSuite) TestServeAndConnectTwice() {
	s.ErrorIs(s.server.Serve(context.Background()), constants.ErrAlreadyActive)

	c, _ := s.connect()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.ErrorIs(c.Connect(ctx, s.server.Code()), constants.ErrAlreadyActive)
}

func (s *ReplicationTestSuite) TestClientCloseIsQuiet() {
	called := make(chan error, 1)
	c, _ := s.connect(WithDisconnectHandler(func(err error) { called <- err }))
	s.Eventually(func() bool { return s.server.Peers() == 1 }, waitFor, tick)

	s.Require().NoError(c.Close())
	s.Require().NoError(c.Close())
	s.Eventually(func() bool { return s.server.Peers() == 0 }, waitFor, tick)
	s.Empty(called)
}

func TestServeWithoutPublicAddress(t *testing.T) {
	srv := NewServer(NewStoreTarget(records.NewStore()), WithServerLogger(mockLogger{}),
		WithResolver(StaticResolver(netip.Addr{})), WithServerPort(0))
	require.ErrorIs(t, srv.Serve(context.Background()), constants.ErrPublicAddress)
	require.False(t, srv.Serving())
	require.NoError(t, srv.Close())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient(NewStoreTarget(records.NewStore()), WithClientLogger(mockLogger{}), WithClientPort(port))
	code, err := EncodeAddress(loopback, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.Error(t, c.Connect(ctx, code))
	require.False(t, c.Connected())
	<-c.Done()
}
