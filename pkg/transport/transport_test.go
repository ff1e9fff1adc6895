package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

type mockLogger struct{}

func (mockLogger) Error(msg string, args ...any) {}
func (mockLogger) Warn(msg string, args ...any)  {}
func (mockLogger) Info(msg string, args ...any)  {}
func (mockLogger) Debug(msg string, args ...any) {}

func quietWebSocket() *WebSocket {
	ws := NewWebSocket()
	ws.Logger = mockLogger{}
	return ws
}

// exchange dials ln through tr, sends two writes and reads them back as one stream on the
// accepting side before echoing a reply.
func exchange(t *testing.T, tr Transport, ln net.Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = client.Write([]byte("world"))
	require.NoError(t, err)

	var server net.Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	_, err = server.Write([]byte{0x2a})
	require.NoError(t, err)
	reply := make([]byte, 1)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x2a), reply[0])
}

func TestTCPExchange(t *testing.T) {
	tr := &TCP{}
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	exchange(t, tr, ln)
}

func TestWebSocketExchange(t *testing.T) {
	tr := quietWebSocket()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	exchange(t, tr, ln)
}

func TestWebSocketCloseIsEOF(t *testing.T) {
	tr := quietWebSocket()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, client.Close())
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	server.Close()
}

func TestWebSocketHealth(t *testing.T) {
	ln, err := quietWebSocket().Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	res, err := http.Get("http://" + ln.Addr().String() + constants.HealthPath)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	var reply healthReply
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reply))
	assert.Equal(t, "ok", reply.Status)
}

func TestWebSocketAcceptAfterClose(t *testing.T) {
	ln, err := quietWebSocket().Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())

	_, err = ln.Accept()
	assert.True(t, errors.Is(err, net.ErrClosed))
}

func TestSelect(t *testing.T) {
	assert.Equal(t, "tcp", Select(false).String())
	assert.Equal(t, "websocket", Select(true).String())
}
