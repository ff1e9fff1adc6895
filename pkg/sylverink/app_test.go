package sylverink

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/database"
)

// syncBuffer is written by a command running in the background while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cli struct {
	t    *testing.T
	dir  string
	path string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	return &cli{t: t, dir: dir, path: filepath.Join(dir, "journal.sidb")}
}

func (c *cli) app(out *syncBuffer, args ...string) (*App, Command) {
	c.t.Helper()
	args = append([]string{"-db", c.path, "-log-file", filepath.Join(c.dir, "sylverink.log")}, args...)
	cmd, config, err := Parse(args)
	require.NoError(c.t, err)
	config.Stdout = out

	app, err := New(config)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { app.Close() })
	return app, cmd
}

func (c *cli) runErr(args ...string) (string, error) {
	c.t.Helper()
	out := &syncBuffer{}
	app, cmd := c.app(out, args...)
	err := app.Run(context.Background(), cmd)
	return out.String(), err
}

func (c *cli) run(args ...string) string {
	c.t.Helper()
	out, err := c.runErr(args...)
	require.NoError(c.t, err, "%v", args)
	return out
}

func TestNotesLifecycle(t *testing.T) {
	c := newCLI(t)

	assert.Contains(t, c.run("new"), "created")
	_, err := c.runErr("new")
	assert.Error(t, err)

	assert.Equal(t, "0\n", c.run("add", "buy", "milk"))
	assert.Equal(t, "1\n", c.run("add", "call the plumber"))
	c.run("edit", "0", "buy oat milk")

	list := c.run("show")
	assert.Contains(t, list, "buy oat milk")
	assert.Contains(t, list, "call the plumber")

	full := c.run("show", "0")
	assert.True(t, strings.HasPrefix(full, "buy oat milk\n"))
	assert.Contains(t, full, "1 revisions")

	assert.Equal(t, "1\tcall the plumber\n", c.run("find", "PLUMBER"))
	assert.Equal(t, "replaced 1 occurrences in 1 records\n", c.run("replace", "MILK", "juice"))
	assert.Contains(t, c.run("show", "0"), "buy oat juice")

	c.run("delete", "0")
	assert.Equal(t, "0\tcall the plumber\n", c.run("find", "plumber"))

	_, err = c.runErr("edit", "5", "nothing here")
	assert.ErrorIs(t, err, constants.ErrRecordNotFound)
}

func TestShowAsOf(t *testing.T) {
	c := newCLI(t)
	c.run("new")
	c.run("add", "first draft")
	time.Sleep(20 * time.Millisecond)
	cut := time.Now()
	time.Sleep(20 * time.Millisecond)
	c.run("edit", "0", "second draft")
	c.run("add", "later note")

	at := cut.UTC().Format(time.RFC3339Nano)
	assert.Contains(t, c.run("show", "-at", at, "0"), "first draft")
	list := c.run("show", "-at", at)
	assert.Contains(t, list, "first draft")
	assert.NotContains(t, list, "later note")

	c.run("revert", at)
	list = c.run("show")
	assert.Contains(t, list, "first draft")
	assert.NotContains(t, list, "second draft")
	assert.NotContains(t, list, "later note")
}

func TestExport(t *testing.T) {
	c := newCLI(t)
	c.run("-name", "Journal", "new")
	c.run("add", "apples and pears")
	c.run("edit", "0", "apples and plums")

	var exported exportDatabase
	require.NoError(t, json.Unmarshal([]byte(c.run("export")), &exported))
	assert.Equal(t, "Journal", exported.Name)
	require.Len(t, exported.Records, 1)
	rec := exported.Records[0]
	assert.Equal(t, "apples and plums", rec.Text)
	assert.Equal(t, "apples and pears", rec.Initial)
	require.Len(t, rec.Revisions, 1)
	assert.Equal(t, 12, rec.Revisions[0].StartIndex)
	assert.Equal(t, "lums", rec.Revisions[0].Substring)
	assert.NotEmpty(t, rec.Keywords)

	out := filepath.Join(c.dir, "export.json")
	assert.Empty(t, c.run("export", "-o", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"apples and plums"`)
}

func TestFormatFlag(t *testing.T) {
	c := newCLI(t)
	c.run("-format", "9", "new")
	c.run("add", "hello")

	data, err := os.ReadFile(c.path)
	require.NoError(t, err)
	assert.Equal(t, byte(9), data[4])

	c.run("-format", "14", "add", "again")
	data, err = os.ReadFile(c.path)
	require.NoError(t, err)
	assert.Equal(t, byte(14), data[4])
}

func TestCodeCommand(t *testing.T) {
	c := newCLI(t)
	assert.Equal(t, "127.0.0.1\ttcp\n", c.run("code", "Vn000G"))
	assert.Equal(t, "127.0.0.1\twebsocket\n", c.run("code", "Vn000H"))

	ip := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"127.0.0.1"}`))
	}))
	defer ip.Close()

	assert.Equal(t, "Vn000G\t127.0.0.1:5192\n", c.run("-ip-url", ip.URL, "-port", "5192", "code"))
	assert.Equal(t, "Vn000I\t127.0.0.1:5192\n", c.run("-ip-url", ip.URL, "-port", "5192", "-read-only", "code"))
}

func TestRecoverCommand(t *testing.T) {
	ctx := context.Background()
	c := newCLI(t)
	c.run("new")
	c.run("add", "saved")

	_, err := c.runErr("recover")
	assert.ErrorIs(t, err, constants.ErrNoRecovery)

	// An editor that never saves, as if it crashed.
	crashed, err := database.Open(ctx, c.path, database.WithLogger(quiet{}))
	require.NoError(t, err)
	defer crashed.Close()
	_, err = crashed.CreateRecord(ctx, "unsaved")
	require.NoError(t, err)
	require.NoError(t, crashed.Autosave(ctx))

	assert.Contains(t, c.run("recover"), "recovered session")
	assert.Contains(t, c.run("show"), "unsaved")
}

func TestServeUntilInterrupted(t *testing.T) {
	c := newCLI(t)
	c.run("new")
	c.run("add", "shared")

	ip := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("127.0.0.1"))
	}))
	defer ip.Close()

	out := &syncBuffer{}
	app, cmd := c.app(out, "-ip-url", ip.URL, "-port", "0", "serve", "-autosave", "0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, cmd) }()

	assert.Eventually(t, func() bool { return out.String() == "Vn000G\n" }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, c.run("show"), "shared")
}

type quiet struct{}

func (quiet) Error(msg string, args ...any) {}
func (quiet) Warn(msg string, args ...any)  {}
func (quiet) Info(msg string, args ...any)  {}
func (quiet) Debug(msg string, args ...any) {}
