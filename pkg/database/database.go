// Package database is the handle an application holds on one open note database. It owns
// the record store and runs every access to it on a single owner goroutine, keeps the file
// and its backups up to date, and forwards local mutations to the active replication role.
package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/replication"
)

type Option func(d *Database)

func WithLogger(l logger.Logger) Option {
	return func(d *Database) {
		d.log = l
	}
}

// WithPath sets the file Save writes to. Open sets it to the file it loaded.
func WithPath(path string) Option {
	return func(d *Database) {
		d.path = path
	}
}

// WithStoreOptions is passed to the record store.
func WithStoreOptions(opts ...records.Option) Option {
	return func(d *Database) {
		d.storeOpts = append(d.storeOpts, opts...)
	}
}

// WithRefresh registers fn to run after every change, local or remote. Requests made while
// one is pending are merged, so fn may see several changes at once. fn runs on its own
// goroutine and may use the database.
func WithRefresh(fn func()) Option {
	return func(d *Database) {
		d.refresh = fn
	}
}

// WithAutosave writes the autosave file every interval while there are unsaved changes.
func WithAutosave(interval time.Duration) Option {
	return func(d *Database) {
		d.autosave = interval
	}
}

type Database struct {
	owner     *Owner
	store     *records.Store
	path      string
	log       logger.Logger
	storeOpts []records.Option

	// session is the lock file written for the current unsaved changes. Owner only.
	session *Session
	// previous is the lock file found by Open.
	previous *Session
	// pending is set while the backups of previous are on disk and not yet recovered. No
	// session of our own starts then, so they are never overwritten or removed. Owner only.
	pending bool

	roleMu sync.Mutex
	role   atomic.Pointer[role]

	refresh   func()
	refreshCh chan struct{}
	autosave  time.Duration

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ replication.Target = (*Database)(nil)

func newDatabase(opts []Option) *Database {
	d := &Database{}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.Default()
	}
	return d
}

// New returns an empty database. It has no file until WithPath is given.
func New(name string, opts ...Option) *Database {
	d := newDatabase(opts)
	d.store = records.NewStore(append([]records.Option{records.WithName(name), records.WithLogger(d.log)}, d.storeOpts...)...)
	d.start()
	return d
}

// Open loads the database stored at path. A session lock file left next to it is reported
// through RecoveryAvailable.
func Open(ctx context.Context, path string, opts ...Option) (*Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := newDatabase(append(opts, WithPath(path)))
	d.store = records.NewStore(append([]records.Option{records.WithLogger(d.log)}, d.storeOpts...)...)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer f.Close()

	if err := d.store.Deserialize(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	previous, err := readSession(path)
	switch {
	case err == nil:
		d.previous = previous
		if _, err := os.Stat(autosavePath(path)); err == nil {
			d.pending = true
		}
		d.log.Warn("previous session ended without saving", "path", path, "pid", previous.PID, "host", previous.Host, "started", previous.Started)
	case !errors.Is(err, os.ErrNotExist):
		d.log.Warn("ignoring unreadable session lock", "path", path, "error", err)
	}

	d.start()
	return d, nil
}

func (d *Database) start() {
	d.owner = NewOwner()
	d.quit = make(chan struct{})

	if d.refresh != nil {
		d.refreshCh = make(chan struct{}, 1)
		d.wg.Add(1)
		go d.refreshLoop()
	}
	if d.autosave > 0 && d.path != "" {
		d.wg.Add(1)
		go d.autosaveLoop()
	}
}

func (d *Database) refreshLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case <-d.refreshCh:
			d.refresh()
		}
	}
}

func (d *Database) requestRefresh() {
	if d.refreshCh == nil {
		return
	}
	select {
	case d.refreshCh <- struct{}{}:
	default:
	}
}

func (d *Database) autosaveLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.autosave)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			err := d.Autosave(context.Background())
			switch {
			case err == nil, errors.Is(err, constants.ErrDatabaseClosed):
			case errors.Is(err, constants.ErrRecoveryPending):
				d.log.Debug("autosave skipped", "path", autosavePath(d.path), "error", err)
			default:
				d.log.Warn("autosave failed", "path", autosavePath(d.path), "error", err)
			}
		}
	}
}

// Path is the file the database saves to, if any.
func (d *Database) Path() string { return d.path }

// View runs fn on the owner goroutine. fn must not keep the store or its records.
func (d *Database) View(ctx context.Context, fn func(store *records.Store) error) error {
	return d.owner.Do(ctx, func() error {
		return fn(d.store)
	})
}

// Do implements replication.Target. Changes made by fn are treated like local ones except
// that they are not forwarded.
func (d *Database) Do(ctx context.Context, fn func(store *records.Store) error) error {
	return d.owner.Do(ctx, func() error {
		err := fn(d.store)
		d.changed()
		return err
	})
}

// mutate runs fn on the owner goroutine and forwards the message it returns, if any.
func (d *Database) mutate(ctx context.Context, fn func(store *records.Store) (replication.Message, error)) error {
	return d.owner.Do(ctx, func() error {
		m, err := fn(d.store)
		if err != nil {
			return err
		}
		d.changed()
		if m != nil {
			d.forward(m)
		}
		return nil
	})
}

// changed runs on the owner goroutine after every mutation.
func (d *Database) changed() {
	if d.store.Changed() {
		d.beginSession()
	}
	d.requestRefresh()
}

func (d *Database) forward(m replication.Message) {
	r := d.role.Load()
	if r == nil {
		return
	}
	if err := r.forward(m); err != nil {
		d.log.Debug("mutation not forwarded", "type", m.Type().String(), "error", err)
	}
}

// CreateRecord appends a record and returns its index.
func (d *Database) CreateRecord(ctx context.Context, text string) (int, error) {
	var index int
	err := d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		index = s.CreateRecord(text)
		return replication.RecordAdd{Index: int32(index), Text: text}, nil
	})
	return index, err
}

func (d *Database) CreateRevision(ctx context.Context, index int, text string) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		if err := s.CreateRevision(index, text); err != nil {
			return nil, err
		}
		return replication.TextInsert{Index: int32(index), Text: text}, nil
	})
}

func (d *Database) DeleteRecord(ctx context.Context, index int) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		if err := s.DeleteRecord(index); err != nil {
			return nil, err
		}
		return replication.RecordRemove{Index: int32(index)}, nil
	})
}

// Replace substitutes old with repl in every record, ignoring case.
func (d *Database) Replace(ctx context.Context, old, repl string) (occurrences, affected int, err error) {
	err = d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		occurrences, affected = s.Replace(old, repl)
		if affected == 0 {
			return nil, nil
		}
		return replication.RecordReplace{Old: old, New: repl}, nil
	})
	return occurrences, affected, err
}

// Revert discards everything created after t. It is local only; peers keep their history.
func (d *Database) Revert(ctx context.Context, t time.Time) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		s.Revert(t)
		return nil, nil
	})
}

func (d *Database) Lock(ctx context.Context, index int) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		if err := s.Lock(index); err != nil {
			return nil, err
		}
		return replication.RecordLock{Index: int32(index)}, nil
	})
}

func (d *Database) Unlock(ctx context.Context, index int) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		if err := s.Unlock(index); err != nil {
			return nil, err
		}
		return replication.RecordUnlock{Index: int32(index)}, nil
	})
}

// Sort changes the display order only.
func (d *Database) Sort(ctx context.Context, mode records.SortMode) error {
	return d.mutate(ctx, func(s *records.Store) (replication.Message, error) {
		s.Sort(mode)
		return nil, nil
	})
}

// Changed reports whether there are unsaved changes.
func (d *Database) Changed(ctx context.Context) (bool, error) {
	var changed bool
	err := d.View(ctx, func(s *records.Store) error {
		changed = s.Changed()
		return nil
	})
	return changed, err
}

// Save writes the database to its file and ends the current session, removing the lock
// and autosave files. Backups of an earlier session that were not recovered stay.
func (d *Database) Save(ctx context.Context) error {
	return d.owner.Do(ctx, func() error {
		if d.path == "" {
			return constants.ErrNoPath
		}
		if err := d.write(d.path); err != nil {
			return fmt.Errorf("saving %s: %w", d.path, err)
		}
		d.store.MarkSaved()
		d.endSession()
		d.requestRefresh()
		return nil
	})
}

// Autosave writes the unsaved state next to the database file. It does nothing when there
// is nothing unsaved, and fails with constants.ErrRecoveryPending while the autosave of an
// earlier session has not been recovered.
func (d *Database) Autosave(ctx context.Context) error {
	return d.owner.Do(ctx, func() error {
		if d.path == "" {
			return constants.ErrNoPath
		}
		if !d.store.Changed() {
			return nil
		}
		if d.pending {
			return constants.ErrRecoveryPending
		}
		d.beginSession()
		if err := d.write(autosavePath(d.path)); err != nil {
			return fmt.Errorf("autosaving %s: %w", d.path, err)
		}
		return nil
	})
}

// write retries once when the compression test cached by the store no longer holds; the
// store has switched to an uncompressed format by then.
func (d *Database) write(path string) error {
	err := writeFile(path, d.store.Serialize)
	if errors.Is(err, constants.ErrCapacityExceeded) {
		err = writeFile(path, d.store.Serialize)
	}
	return err
}

// RecoveryAvailable reports whether the previous session ended without saving and left an
// autosave behind.
func (d *Database) RecoveryAvailable() bool {
	if d.previous == nil || d.path == "" {
		return false
	}
	_, err := os.Stat(autosavePath(d.path))
	return err == nil
}

// PreviousSession is the lock file Open found, or nil.
func (d *Database) PreviousSession() *Session { return d.previous }

// Recover replaces the loaded records with the autosave of the previous session. The
// result counts as unsaved.
func (d *Database) Recover(ctx context.Context) error {
	if d.role.Load() != nil {
		return constants.ErrAlreadyActive
	}
	return d.owner.Do(ctx, func() error {
		if d.path == "" {
			return constants.ErrNoPath
		}
		f, err := os.Open(autosavePath(d.path))
		if errors.Is(err, os.ErrNotExist) {
			return constants.ErrNoRecovery
		} else if err != nil {
			return err
		}
		defer f.Close()

		if err := d.store.Deserialize(bufio.NewReader(f)); err != nil {
			return fmt.Errorf("recovering %s: %w", d.path, err)
		}
		d.store.MarkChanged()
		d.pending = false
		d.changed()
		d.log.Info("recovered autosave", "path", d.path, "records", d.store.Count())
		return nil
	})
}

func (d *Database) beginSession() {
	if d.session != nil || d.pending || d.path == "" {
		return
	}
	host, _ := os.Hostname()
	s := &Session{
		PID:      os.Getpid(),
		Host:     host,
		Started:  time.Now(),
		Autosave: autosavePath(d.path),
		Database: d.store.UUID(),
	}
	if err := writeSession(d.path, s); err != nil {
		d.log.Warn("failed to write session lock", "path", sessionPath(d.path), "error", err)
		return
	}
	d.session = s
}

func (d *Database) endSession() {
	if d.pending || d.path == "" {
		return
	}
	for _, path := range []string{sessionPath(d.path), autosavePath(d.path)} {
		if err := removeIfExists(path); err != nil {
			d.log.Warn("failed to remove backup file", "path", path, "error", err)
		}
	}
	d.session = nil
}

// Close ends any replication role, stops the owner goroutine and removes the backup files
// of the session. Unsaved changes are dropped. Backups left by an earlier session stay
// unless they were recovered. Close must not be called from a function running on
// the owner goroutine.
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.Disconnect()
		close(d.quit)
		d.wg.Wait()
		d.owner.Close()
		if d.session != nil {
			d.endSession()
		}
	})
	return err
}
