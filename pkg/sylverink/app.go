package sylverink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Taicanium/Sylver-Ink-sub000/internal/codec"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/database"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/logger"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/replication"
)

// App runs commands against the database named in its Config.
type App struct {
	config *Config
	log    *logger.LogData
	out    io.Writer
}

func New(config *Config) (*App, error) {
	build := logger.New().FromBuffer(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	if config.LogFile != "" {
		build = build.FromPath(config.LogFile)
	}
	if config.Debug {
		build = build.WithLevel(zerolog.DebugLevel)
	}
	log, err := build.Make()
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	app := &App{
		config: config,
		log:    log,
		out:    config.Stdout,
	}
	if app.out == nil {
		app.out = os.Stdout
	}
	return app, nil
}

func (a *App) Close() error {
	return a.log.Close()
}

func (a *App) options() []database.Option {
	opts := []database.Option{database.WithLogger(a.log)}
	if a.config.Format != 0 {
		opts = append(opts, database.WithStoreOptions(records.WithFormat(a.config.Format)))
	}
	return opts
}

// open loads the configured database. A format given on the command line replaces the
// one of the file.
func (a *App) open(ctx context.Context, extra ...database.Option) (*database.Database, error) {
	db, err := database.Open(ctx, a.config.DBPath, append(a.options(), extra...)...)
	if err != nil {
		return nil, err
	}
	if db.RecoveryAvailable() {
		a.log.Warn("an earlier session was not saved; run recover to restore it", "path", a.config.DBPath)
	}
	if a.config.Format != 0 {
		err := db.View(ctx, func(s *records.Store) error {
			return s.SetFormat(a.config.Format)
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// openOrCreate is open, except that a missing file yields an empty database.
func (a *App) openOrCreate(ctx context.Context) (*database.Database, error) {
	db, err := a.open(ctx)
	if errors.Is(err, os.ErrNotExist) {
		return database.New(a.config.Name, append(a.options(), database.WithPath(a.config.DBPath))...), nil
	}
	return db, err
}

// update opens the database, runs fn and saves.
func (a *App) update(ctx context.Context, fn func(db *database.Database) error) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(db); err != nil {
		return err
	}
	return db.Save(ctx)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) Create(ctx context.Context) error {
	if _, err := os.Stat(a.config.DBPath); err == nil {
		return fmt.Errorf("%s already exists", a.config.DBPath)
	}
	db := database.New(a.config.Name, append(a.options(), database.WithPath(a.config.DBPath))...)
	defer db.Close()

	if err := db.Save(ctx); err != nil {
		return err
	}
	a.printf("created %s\n", a.config.DBPath)
	return nil
}

func (a *App) Add(ctx context.Context, c *AddCommand) error {
	return a.update(ctx, func(db *database.Database) error {
		index, err := db.CreateRecord(ctx, c.Text)
		if err != nil {
			return err
		}
		a.printf("%d\n", index)
		return nil
	})
}

func (a *App) Edit(ctx context.Context, c *EditCommand) error {
	return a.update(ctx, func(db *database.Database) error {
		return db.CreateRevision(ctx, c.Index, c.Text)
	})
}

func (a *App) Delete(ctx context.Context, c *DeleteCommand) error {
	return a.update(ctx, func(db *database.Database) error {
		return db.DeleteRecord(ctx, c.Index)
	})
}

func (a *App) Replace(ctx context.Context, c *ReplaceCommand) error {
	return a.update(ctx, func(db *database.Database) error {
		occurrences, affected, err := db.Replace(ctx, c.Old, c.New)
		if err != nil {
			return err
		}
		a.printf("replaced %d occurrences in %d records\n", occurrences, affected)
		return nil
	})
}

func (a *App) Revert(ctx context.Context, c *RevertCommand) error {
	return a.update(ctx, func(db *database.Database) error {
		return db.Revert(ctx, c.To)
	})
}

func (a *App) Recover(ctx context.Context) error {
	return a.update(ctx, func(db *database.Database) error {
		if !db.RecoveryAvailable() {
			return constants.ErrNoRecovery
		}
		if err := db.Recover(ctx); err != nil {
			return err
		}
		a.printf("recovered session started %s\n", db.PreviousSession().Started.Format(time.DateTime))
		return nil
	})
}

// summary is the first line of text, cut to width runes.
func summary(text string, width int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if r := []rune(text); len(r) > width {
		return string(r[:width-1]) + "…"
	}
	return text
}

func (a *App) Show(ctx context.Context, c *ShowCommand) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.Index >= 0 {
		return db.View(ctx, func(s *records.Store) error {
			r, ok := s.Record(c.Index)
			if !ok {
				return fmt.Errorf("%w: index %d", constants.ErrRecordNotFound, c.Index)
			}
			text := r.Current()
			if !c.At.IsZero() {
				text = r.TextAt(c.At)
			}
			a.printf("%s\n", text)
			a.printf("-- created %s, changed %s, %d revisions\n",
				r.Created().Format(time.DateTime), r.LastChange().Format(time.DateTime), r.RevisionCount())
			return nil
		})
	}

	if err := db.Sort(ctx, c.Sort); err != nil {
		return err
	}
	return db.View(ctx, func(s *records.Store) error {
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		for _, r := range s.Records() {
			text := r.Current()
			if !c.At.IsZero() {
				if r.Created().After(c.At) {
					continue
				}
				text = r.TextAt(c.At)
			}
			lock := ""
			if r.Locked() {
				lock = "locked"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Index(), r.LastChange().Format(time.DateTime), lock, summary(text, 60))
		}
		return w.Flush()
	})
}

func (a *App) Find(ctx context.Context, c *FindCommand) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(ctx, func(s *records.Store) error {
		for _, index := range s.Find(c.Query) {
			r, _ := s.Record(index)
			a.printf("%d\t%s\n", index, summary(r.Current(), 60))
		}
		return nil
	})
}

type exportRevision struct {
	ID         uuid.UUID `json:"id"`
	Created    time.Time `json:"created"`
	StartIndex int       `json:"startIndex"`
	Substring  string    `json:"substring"`
}

type exportRecord struct {
	ID         uuid.UUID        `json:"id"`
	Index      int              `json:"index"`
	Created    time.Time        `json:"created"`
	LastChange time.Time        `json:"lastChange"`
	Text       string           `json:"text"`
	Initial    string           `json:"initial"`
	Revisions  []exportRevision `json:"revisions"`
	Keywords   []string         `json:"keywords,omitempty"`
}

type exportDatabase struct {
	ID      uuid.UUID      `json:"id"`
	Name    string         `json:"name"`
	Format  byte           `json:"format"`
	Records []exportRecord `json:"records"`
}

func (a *App) Export(ctx context.Context, c *ExportCommand) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var out exportDatabase
	err = db.View(ctx, func(s *records.Store) error {
		out = exportDatabase{ID: s.UUID(), Name: s.Name(), Format: s.Format(), Records: []exportRecord{}}
		for _, r := range s.Records() {
			keywords, err := s.Keywords(r.Index(), 5)
			if err != nil {
				return err
			}
			rec := exportRecord{
				ID:         r.UUID(),
				Index:      r.Index(),
				Created:    r.Created(),
				LastChange: r.LastChange(),
				Text:       r.Current(),
				Initial:    r.Initial(),
				Revisions:  []exportRevision{},
				Keywords:   keywords,
			}
			for _, rev := range r.Revisions() {
				rec.Revisions = append(rec.Revisions, exportRevision{
					ID:         rev.UUID(),
					Created:    rev.Created(),
					StartIndex: rev.StartIndex(),
					Substring:  rev.Substring(),
				})
			}
			out.Records = append(out.Records, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w := a.out
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return codec.JSON{Indent: "  "}.NewEncoder(w).Encode(out)
}

func (a *App) Serve(ctx context.Context, c *ServeCommand) error {
	var opts []database.Option
	if c.Autosave > 0 {
		opts = append(opts, database.WithAutosave(c.Autosave))
	}
	db, err := a.open(ctx, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	serverOpts := []replication.ServerOption{
		replication.WithServerPort(a.config.Port),
		replication.WithResolver(replication.NewHTTPResolver(a.config.IPLookupURL)),
	}
	if a.config.WebSocket {
		serverOpts = append(serverOpts, replication.WithWebSocket())
	}
	code, err := db.Serve(ctx, serverOpts...)
	if err != nil {
		return err
	}
	a.printf("%s\n", code)

	if err := db.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := db.Disconnect(); err != nil {
		a.log.Warn("failed to stop serving", "error", err)
	}
	return db.Save(context.Background())
}

func (a *App) Connect(ctx context.Context, c *ConnectCommand) error {
	db, err := a.openOrCreate(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	clientOpts := []replication.ClientOption{replication.WithClientPort(a.config.Port)}
	if a.config.ReadOnly {
		clientOpts = append(clientOpts, replication.WithReadOnly())
	}
	if err := db.Connect(ctx, c.Code, clientOpts...); err != nil {
		return err
	}
	a.log.Info("following", "code", c.Code)

	if err := db.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := db.Disconnect(); err != nil {
		a.log.Warn("failed to disconnect", "error", err)
	}
	return db.Save(context.Background())
}

func (a *App) Code(ctx context.Context, c *CodeCommand) error {
	if c.Code != "" {
		addr, flags := replication.DecodeAddress(c.Code)
		a.printf("%s\t%s\n", addr, flags)
		return nil
	}

	addr, err := replication.NewHTTPResolver(a.config.IPLookupURL).Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", constants.ErrPublicAddress, err)
	}
	var flags replication.Flags
	if a.config.WebSocket {
		flags |= replication.FlagWebSocket
	}
	if a.config.ReadOnly {
		flags |= replication.FlagReadOnly
	}
	code, err := replication.EncodeAddress(addr, flags)
	if err != nil {
		return err
	}
	a.printf("%s\t%s\n", code, netip.AddrPortFrom(addr, uint16(a.config.Port)))
	return nil
}
