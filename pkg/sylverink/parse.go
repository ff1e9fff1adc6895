package sylverink

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
)

const usage = `Usage: sylverink [flags] <command> [args]

Commands:
  new                     Create an empty database
  add <text>              Add a record
  edit <index> <text>     Replace the text of a record, keeping the old one as history
  show [-at time] [-sort index|last-change|created] [index]
                          List records, or print one in full
  delete <index>          Delete a record
  replace <old> <new>     Replace text in every record, ignoring case
  revert <time>           Drop everything created after time
  find <query>            List records containing query, ignoring case
  export [-o file]        Write the database as JSON
  serve [-autosave d]     Share the database until interrupted
  connect <code>          Follow a shared database until interrupted
  code [code]             Print the address code of this host, or decode one
  recover                 Restore the autosave of a session that was not saved

Times are RFC 3339 (2024-03-01T09:00:00Z) or a date (2024-03-01).

Environment:
  SYLVERINK_DB        database file (default notes.sidb)
  SYLVERINK_PORT      replication port (default 5192)
  SYLVERINK_LOG_FILE  append logs to this file instead of stderr
  SYLVERINK_IP_URL    public address lookup endpoint`

// Config is shared by every command.
type Config struct {
	DBPath      string
	Name        string
	Port        int
	WebSocket   bool
	ReadOnly    bool
	LogFile     string
	Debug       bool
	IPLookupURL string
	// Format is the SIDB format to save with. Zero keeps the format of the file.
	Format byte

	// Stdout receives command output. Nil means os.Stdout.
	Stdout io.Writer
}

// Parse reads the global flags, then the sub-command with its own flags and arguments.
// Environment variables provide the defaults that flags override.
func Parse(args []string) (Command, *Config, error) {
	port, err := strconv.Atoi(getEnv("SYLVERINK_PORT", strconv.Itoa(constants.DefaultPort)))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid SYLVERINK_PORT: %w", err)
	}

	flagSet := flag.NewFlagSet("sylverink", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var (
		dbPath   = flagSet.String("db", getEnv("SYLVERINK_DB", "notes.sidb"), "Database file")
		name     = flagSet.String("name", "", "Database name, used by new")
		portFlag = flagSet.Int("port", port, "Replication port")
		ws       = flagSet.Bool("ws", false, "Serve over WebSocket instead of TCP")
		readOnly = flagSet.Bool("read-only", false, "Connect without sending changes")
		logFile  = flagSet.String("log-file", getEnv("SYLVERINK_LOG_FILE", ""), "Append logs to this file")
		debug    = flagSet.Bool("debug", false, "Log debug messages")
		format   = flagSet.Int("format", 0, fmt.Sprintf("SIDB format to save with, 1 to %d", constants.MaxFormat))
		ipURL    = flagSet.String("ip-url", getEnv("SYLVERINK_IP_URL", constants.DefaultIPLookupURL), "Public address lookup endpoint")
	)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, errors.New(usage)
		}
		return nil, nil, fmt.Errorf("%w\n\n%s", err, usage)
	}

	if *format < 0 || *format > int(constants.MaxFormat) {
		return nil, nil, fmt.Errorf("invalid format %d (must be 1 to %d)", *format, constants.MaxFormat)
	}
	if *portFlag < 0 || *portFlag > 65535 {
		return nil, nil, fmt.Errorf("invalid port %d", *portFlag)
	}

	config := &Config{
		DBPath:      *dbPath,
		Name:        *name,
		Port:        *portFlag,
		WebSocket:   *ws,
		ReadOnly:    *readOnly,
		LogFile:     *logFile,
		Debug:       *debug,
		IPLookupURL: *ipURL,
		Format:      byte(*format),
	}
	if config.Name == "" {
		config.Name = strings.TrimSuffix(filepath.Base(config.DBPath), filepath.Ext(config.DBPath))
	}

	remainingArgs := flagSet.Args()
	if len(remainingArgs) == 0 {
		return nil, nil, fmt.Errorf("subcommand required\n\n%s", usage)
	}

	cmd, err := parseCommand(remainingArgs[0], remainingArgs[1:])
	if err != nil {
		return nil, nil, err
	}
	return cmd, config, nil
}

func parseCommand(name string, args []string) (Command, error) {
	switch name {
	case "new":
		return &NewCommand{}, noArgs(name, args)
	case "recover":
		return &RecoverCommand{}, noArgs(name, args)
	case "add":
		if len(args) == 0 {
			return nil, errors.New("add: text required")
		}
		return &AddCommand{Text: strings.Join(args, " ")}, nil
	case "edit":
		if len(args) < 2 {
			return nil, errors.New("edit: index and text required")
		}
		index, err := parseIndex(args[0])
		if err != nil {
			return nil, fmt.Errorf("edit: %w", err)
		}
		return &EditCommand{Index: index, Text: strings.Join(args[1:], " ")}, nil
	case "show":
		return parseShow(args)
	case "delete":
		if len(args) != 1 {
			return nil, errors.New("delete: one index required")
		}
		index, err := parseIndex(args[0])
		if err != nil {
			return nil, fmt.Errorf("delete: %w", err)
		}
		return &DeleteCommand{Index: index}, nil
	case "replace":
		if len(args) != 2 || args[0] == "" {
			return nil, errors.New("replace: old and new text required")
		}
		return &ReplaceCommand{Old: args[0], New: args[1]}, nil
	case "revert":
		if len(args) != 1 {
			return nil, errors.New("revert: one time required")
		}
		to, err := ParseTime(args[0])
		if err != nil {
			return nil, fmt.Errorf("revert: %w", err)
		}
		return &RevertCommand{To: to}, nil
	case "find":
		if len(args) == 0 {
			return nil, errors.New("find: query required")
		}
		return &FindCommand{Query: strings.Join(args, " ")}, nil
	case "export":
		flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
		flagSet.SetOutput(io.Discard)
		output := flagSet.String("o", "", "Output file")
		if err := flagSet.Parse(args); err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		return &ExportCommand{Output: *output}, noArgs(name, flagSet.Args())
	case "serve":
		flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
		flagSet.SetOutput(io.Discard)
		autosave := flagSet.Duration("autosave", time.Minute, "Autosave interval, 0 to disable")
		if err := flagSet.Parse(args); err != nil {
			return nil, fmt.Errorf("serve: %w", err)
		}
		return &ServeCommand{Autosave: *autosave}, noArgs(name, flagSet.Args())
	case "connect":
		if len(args) != 1 {
			return nil, errors.New("connect: one address code required")
		}
		return &ConnectCommand{Code: args[0]}, nil
	case "code":
		if len(args) > 1 {
			return nil, errors.New("code: at most one address code")
		}
		cmd := &CodeCommand{}
		if len(args) == 1 {
			cmd.Code = args[0]
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command: %s\n\n%s", name, usage)
	}
}

func parseShow(args []string) (Command, error) {
	flagSet := flag.NewFlagSet("show", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	at := flagSet.String("at", "", "Show text as of this time")
	sortBy := flagSet.String("sort", "index", "Order: index, last-change or created")
	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("show: %w", err)
	}

	cmd := &ShowCommand{Index: -1}
	switch *sortBy {
	case "index":
		cmd.Sort = records.ByIndex
	case "last-change":
		cmd.Sort = records.ByLastChange
	case "created":
		cmd.Sort = records.ByCreated
	default:
		return nil, fmt.Errorf("show: invalid sort order: %s", *sortBy)
	}
	if *at != "" {
		t, err := ParseTime(*at)
		if err != nil {
			return nil, fmt.Errorf("show: %w", err)
		}
		cmd.At = t
	}

	switch rest := flagSet.Args(); len(rest) {
	case 0:
	case 1:
		index, err := parseIndex(rest[0])
		if err != nil {
			return nil, fmt.Errorf("show: %w", err)
		}
		cmd.Index = index
	default:
		return nil, errors.New("show: at most one index")
	}
	return cmd, nil
}

func noArgs(name string, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%s: unexpected arguments: %s", name, strings.Join(args, " "))
	}
	return nil
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid record index: %q", s)
	}
	return index, nil
}

// ParseTime accepts RFC 3339 timestamps and plain dates, which are read as midnight UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// getEnv returns the value of key, or defaultValue when it is unset or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
