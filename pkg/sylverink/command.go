package sylverink

import (
	"time"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
)

// Command is one parsed sub-command. The concrete types carry their own arguments and are
// executed by the matching method of [App].
type Command interface {
	// Name is the sub-command as typed on the command line.
	Name() string
}

// NewCommand creates an empty database file.
type NewCommand struct{}

type AddCommand struct {
	Text string
}

// EditCommand replaces the text of a record, recording the change as a revision.
type EditCommand struct {
	Index int
	Text  string
}

// ShowCommand lists every record, or prints one in full when Index is not negative.
type ShowCommand struct {
	Index int
	// At shows the text as it was at that time. Zero means now.
	At   time.Time
	Sort records.SortMode
}

type DeleteCommand struct {
	Index int
}

type ReplaceCommand struct {
	Old string
	New string
}

// RevertCommand drops every record and revision made after To.
type RevertCommand struct {
	To time.Time
}

type FindCommand struct {
	Query string
}

// ExportCommand writes the database as JSON to Output, or to standard output.
type ExportCommand struct {
	Output string
}

// ServeCommand shares the database until interrupted.
type ServeCommand struct {
	Autosave time.Duration
}

// ConnectCommand follows the database served behind Code until interrupted or dropped.
type ConnectCommand struct {
	Code string
}

// CodeCommand prints the address code of this host, or decodes Code when it is set.
type CodeCommand struct {
	Code string
}

// RecoverCommand restores the autosave left by a session that ended without saving.
type RecoverCommand struct{}

func (*NewCommand) Name() string     { return "new" }
func (*AddCommand) Name() string     { return "add" }
func (*EditCommand) Name() string    { return "edit" }
func (*ShowCommand) Name() string    { return "show" }
func (*DeleteCommand) Name() string  { return "delete" }
func (*ReplaceCommand) Name() string { return "replace" }
func (*RevertCommand) Name() string  { return "revert" }
func (*FindCommand) Name() string    { return "find" }
func (*ExportCommand) Name() string  { return "export" }
func (*ServeCommand) Name() string   { return "serve" }
func (*ConnectCommand) Name() string { return "connect" }
func (*CodeCommand) Name() string    { return "code" }
func (*RecoverCommand) Name() string { return "recover" }
