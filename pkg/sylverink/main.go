package sylverink

import (
	"context"
	"fmt"
)

// Main parses args and runs the command they name. It is what cmd/sylverink runs, and
// tests call it directly.
//
//	sylverink -db notes.sidb new
//	sylverink add "buy milk"
//	sylverink edit 0 "buy oat milk"
//	sylverink show -sort last-change
//	sylverink -ws serve
//	sylverink -db replica.sidb -read-only connect Vn000H
func Main(ctx context.Context, args []string) error {
	cmd, config, err := Parse(args)
	if err != nil {
		return err
	}

	app, err := New(config)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx, cmd)
}

// Run executes one parsed command.
func (a *App) Run(ctx context.Context, cmd Command) error {
	var err error
	switch c := cmd.(type) {
	case *NewCommand:
		err = a.Create(ctx)
	case *AddCommand:
		err = a.Add(ctx, c)
	case *EditCommand:
		err = a.Edit(ctx, c)
	case *ShowCommand:
		err = a.Show(ctx, c)
	case *DeleteCommand:
		err = a.Delete(ctx, c)
	case *ReplaceCommand:
		err = a.Replace(ctx, c)
	case *RevertCommand:
		err = a.Revert(ctx, c)
	case *FindCommand:
		err = a.Find(ctx, c)
	case *ExportCommand:
		err = a.Export(ctx, c)
	case *ServeCommand:
		err = a.Serve(ctx, c)
	case *ConnectCommand:
		err = a.Connect(ctx, c)
	case *CodeCommand:
		err = a.Code(ctx, c)
	case *RecoverCommand:
		err = a.Recover(ctx)
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", cmd.Name(), err)
	}
	return nil
}
