package database

import (
	"context"
	"errors"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/replication"
)

// role is the active replication role. Exactly one of its fields is set.
type role struct {
	server *replication.Server
	client *replication.Client
}

func (r *role) forward(m replication.Message) error {
	if r.server != nil {
		return r.server.Broadcast(m)
	}
	return r.client.Send(m)
}

func (r *role) close() error {
	if r.server != nil {
		return r.server.Close()
	}
	return r.client.Close()
}

// Serve shares the database with peers and returns the address code they connect with.
// A database is either serving or connected, never both.
func (d *Database) Serve(ctx context.Context, opts ...replication.ServerOption) (string, error) {
	d.roleMu.Lock()
	defer d.roleMu.Unlock()

	if d.role.Load() != nil {
		return "", constants.ErrAlreadyActive
	}

	opts = append([]replication.ServerOption{replication.WithServerLogger(d.log)}, opts...)
	r := &role{server: replication.NewServer(d, opts...)}
	d.role.Store(r)
	if err := r.server.Serve(ctx); err != nil {
		d.role.CompareAndSwap(r, nil)
		return "", err
	}
	d.requestRefresh()
	return r.server.Code(), nil
}

// Connect joins the database behind code. Its snapshot replaces the local records.
func (d *Database) Connect(ctx context.Context, code string, opts ...replication.ClientOption) error {
	d.roleMu.Lock()
	defer d.roleMu.Unlock()

	if d.role.Load() != nil {
		return constants.ErrAlreadyActive
	}

	r := &role{}
	lost := func(err error) {
		if d.role.CompareAndSwap(r, nil) {
			d.log.Warn("replication connection lost", "error", err)
		}
		d.requestRefresh()
	}
	opts = append([]replication.ClientOption{replication.WithClientLogger(d.log), replication.WithDisconnectHandler(lost)}, opts...)
	r.client = replication.NewClient(d, opts...)

	// Publish the role before connecting so mutations made right after the snapshot lands
	// are forwarded. Until then they fail to send and are dropped.
	d.role.Store(r)
	if err := r.client.Connect(ctx, code); err != nil {
		d.role.CompareAndSwap(r, nil)
		return err
	}
	d.requestRefresh()
	return nil
}

// Disconnect ends the active role, if any. It must not be called from a function running
// on the owner goroutine.
func (d *Database) Disconnect() error {
	d.roleMu.Lock()
	defer d.roleMu.Unlock()

	r := d.role.Swap(nil)
	if r == nil {
		return nil
	}
	err := r.close()
	d.requestRefresh()
	if errors.Is(err, constants.ErrNotConnected) {
		return nil
	}
	return err
}

// Serving reports whether the database is the server of a replication session.
func (d *Database) Serving() bool {
	r := d.role.Load()
	return r != nil && r.server != nil && r.server.Serving()
}

// Connected reports whether the database follows a server.
func (d *Database) Connected() bool {
	r := d.role.Load()
	return r != nil && r.client != nil && r.client.Connected()
}

// Code is the address code of the running server, or empty.
func (d *Database) Code() string {
	r := d.role.Load()
	if r == nil || r.server == nil {
		return ""
	}
	return r.server.Code()
}

// Peers is the number of peers connected to the running server.
func (d *Database) Peers() int {
	r := d.role.Load()
	if r == nil || r.server == nil {
		return 0
	}
	return r.server.Peers()
}

// Port is the port the running server listens on, or zero.
func (d *Database) Port() int {
	r := d.role.Load()
	if r == nil || r.server == nil {
		return 0
	}
	return r.server.Port()
}

// Wait blocks until the active role ends or ctx is done.
func (d *Database) Wait(ctx context.Context) error {
	r := d.role.Load()
	if r == nil {
		return constants.ErrNotConnected
	}
	if r.client != nil {
		select {
		case <-r.client.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}
