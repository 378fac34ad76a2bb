package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const noSuchUnit = "org.freedesktop.systemd1.NoSuchUnit"

// DBus talks to PID 1 over its private socket. When the socket cannot be
// reached every call goes to Fallback instead.
type DBus struct {
	Socket   string
	Fallback Controller

	once sync.Once
	conn *sddbus.Conn
	err  error
}

func (d *DBus) connect() (*sddbus.Conn, error) {
	d.once.Do(func() {
		d.conn, d.err = sddbus.NewConnection(func() (*dbus.Conn, error) {
			conn, err := dbus.Dial("unix:path=" + d.Socket)
			if err != nil {
				return nil, fmt.Errorf("connect to systemd socket %s: %w", d.Socket, err)
			}
			methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
			if err := conn.Auth(methods); err != nil {
				conn.Close()
				return nil, fmt.Errorf("authenticate with systemd: %w", err)
			}
			return conn, nil
		})
		if d.err != nil && d.Fallback != nil {
			log.Debug().Err(d.err).Msg("systemd D-Bus unavailable, using systemctl")
		}
	})
	return d.conn, d.err
}

var errClosed = errors.New("systemd D-Bus connection closed")

// Close releases the connection. Later calls go to Fallback.
func (d *DBus) Close() error {
	d.once.Do(func() {})
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.err = errClosed
	return nil
}

// controller returns nil when the D-Bus connection is usable.
func (d *DBus) controller() (Controller, *sddbus.Conn, error) {
	conn, err := d.connect()
	if err == nil {
		return nil, conn, nil
	}
	if d.Fallback != nil {
		return d.Fallback, nil, nil
	}
	return nil, nil, err
}

func (d *DBus) LoadState(ctx context.Context, unit string) (string, error) {
	fb, conn, err := d.controller()
	if err != nil {
		return "", err
	}
	if fb != nil {
		return fb.LoadState(ctx, unit)
	}
	prop, err := conn.GetUnitPropertyContext(ctx, unit, "LoadState")
	if isNoSuchUnit(err) {
		return "not-found", nil
	}
	if err != nil {
		return "", err
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected LoadState value %s", prop.Value.String())
	}
	return state, nil
}

func isNoSuchUnit(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == noSuchUnit
	}
	var dbusErrPtr *dbus.Error
	return errors.As(err, &dbusErrPtr) && dbusErrPtr.Name == noSuchUnit
}

func (d *DBus) Reload(ctx context.Context) error {
	fb, conn, err := d.controller()
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.Reload(ctx)
	}
	return conn.ReloadContext(ctx)
}

func (d *DBus) Enable(ctx context.Context, unit string) error {
	fb, conn, err := d.controller()
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.Enable(ctx, unit)
	}
	_, changes, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true)
	for _, c := range changes {
		log.Debug().Str("type", c.Type).Str("file", c.Filename).Str("dest", c.Destination).Msg("unit file change")
	}
	return err
}

func (d *DBus) Disable(ctx context.Context, unit string) error {
	fb, conn, err := d.controller()
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.Disable(ctx, unit)
	}
	changes, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	for _, c := range changes {
		log.Debug().Str("type", c.Type).Str("file", c.Filename).Msg("unit file change")
	}
	return err
}

func (d *DBus) Start(ctx context.Context, unit string) error {
	fb, conn, err := d.controller()
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.Start(ctx, unit)
	}
	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return err
	}
	return waitJob(ctx, "start", unit, ch)
}

func (d *DBus) Stop(ctx context.Context, unit string) error {
	fb, conn, err := d.controller()
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.Stop(ctx, unit)
	}
	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return err
	}
	return waitJob(ctx, "stop", unit, ch)
}

func waitJob(ctx context.Context, op, unit string, ch <-chan string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", op, unit, result)
		}
		return nil
	}
}
