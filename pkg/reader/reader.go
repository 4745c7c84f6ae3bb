// Package reader implements the Reader object: the owner of a card
// interface's static parameters (transport name/channel, pin
// polarities, timer presence) and of at most one active Connection at
// a time.
package reader

import (
	"errors"

	"github.com/scio7816/cardio/pkg/conn"
	"github.com/scio7816/cardio/pkg/config"
	"github.com/scio7816/cardio/pkg/transport"
)

// ErrConnectionExists is returned by CreateConnection when this Reader
// already owns an active Connection.
var ErrConnectionExists = errors.New("reader: connection already exists")

// ErrNotOwner is returned by DeleteConnection when conn is not the
// Connection this Reader currently owns.
var ErrNotOwner = errors.New("reader: connection not owned by this reader")

// Config holds the static parameters a Reader is constructed with:
// which transport backend to open and how its pins and timer are
// wired, plus the protocol configuration vector new connections start
// with.
type Config struct {
	Name          string
	InterfaceName string // registered transport backend name (e.g. "serial", "virtual")
	Channel       string // backend-specific channel identifier (e.g. device path)
	InterfaceID   int
	Polarity      conn.PinPolarity
	Entries       []config.Entry
	HasTimer      bool
}

// Reader owns a single exclusive Connection over one card interface.
type Reader struct {
	cfg    Config
	active *conn.Connection
}

// New constructs a Reader from its static parameters. No transport is
// opened until CreateConnection.
func New(cfg Config) *Reader {
	return &Reader{cfg: cfg}
}

// Name returns the Reader's configured name.
func (r *Reader) Name() string { return r.cfg.Name }

// ActiveConnection returns the Reader's current Connection, or nil if
// none exists.
func (r *Reader) ActiveConnection() *conn.Connection { return r.active }

// CreateConnection opens the configured transport and constructs the
// Reader's Connection. It fails with ErrConnectionExists if one is
// already active.
func (r *Reader) CreateConnection() (*conn.Connection, error) {
	if r.active != nil {
		return nil, ErrConnectionExists
	}
	tr, err := transport.New(r.cfg.InterfaceName, r.cfg.Channel)
	if err != nil {
		return nil, err
	}
	connCfg := conn.Config{
		Name:        r.cfg.Name,
		InterfaceID: r.cfg.InterfaceID,
		Polarity:    r.cfg.Polarity,
		Entries:     r.cfg.Entries,
	}
	c := conn.New(tr, connCfg, r.cfg.HasTimer, r.onConnectionClosed)
	r.active = c
	return c, nil
}

// DeleteConnection closes c and clears the Reader's back-reference,
// enabling cleanup. It fails with ErrNotOwner if c is not the
// Reader's active Connection.
func (r *Reader) DeleteConnection(c *conn.Connection) error {
	if c == nil || c != r.active {
		return ErrNotOwner
	}
	return c.Close()
}

// onConnectionClosed is the onDetach callback passed to conn.New; it
// runs once, from within Connection.Close, and clears the
// back-reference regardless of whether DeleteConnection or a direct
// Close call triggered the teardown.
func (r *Reader) onConnectionClosed() {
	r.active = nil
}
