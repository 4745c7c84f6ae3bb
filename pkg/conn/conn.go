// Package conn implements the connection FSM: session lifecycle
// across a transport, card-presence debouncing, blocking and
// cooperative operation, and translation of protocol-façade events
// into observer notifications.
package conn

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/scio7816/cardio/pkg/config"
	"github.com/scio7816/cardio/pkg/observer"
	"github.com/scio7816/cardio/pkg/protocol"
	"github.com/scio7816/cardio/pkg/t1"
	"github.com/scio7816/cardio/pkg/transport"
)

// State is one node of the connection FSM.
type State int

const (
	StateClosed State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sentinel errors raised by connection operations.
var (
	ErrNoCard           = errors.New("conn: no card present")
	ErrAlreadyConnected = errors.New("conn: invalid state for connect")
	ErrNotConnected     = errors.New("conn: not connected")
	ErrBlockingRequired = errors.New("conn: cannot disable blocking without a timer")

	errUnexpectedRemoval = errors.New("unexpected card removal")
)

// ProtocolT1 is the only protocol id this driver implements; the hint
// plumbing (set_protocol/get_protocol, per-connect override) exists so
// a future protocol can be added without reshaping the façade.
const ProtocolT1 = 0

// resetDurationMs is the minimum RST-active hold time: ISO/IEC 7816-3
// requires at least 400 clock cycles, which at any supported card
// clock is comfortably under 5 ms; rather than track the card clock we
// hold RST for a flat, conservative 5 ms.
const resetDurationMs = 5

// presenceDebounceMs is the blocking stability debounce default.
const presenceDebounceMs = 5

// presenceThreshold is the non-blocking counter-based debounce target.
const presenceThreshold = 5

// ccidPostPPSIFSC is the IFSC value pushed to a CCID reader's
// SetParameters block after PPS.
const ccidPostPPSIFSC = 0x20

// PinPolarity configures which physical level each control pin treats
// as active.
type PinPolarity struct {
	ResetActiveLow     bool
	PresenceActiveHigh bool
	PowerActiveLow     bool
}

// DefaultPinPolarity is RST/PWR active-low, PRES active-high.
func DefaultPinPolarity() PinPolarity {
	return PinPolarity{ResetActiveLow: true, PresenceActiveHigh: true, PowerActiveLow: true}
}

// CCIDPinPolarity is the polarity bundle for a CCIDTransport-backed
// connection: the transport's pins are logical commands (IccPowerOn,
// slot status), not electrical levels, so nothing may be inverted.
func CCIDPinPolarity() PinPolarity {
	return PinPolarity{PresenceActiveHigh: true}
}

// Config is a connection's static configuration.
type Config struct {
	Name        string
	InterfaceID int
	// Polarity's zero value selects DefaultPinPolarity().
	Polarity PinPolarity
	// Entries declares the protocol engine's configuration vector;
	// nil selects t1.DefaultEntries().
	Entries []config.Entry
}

// Response is a delivered APDU response, split into data and the
// trailing SW1/SW2 status pair when one is present.
type Response struct {
	Data      []byte
	SW1, SW2  byte
	HasStatus bool
}

// Connection is one host-card session. Build one through
// pkg/reader.Reader.CreateConnection, not directly.
type Connection struct {
	cfg       Config
	transport transport.Transport
	observers *observer.Dispatcher
	onDetach  func()

	state    State
	blocking bool
	hasTimer bool

	proto        *protocol.Handle
	nextProtocol int // -1: no hint pending

	atr             []byte
	pendingResponse *Response

	presencePresent bool
	presenceCounter int

	lastErr error
}

// New builds a disconnected Connection over tr. onDetach, if non-nil,
// is invoked once by Close so the owning Reader can clear its
// back-reference; it is the Go-idiomatic substitute for a
// back-pointer to the owning Reader, avoiding a cyclic import.
func New(tr transport.Transport, cfg Config, hasTimer bool, onDetach func()) *Connection {
	if cfg.Polarity == (PinPolarity{}) {
		cfg.Polarity = DefaultPinPolarity()
	}
	c := &Connection{
		cfg:          cfg,
		transport:    tr,
		observers:    observer.New(nil),
		onDetach:     onDetach,
		state:        StateDisconnected,
		blocking:     true,
		hasTimer:     hasTimer,
		nextProtocol: -1,
	}
	return c
}

func (c *Connection) entries() []config.Entry {
	if c.cfg.Entries != nil {
		return c.cfg.Entries
	}
	return t1.DefaultEntries()
}

// AddObserver registers o for this connection's events.
func (c *Connection) AddObserver(o observer.Observer) { c.observers.Add(o) }

// RemoveObserver unregisters o by identity.
func (c *Connection) RemoveObserver(o observer.Observer) { c.observers.Remove(o) }

// GetState reports the connection's current FSM state.
func (c *Connection) GetState() State { return c.state }

// GetATR returns the last received ATR bytes, or nil.
func (c *Connection) GetATR() []byte { return c.atr }

// SetProtocol records protocolID as the hint consumed by the next
// Connect call. Transmit does not read or clear the hint.
func (c *Connection) SetProtocol(protocolID int) { c.nextProtocol = protocolID }

// GetProtocol returns the pending protocol hint, or -1 if none.
func (c *Connection) GetProtocol() int { return c.nextProtocol }

// IsCardInserted reports the last debounced presence state.
func (c *Connection) IsCardInserted() bool { return c.presencePresent }

// IsActive reports whether the connection has live transport and engine state.
func (c *Connection) IsActive() bool { return c.state != StateClosed }

// IsReady reports whether the connection is in the connected state.
// It does not query a CCID reader's slot status.
func (c *Connection) IsReady() bool { return c.state == StateConnected }

func (c *Connection) resolvePin(pin transport.Pin, active bool) bool {
	switch pin {
	case transport.PinReset:
		if c.cfg.Polarity.ResetActiveLow {
			return !active
		}
		return active
	case transport.PinPower:
		if c.cfg.Polarity.PowerActiveLow {
			return !active
		}
		return active
	default:
		return active
	}
}

func (c *Connection) readPresenceRaw() bool {
	level := c.transport.PinRead(transport.PinPresence)
	if c.cfg.Polarity.PresenceActiveHigh {
		return level
	}
	return !level
}

func (c *Connection) driveRST(active bool) {
	c.transport.PinWrite(transport.PinReset, c.resolvePin(transport.PinReset, active))
}

func (c *Connection) drivePWR(active bool) {
	c.transport.PinWrite(transport.PinPower, c.resolvePin(transport.PinPower, active))
}

// ensureProtocol (re)allocates the façade handle bound to this
// connection's transport and event sink.
func (c *Connection) ensureProtocol() {
	h, err := protocol.Init(c.transport.SerialTx, c.handleEngineEvent, c.entries())
	if err != nil {
		// Both callbacks are always non-nil here; this would be an
		// internal invariant violation.
		panic(fmt.Sprintf("conn: protocol.Init: %v", err))
	}
	c.proto = h
}

// Connect drives a reset and begins ATR/PPS/IFS setup.
// protocolID selects the protocol for this session; -1 uses the
// pending hint, or ProtocolT1 when no hint is pending. The protocol of
// an earlier session is not consulted.
func (c *Connection) Connect(protocolID int) error {
	if c.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	if protocolID < 0 {
		protocolID = c.nextProtocol
	}
	if protocolID < 0 {
		protocolID = ProtocolT1
	}
	c.nextProtocol = -1

	if !c.blockingPresenceCheck() {
		return ErrNoCard
	}

	c.ensureProtocol()
	c.drivePWR(true)
	c.driveRST(true)
	c.transport.SleepMs(resetDurationMs)
	c.driveRST(false)
	c.state = StateConnecting
	c.proto.Reset(true)

	if c.blocking {
		return c.waitConnectBlocking()
	}
	return nil
}

// Transmit submits apdu and, in blocking mode, waits for and returns
// the response. protocolID may be -1 or ProtocolT1; any other id is
// refused.
func (c *Connection) Transmit(apdu []byte, protocolID int) (*Response, error) {
	if c.state != StateConnected {
		return nil, ErrNotConnected
	}
	if protocolID >= 0 && protocolID != ProtocolT1 {
		return nil, fmt.Errorf("conn: unsupported protocol id %d", protocolID)
	}
	c.enqueue(observer.Event{Type: observer.EventCommand, APDU: apdu, Protocol: ProtocolT1})
	c.drainObservers()

	c.pendingResponse = nil
	if err := c.proto.TransmitAPDU(apdu); err != nil {
		return nil, err
	}
	if !c.blocking {
		return nil, nil
	}
	if err := c.waitResponseBlocking(); err != nil {
		return nil, err
	}
	resp := c.pendingResponse
	c.pendingResponse = nil
	return resp, nil
}

// Disconnect resets the engine without expecting a new ATR, de-powers
// the card, and returns to disconnected. It is idempotent.
func (c *Connection) Disconnect() error {
	if c.state == StateClosed || c.state == StateDisconnected {
		return nil
	}
	if c.proto != nil {
		c.proto.Reset(false)
	}
	c.atr = nil
	c.pendingResponse = nil
	c.driveRST(true)
	c.drivePWR(false)
	c.state = StateDisconnected
	c.enqueue(observer.Event{Type: observer.EventDisconnect})
	c.drainObservers()
	return nil
}

// Close tears the connection down entirely: disconnects, clears
// observers, releases the protocol handle, and detaches from the
// owning Reader.
func (c *Connection) Close() error {
	if c.state == StateClosed {
		return nil
	}
	_ = c.Disconnect()
	c.observers.RemoveAll()
	if c.proto != nil {
		c.proto.Deinit()
		c.proto = nil
	}
	c.state = StateClosed
	if c.onDetach != nil {
		c.onDetach()
	}
	return nil
}

// SetBlocking toggles blocking mode. Disabling it requires a host
// timer to exist, since non-blocking operation depends on background
// ticks to ever make progress.
func (c *Connection) SetBlocking(blocking bool) error {
	if !blocking && !c.hasTimer {
		return ErrBlockingRequired
	}
	c.blocking = blocking
	return nil
}

// SetTimeouts applies engine timeouts; config.Unchanged leaves a field
// untouched.
func (c *Connection) SetTimeouts(atrMs, rspMs, maxMs int) error {
	if c.proto == nil {
		return nil
	}
	return c.proto.SetTimeouts(atrMs, rspMs, maxMs)
}

// TimerTask advances the protocol engine and the non-blocking
// presence debounce by elapsedMs, then drains any observer events
// produced. The host calls this periodically (default every 10 ms)
// when the connection is not in blocking mode.
func (c *Connection) TimerTask(elapsedMs uint32) {
	if c.state == StateClosed {
		return
	}
	c.updatePresenceNonBlocking()
	if c.proto != nil && c.state != StateDisconnected {
		buf := make([]byte, 259)
		if n := c.transport.SerialRxAvailable(buf); n > 0 {
			c.proto.SerialIn(buf[:n])
		}
		c.proto.TimerTask(elapsedMs)
	}
	c.drainObservers()
}

func (c *Connection) drainObservers() {
	c.observers.Drain()
}

// enqueue buffers an observer event. More than the buffer's worth of
// events between drains means a host that is not servicing its
// deferred-task queue; the overflowing event is dropped with a warning
// rather than silently lost.
func (c *Connection) enqueue(ev observer.Event) {
	if err := c.observers.Enqueue(ev); err != nil {
		log.WithError(err).Warnf("[CONN] dropping %s event", ev.Type)
	}
}

// handleEngineEvent is the façade's event sink: it is called
// synchronously from within proto.SerialIn/TimerTask/TransmitAPDU,
// after the engine's own state has already settled.
func (c *Connection) handleEngineEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventATRReceived:
		c.atr = ev.ATR
	case protocol.EventConnect:
		c.state = StateConnected
		c.enqueue(observer.Event{Type: observer.EventConnect})
	case protocol.EventAPDUReceived:
		c.pendingResponse = decomposeResponse(ev.APDU)
		oev := observer.Event{Type: observer.EventResponse, Data: c.pendingResponse.Data}
		if c.pendingResponse.HasStatus {
			oev.SW1, oev.SW2, oev.HasStatus = c.pendingResponse.SW1, c.pendingResponse.SW2, true
		}
		c.enqueue(oev)
	case protocol.EventPPSExchangeDone:
		// No observer-visible event; PPS is an internal setup step,
		// but a CCID reader is told the negotiated parameters now.
		if ct, ok := c.transport.(*CCIDTransport); ok {
			ta1, _ := c.proto.Config().Get(t1.CfgTA1Value)
			ct.ApplyT1Parameters(byte(ta1), ccidPostPPSIFSC)
		}
	case protocol.EventError:
		log.WithField("error", ev.Error).Debug("conn: engine error")
		c.state = StateError
		c.lastErr = errors.New(ev.Error)
		c.enqueue(observer.Event{Type: observer.EventError, Message: ev.Error})
	}
}

// decomposeResponse splits apdu into data plus SW1/SW2 when it is at
// least 2 bytes long.
func decomposeResponse(apdu []byte) *Response {
	if len(apdu) < 2 {
		return &Response{Data: apdu}
	}
	n := len(apdu)
	return &Response{
		Data:      apdu[:n-2],
		SW1:       apdu[n-2],
		SW2:       apdu[n-1],
		HasStatus: true,
	}
}
