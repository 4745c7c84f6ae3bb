// Package protocol is the protocol-agnostic façade over a concrete
// engine. Today the only concrete engine is pkg/t1, but the dispatch
// surface is deliberately uniform: callers drive the engine through
// this package's Handle and Event types, so a second protocol can
// register behind the same surface later.
package protocol

import (
	"fmt"

	"github.com/scio7816/cardio/pkg/config"
	"github.com/scio7816/cardio/pkg/t1"
)

// EventType mirrors the engine's event codes at the façade boundary.
type EventType int

const (
	EventATRReceived EventType = iota
	EventConnect
	EventAPDUReceived
	EventPPSExchangeDone
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventATRReceived:
		return "atr_received"
	case EventConnect:
		return "connect"
	case EventAPDUReceived:
		return "apdu_received"
	case EventPPSExchangeDone:
		return "pps_exchange_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to the façade's event callback.
type Event struct {
	Type  EventType
	ATR   []byte
	APDU  []byte
	Error string
}

// Sentinel values accepted by SetTimeouts, re-exported for convenience
// so callers don't need to import pkg/config directly.
const (
	Unchanged  = config.Unchanged
	UseDefault = config.Default
)

// Handle is one active protocol instance (today always a T=1 engine).
// Its zero value is not usable; build one with Init.
type Handle struct {
	engine    *t1.Engine
	serialOut func(buf []byte) bool
	eventCB   func(Event)
}

// facadeAdapter implements t1.Callbacks, translating engine events
// into façade Events before forwarding to the Handle's eventCB.
type facadeAdapter struct {
	h *Handle
}

func (a facadeAdapter) SerialOut(buf []byte) bool {
	return a.h.serialOut(buf)
}

func (a facadeAdapter) HandleEvent(ev t1.Event) {
	fe := Event{}
	switch ev.Type {
	case t1.EventATRReceived:
		fe.Type = EventATRReceived
		fe.ATR = ev.ATR
	case t1.EventConnect:
		fe.Type = EventConnect
	case t1.EventAPDUReceived:
		fe.Type = EventAPDUReceived
		fe.APDU = ev.APDU
	case t1.EventPPSExchangeDone:
		fe.Type = EventPPSExchangeDone
	case t1.EventError:
		fe.Type = EventError
		fe.Error = errorString(ev.Err)
	}
	a.h.eventCB(fe)
}

// errorString maps an engine error to its façade string, via the
// engine's own static Kind→description table.
func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Init allocates a T=1 handle bound to serialOut (the transport's
// transmit collaborator) and eventCB (the façade's event sink), with
// entries as the engine's declared configuration (normally
// t1.DefaultEntries()). It always starts in wait_atr.
func Init(serialOut func(buf []byte) bool, eventCB func(Event), entries []config.Entry) (*Handle, error) {
	if serialOut == nil || eventCB == nil {
		return nil, fmt.Errorf("protocol: init requires non-nil serial_out and event callbacks")
	}
	h := &Handle{serialOut: serialOut, eventCB: eventCB}
	h.engine = t1.New(entries)
	h.engine.Init(facadeAdapter{h: h})
	return h, nil
}

// Deinit releases handle's resources. The engine holds no external
// handles of its own; Deinit exists for symmetry with Init and so a
// future protocol that does own a resource has somewhere to release it.
func (h *Handle) Deinit() {
	h.engine = nil
}

// Reset re-initializes the underlying engine.
func (h *Handle) Reset(waitATR bool) {
	h.engine.Reset(waitATR)
}

// TimerTask advances the engine's timers by elapsedMs.
func (h *Handle) TimerTask(elapsedMs uint32) {
	h.engine.TimerTask(elapsedMs)
}

// SerialIn feeds received bytes into the engine.
func (h *Handle) SerialIn(buf []byte) {
	h.engine.SerialIn(buf)
}

// TransmitAPDU submits apdu for transmission.
func (h *Handle) TransmitAPDU(apdu []byte) error {
	return h.engine.TransmitAPDU(apdu)
}

// State exposes the engine's raw FSM state as a plain int, for callers
// (pkg/conn) that need to distinguish idle/wait_response/error without
// importing pkg/t1.
func (h *Handle) State() int {
	return int(h.engine.State())
}

// IsError reports whether the underlying engine is in its terminal
// error state.
func (h *Handle) IsError() bool {
	return h.engine.State() == t1.StateError
}

// ATR returns the raw ATR bytes of the last successfully parsed ATR,
// or nil.
func (h *Handle) ATR() []byte {
	a := h.engine.ATR()
	if a == nil {
		return nil
	}
	return a.Raw
}

// Config exposes the engine's live configuration vector for callers
// that need individual parameters (the connection layer reads ta1_value
// when pushing CCID SetParameters after PPS).
func (h *Handle) Config() *config.Vector {
	return h.engine.Config()
}

// SetTimeouts applies atrMs/rspMs/maxMs to the engine's configuration
// vector. Each accepts Unchanged or UseDefault in place of a concrete
// value.
func (h *Handle) SetTimeouts(atrMs, rspMs, maxMs int) error {
	cfg := h.engine.Config()
	if err := cfg.Set(t1.CfgATRMs, atrMs); err != nil {
		return err
	}
	if err := cfg.Set(t1.CfgResponseMs, rspMs); err != nil {
		return err
	}
	if err := cfg.Set(t1.CfgResponseMaxMs, maxMs); err != nil {
		return err
	}
	return nil
}

// SetUSBFeatures applies the CCID dwFeatures mask and the reader's
// maximum IFSD to the engine's configuration vector.
func (h *Handle) SetUSBFeatures(dwFeatures, maxIFSD int) error {
	cfg := h.engine.Config()
	if err := cfg.Set(t1.CfgDwFeatures, dwFeatures); err != nil {
		return err
	}
	return cfg.Set(t1.CfgIFSD, maxIFSD)
}
