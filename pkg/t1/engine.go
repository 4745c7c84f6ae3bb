// Package t1 implements the ISO/IEC 7816-3 T=1 block protocol engine:
// ATR-driven setup, PPS and IFSD negotiation, block framing and
// sequencing, chaining, retransmission, and resynchronization.
package t1

import (
	log "github.com/sirupsen/logrus"

	"github.com/scio7816/cardio/internal/edc"
	"github.com/scio7816/cardio/internal/fifo"
	"github.com/scio7816/cardio/pkg/atr"
	"github.com/scio7816/cardio/pkg/config"
)

const (
	maxBadBlockAttempts = 10
	maxResyncAttempts   = 3

	defaultOutboundFifo = 1024
	defaultAPDUBufSize  = 255

	attemptsBeforeTxBlockCtrSaturate = 1<<31 - 1
)

// Engine is one T=1 protocol instance, owned by a connection through
// the façade (C5). It has no exported fields; all interaction is
// through its methods and the Callbacks interface supplied at Init.
type Engine struct {
	state State
	cb    Callbacks
	cfg   *config.Vector

	edcMode edc.Mode
	ifsc    int // negotiated card IFSC, used to chunk our outgoing blocks
	ifsd    int // our own declared IFSD, announced to the card

	atrAccepted bool
	atrBuf      []byte
	atr         *atr.ATR

	ppsBuf      []byte
	ppsExpected []byte

	rxSub   recvSub
	rxSkipN int
	rxPCB   byte
	rxLen   int
	rxINF   []byte
	rxEDC   []byte
	rxSeq   uint8
	rxBad   bool

	apdu    []byte
	apduMax int
	newAPDU bool

	outFifo    *fifo.Fifo
	lastWire   []byte
	lastBlock  Block
	txSeq      uint8
	lastSeq    uint8
	attempts   int
	txBlockCtr int

	interByte Timer
	atrTimer  Timer
	response  Timer
}

// New allocates an engine with entries as its configuration vector
// declaration (normally t1.DefaultEntries()).
func New(entries []config.Entry) *Engine {
	e := &Engine{
		cfg:     config.New(entries),
		outFifo: fifo.New(defaultOutboundFifo),
	}
	e.applyConfig()
	return e
}

// Config returns the engine's live configuration vector, for
// set_timeouts/set_usb_features style façade calls.
func (e *Engine) Config() *config.Vector {
	return e.cfg
}

func (e *Engine) cfgVal(id int) int {
	v, _ := e.cfg.Get(id)
	return v
}

// applyConfig refreshes cached fields derived from the configuration
// vector; called after Init and after any Set that affects the
// engine's active parameters.
func (e *Engine) applyConfig() {
	if e.cfgVal(CfgUseCRC) != 0 {
		e.edcMode = edc.CRC
	} else {
		e.edcMode = edc.LRC
	}
	e.ifsc = e.cfgVal(CfgIFSC)
	e.ifsd = e.cfgVal(CfgIFSD)
	e.apduMax = defaultAPDUBufSize
}

// Init binds the engine to its callback collaborator. It must be
// called exactly once before any other operation.
func (e *Engine) Init(cb Callbacks) {
	e.cb = cb
	e.Reset(true)
}

// State reports the engine's current FSM state.
func (e *Engine) State() State {
	return e.state
}

// ATR returns the last successfully parsed ATR, or nil.
func (e *Engine) ATR() *atr.ATR {
	return e.atr
}

// Reset reinitializes the engine. With
// waitATR, the FSM returns to wait_atr and arms the ATR timer; no
// transmit_apdu is accepted until an ATR has been accepted. Without
// waitATR (the disconnect path) the same state is cleared and the FSM
// is also left in wait_atr, but the ATR timer stays disarmed, so no
// ATR timeout is raised.
func (e *Engine) Reset(waitATR bool) {
	e.applyConfig()
	e.atrAccepted = false
	e.atrBuf = e.atrBuf[:0]
	e.atr = nil
	e.ppsBuf = e.ppsBuf[:0]
	e.resetRxSub()
	e.rxSeq = 0
	e.rxBad = false
	e.apdu = e.apdu[:0]
	e.newAPDU = false
	e.outFifo.Reset()
	e.lastWire = nil
	e.txSeq = 0
	e.lastSeq = 0
	e.attempts = 0
	e.txBlockCtr = 0
	e.interByte.Disarm()
	e.atrTimer.Disarm()
	e.response.Disarm()

	if waitATR {
		e.state = StateWaitATR
		e.atrTimer.Arm(uint32(e.cfgVal(CfgATRMs)))
	} else {
		e.state = StateWaitATR
	}
}

// TimerTask advances the engine's three timers by elapsedMs,
// reacting to whichever one (if any) expires.
func (e *Engine) TimerTask(elapsedMs uint32) {
	if e.state == StateError {
		return
	}
	if e.state == StateIFSDSetupPrepare {
		e.sendBlock(SBlock(SIFS, false, e.ifsd))
		e.state = StateIFSDSetup
	}
	if e.interByte.Tick(elapsedMs) {
		e.onInterByteExpiry()
	}
	if e.atrTimer.Tick(elapsedMs) && e.state == StateWaitATR {
		e.raiseError(CodeATRTimeout, "no ATR received before timeout")
	}
	if e.response.Tick(elapsedMs) {
		e.onResponseExpiry()
	}
}

func (e *Engine) onInterByteExpiry() {
	switch e.state {
	case StateWaitATR:
		e.finishATR()
	case StatePPSExchange:
		e.raiseError(CodePPSFailed, "pps response timed out")
	case StateIFSDSetup:
		e.raiseError(CodeCommFailure, "ifsd setup timed out")
	case StateWaitResponse, StateResync:
		e.handleBadBlock(KindUnknown, AckErrOther)
	}
}

func (e *Engine) onResponseExpiry() {
	switch e.state {
	case StateWaitResponse, StateResync, StateIFSDSetup:
		e.handleBadBlock(KindUnknown, AckErrOther)
	}
}

// SerialIn feeds bytes that arrived from the transport. Routing
// depends on the current state: wait_atr and pps_exchange consume raw
// bytes directly, every other active state runs them through the
// block receive sub-FSM.
func (e *Engine) SerialIn(buf []byte) {
	for _, b := range buf {
		if e.state == StateError {
			return
		}
		e.interByte.Arm(uint32(e.cfgVal(CfgInterByteMs)))
		switch e.state {
		case StateWaitATR:
			e.atrBuf = append(e.atrBuf, b)
		case StatePPSExchange:
			e.ppsBuf = append(e.ppsBuf, b)
			if len(e.ppsBuf) >= len(e.ppsExpected) {
				e.interByte.Disarm()
				e.checkPPSResponse()
			}
		default:
			e.handleRxByte(b)
		}
	}
}

// TransmitAPDU queues apdu for transmission, chunked into the
// negotiated IFSC, and sends the first chunk. It is only accepted
// from idle.
func (e *Engine) TransmitAPDU(apdu []byte) error {
	if e.state != StateIdle || !e.atrAccepted {
		return newError(CodeInternal, "transmit_apdu outside idle state")
	}
	if err := e.queueChained(apdu); err != nil {
		return err
	}
	e.newAPDU = false
	e.state = StateWaitResponse
	e.sendNextQueued()
	return nil
}

// NewAPDUPending reports whether a complete response has been
// reassembled since the last TransmitAPDU call.
func (e *Engine) NewAPDUPending() bool {
	return e.newAPDU
}

func (e *Engine) raiseError(code Code, detail string) {
	e.state = StateError
	log.WithField("code", code).Debug("t1: engine error")
	e.cb.HandleEvent(Event{Type: EventError, Err: newError(code, detail)})
}

func (e *Engine) emit(ev Event) {
	e.cb.HandleEvent(ev)
}
