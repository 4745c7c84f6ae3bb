package t1

// EventType enumerates the façade-level events the engine emits.
type EventType int

const (
	EventATRReceived EventType = iota
	EventConnect
	EventAPDUReceived
	EventPPSExchangeDone
	EventError
)

func (e EventType) String() string {
	switch e {
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

// Event is the payload delivered to Callbacks.HandleEvent.
type Event struct {
	Type EventType
	ATR  []byte // EventATRReceived
	APDU []byte // EventAPDUReceived
	Err  error  // EventError
}

// Callbacks is the capability interface the engine calls out through:
// one method to push bytes onto the wire, one to report an event. The
// connection layer implements both and hands itself to the engine at
// Init time.
type Callbacks interface {
	// SerialOut transmits buf. It returns false only on a fatal,
	// non-retryable transport failure.
	SerialOut(buf []byte) bool
	// HandleEvent is invoked synchronously at the end of whichever
	// API entry produced the event; engine state has already been
	// updated by the time this is called, so re-entrant calls into
	// the engine from within HandleEvent are safe.
	HandleEvent(ev Event)
}
