package t1

// State is one node of the engine FSM.
type State int

const (
	StateWaitATR State = iota
	StatePPSExchange
	StateIFSDSetupPrepare
	StateIFSDSetup
	StateIdle
	StateWaitResponse
	StateResync
	StateError
)

func (s State) String() string {
	switch s {
	case StateWaitATR:
		return "wait_atr"
	case StatePPSExchange:
		return "pps_exchange"
	case StateIFSDSetupPrepare:
		return "ifsd_setup_prepare"
	case StateIFSDSetup:
		return "ifsd_setup"
	case StateIdle:
		return "idle"
	case StateWaitResponse:
		return "wait_response"
	case StateResync:
		return "resync"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// recvSub is the receive sub-FSM's state while assembling one T=1
// block out of the byte stream.
type recvSub int

const (
	recvSkip recvSub = iota
	recvNAD
	recvPCB
	recvLEN
	recvINF
	recvEDC
)
