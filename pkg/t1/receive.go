package t1

import "github.com/scio7816/cardio/internal/edc"

// resetRxSub returns the receive sub-FSM to its starting state for
// the next block, honoring the configured loopback-suppression skip
// count.
func (e *Engine) resetRxSub() {
	e.rxSkipN = e.cfgVal(CfgRxSkipBytes)
	if e.rxSkipN <= 0 {
		e.rxSub = recvNAD
	} else {
		e.rxSub = recvSkip
	}
}

// handleRxByte advances the receive sub-FSM by one byte.
func (e *Engine) handleRxByte(b byte) {
	switch e.rxSub {
	case recvSkip:
		e.rxSkipN--
		if e.rxSkipN <= 0 {
			e.rxSub = recvNAD
		}
	case recvNAD:
		// NAD is ignored on receive.
		e.rxSub = recvPCB
	case recvPCB:
		e.rxPCB = b
		e.rxSub = recvLEN
	case recvLEN:
		n := int(b)
		if n > MaxLEN {
			e.resetRxSub()
			e.handleBadBlock(KindUnknown, AckErrOther)
			return
		}
		e.rxLen = n
		e.rxINF = e.rxINF[:0]
		e.rxEDC = e.rxEDC[:0]
		if n == 0 {
			e.rxSub = recvEDC
		} else {
			e.rxSub = recvINF
		}
	case recvINF:
		e.rxINF = append(e.rxINF, b)
		if len(e.rxINF) >= e.rxLen {
			e.rxSub = recvEDC
		}
	case recvEDC:
		e.rxEDC = append(e.rxEDC, b)
		if len(e.rxEDC) >= e.edcMode.Size() {
			e.finishBlock()
		}
	}
}

func (e *Engine) finishBlock() {
	// The inter-byte timer watches for a frame stalling mid-block; a
	// completed frame must not leave it running into the gap before
	// the next one.
	e.interByte.Disarm()
	pcb, length := e.rxPCB, e.rxLen
	inf := append([]byte(nil), e.rxINF...)
	got := append([]byte(nil), e.rxEDC...)
	e.resetRxSub()

	ok := edc.Verify(e.edcMode, got, []byte{NAD, pcb, byte(length)}, inf)
	blk := Decode(pcb, inf)
	if !ok {
		e.handleBadBlock(blk.Kind, AckErrEDC)
		return
	}
	e.dispatchBlock(blk)
}

// dispatchBlock routes a fully received, EDC-verified block to its
// handler.
func (e *Engine) dispatchBlock(b Block) {
	switch b.Kind {
	case KindI:
		e.handleIBlock(b)
	case KindR:
		e.handleRBlock(b)
	case KindS:
		e.handleSBlock(b)
	default:
		e.handleBadBlock(KindUnknown, AckErrOther)
	}
}

func (e *Engine) handleIBlock(b Block) {
	if b.Seq != e.rxSeq {
		e.handleBadBlock(KindI, AckErrOther)
		return
	}
	e.rxSeq ^= 1
	if !e.appendAPDU(b.INF) {
		return
	}
	if b.More {
		e.sendBlock(RBlock(AckOK, e.rxSeq))
		return
	}

	e.dropCurrentOutbound()
	_, ok := e.trySendNextQueued()
	if !ok {
		return
	}
	apdu := append([]byte(nil), e.apdu...)
	e.apdu = e.apdu[:0]
	e.state = StateIdle
	e.newAPDU = true
	e.emit(Event{Type: EventAPDUReceived, APDU: apdu})
}

func (e *Engine) appendAPDU(inf []byte) bool {
	if len(e.apdu)+len(inf) > e.apduMax {
		e.raiseError(CodeOversizedAPDU, "response exceeds reassembly buffer")
		return false
	}
	e.apdu = append(e.apdu, inf...)
	return true
}

func (e *Engine) handleRBlock(b Block) {
	switch b.Ack {
	case AckOK:
		if b.Seq != e.lastSeq && e.lastBlock.Kind == KindI && e.lastBlock.More {
			e.dropCurrentOutbound()
			e.sendNextQueued()
		}
	default:
		e.retryOutbound()
	}
}

func (e *Engine) handleSBlock(b Block) {
	switch b.Cmd {
	case SIFS:
		if !b.IsResponse {
			e.handleIFSRequest(b)
			return
		}
		e.handleIFSResponse()
	case SAbort:
		e.raiseError(CodeSCAbort, "operation aborted by smart card")
	case SWTX:
		if !b.IsResponse {
			e.handleWTXRequest(b)
		}
	case SResynch:
		if b.IsResponse {
			e.handleResynchResponse()
		}
	}
}

func (e *Engine) handleIFSRequest(b Block) {
	ifsc := b.Inf
	if ifsc < 1 {
		ifsc = 1
	}
	if ifsc > MaxLEN {
		ifsc = MaxLEN
	}
	e.ifsc = ifsc
	e.sendBlock(SBlock(SIFS, true, ifsc))
}

func (e *Engine) handleIFSResponse() {
	e.response.Disarm()
	if e.state != StateIFSDSetup {
		return
	}
	sent, ok := e.trySendNextQueued()
	if !ok {
		return
	}
	if sent {
		e.state = StateWaitResponse
	} else {
		e.state = StateIdle
	}
	e.emit(Event{Type: EventConnect})
}

func (e *Engine) handleWTXRequest(b Block) {
	inf := b.Inf
	if inf < 2 {
		inf = 2
	}
	e.sendBlock(SBlock(SWTX, true, inf))
	e.response.Stretch(inf, uint32(e.cfgVal(CfgResponseMaxMs)))
}

func (e *Engine) handleResynchResponse() {
	if e.state != StateResync {
		return
	}
	e.txSeq = 0
	e.lastSeq = 0
	e.rxSeq = 0
	e.ifsc = defaultIFSC()
	e.lastBlock = Block{}
	e.state = StateWaitResponse
	if e.outFifo.Used() > 0 {
		e.retransmitLast()
	}
}

func defaultIFSC() int {
	for _, entry := range DefaultEntries() {
		if entry.ID == CfgIFSC {
			return entry.Default
		}
	}
	return 32
}

// retryOutbound handles a nack (ack_err_edc/ack_err_other) received
// for our last transmitted block: retransmit it, or give up into
// resync once attempts are exhausted.
func (e *Engine) retryOutbound() {
	if e.state == StateResync {
		return
	}
	if e.attempts+1 < maxBadBlockAttempts {
		e.attempts++
		e.retransmitLast()
		return
	}
	e.state = StateResync
	e.attempts = 0
	e.sendBlock(SBlock(SResynch, false, -1))
}

// handleBadBlock is the generic recovery procedure for a block this
// engine itself could not accept on receive: EDC failure, oversized
// LEN, or an I-block sequence mismatch.
func (e *Engine) handleBadBlock(kind Kind, ack AckCode) {
	e.rxBad = true
	if e.state != StateResync {
		if e.attempts+1 < maxBadBlockAttempts {
			e.attempts++
			e.sendBlock(RBlock(ack, e.rxSeq))
			return
		}
		if e.txBlockCtr <= 1 {
			e.raiseError(CodeCommFailure, "first block delivery failed")
			return
		}
		e.state = StateResync
		e.attempts = 0
		e.sendBlock(SBlock(SResynch, false, -1))
		return
	}
	if e.attempts+1 < maxResyncAttempts {
		e.attempts++
		e.sendBlock(SBlock(SResynch, false, -1))
		return
	}
	e.raiseError(CodeCommFailure, "resynchronization exhausted")
}

// sendBlock transmits a single, non-queued block (an ack, S-block
// request, or S-block reply) and arms the response timer unless the
// block is itself an S-block reply that ends a micro-exchange.
func (e *Engine) sendBlock(b Block) bool {
	wire, err := Encode(b, e.edcMode)
	if err != nil {
		e.raiseError(CodeInternal, err.Error())
		return false
	}
	if !e.cb.SerialOut(wire) {
		e.raiseError(CodeSerialOut, "serial_out failed")
		return false
	}
	if !(b.Kind == KindS && b.IsResponse) {
		e.response.Arm(uint32(e.cfgVal(CfgResponseMs)))
	}
	return true
}
