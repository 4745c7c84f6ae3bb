package t1

// queueChained splits apdu into IFSC-sized I-blocks and pushes their
// wire encodings, each preceded by a 2-byte big-endian length header,
// atomically onto the outbound FIFO. N(S) continues
// toggling across calls; it is reset only by a successful resync or
// by Reset.
func (e *Engine) queueChained(apdu []byte) error {
	chunk := e.ifsc
	if chunk < 1 {
		chunk = 1
	}
	if chunk > MaxLEN {
		chunk = MaxLEN
	}

	n := len(apdu)
	nBlocks := 1
	if n > 0 {
		nBlocks = (n + chunk - 1) / chunk
	}

	seq := e.txSeq
	wires := make([][]byte, 0, nBlocks)
	total := 0
	for i := 0; i < nBlocks; i++ {
		start := i * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		more := i < nBlocks-1
		wire, err := Encode(IBlock(seq, more, apdu[start:end]), e.edcMode)
		if err != nil {
			return err
		}
		wires = append(wires, wire)
		total += 2 + len(wire)
		seq ^= 1
	}

	if total > e.outFifo.Free() {
		return newError(CodeOversizedAPDU, "chained apdu exceeds outbound fifo capacity")
	}
	for _, wire := range wires {
		hdr := [2]byte{byte(len(wire) >> 8), byte(len(wire))}
		_ = e.outFifo.PushBytes(hdr[:])
		_ = e.outFifo.PushBytes(wire)
	}
	e.txSeq = seq
	return nil
}

// peekNextWire stages the next queued block without consuming it, so
// it can be resent verbatim on retry.
func (e *Engine) peekNextWire() (wire []byte, ok bool) {
	if e.outFifo.Used() < 2 {
		return nil, false
	}
	c := e.outFifo.PeekCursor()
	var hdr [2]byte
	e.outFifo.ReadAt(&c, hdr[:])
	n := int(hdr[0])<<8 | int(hdr[1])
	wire = make([]byte, n)
	e.outFifo.ReadAt(&c, wire)
	return wire, true
}

// dropCurrentOutbound discards the staged (already-transmitted) block
// from the FIFO now that its delivery is confirmed.
func (e *Engine) dropCurrentOutbound() {
	var hdr [2]byte
	if e.outFifo.PopBytes(hdr[:]) < 2 {
		return
	}
	n := int(hdr[0])<<8 | int(hdr[1])
	e.outFifo.Drop(n)
}

// trySendNextQueued stages and transmits the next queued block, if
// any. ok is false only when the transport itself failed; a fifo that
// is simply empty returns (false, true).
func (e *Engine) trySendNextQueued() (sent bool, ok bool) {
	wire, has := e.peekNextWire()
	if !has {
		return false, true
	}
	if !e.cb.SerialOut(wire) {
		e.raiseError(CodeSerialOut, "serial_out failed")
		return false, false
	}
	e.lastWire = wire
	e.lastBlock = Decode(wire[1], wire[PrologueSize:len(wire)-e.edcMode.Size()])
	e.lastSeq = e.lastBlock.Seq
	e.attempts = 0
	if e.txBlockCtr < attemptsBeforeTxBlockCtrSaturate {
		e.txBlockCtr++
	}
	e.response.Arm(uint32(e.cfgVal(CfgResponseMs)))
	return true, true
}

// sendNextQueued is trySendNextQueued without distinguishing "nothing
// queued" from "sent", for call sites that only need the attempt.
func (e *Engine) sendNextQueued() {
	e.trySendNextQueued()
}

// retransmitLast resends the last staged wire block verbatim.
func (e *Engine) retransmitLast() bool {
	if e.lastWire == nil {
		return false
	}
	if !e.cb.SerialOut(e.lastWire) {
		e.raiseError(CodeSerialOut, "serial_out failed")
		return false
	}
	e.response.Arm(uint32(e.cfgVal(CfgResponseMs)))
	return true
}
