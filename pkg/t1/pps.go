package t1

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/scio7816/cardio/pkg/atr"
)

// autoPPSFeature is the CCID dwFeatures bit meaning "automatic PPS
// made by the reader itself"; when set the driver must not also
// perform PPS.
const autoPPSFeature = 0x00000004

// taGlobalIndex of a global interface byte within ATR.Global, where
// group is 1-based (TA1=group1,offset0 ... TC3=group3,offset2).
func taGlobalIndex(group, offset int) int {
	return (group-1)*3 + offset
}

// finishATR is called when the inter-byte timer expires while
// waiting for the ATR: the accumulated bytes are parsed and the
// engine proceeds into PPS or IFSD setup, or fails.
func (e *Engine) finishATR() {
	e.interByte.Disarm()
	e.atrTimer.Disarm()

	parsed, err := atr.Parse(e.atrBuf)
	if err != nil {
		e.raiseError(CodeBadATR, err.Error())
		return
	}
	e.atr = parsed
	e.atrAccepted = true
	e.emit(Event{Type: EventATRReceived, ATR: append([]byte(nil), parsed.Raw...)})

	if !parsed.T1Supported {
		e.raiseError(CodeIncompatible, "card does not support T=1")
		return
	}

	e.negotiateFromATR(parsed)

	if e.needsPPS(parsed) {
		e.startPPS()
	} else {
		e.state = StateIFSDSetupPrepare
	}
}

// negotiateFromATR applies the card's declared T=1 interface bytes
// before PPS/IFSD setup: TA of the first T=1 interface group sets the
// card's IFSC, TC of that same group selects the EDC (bit 0: 0=LRC,
// 1=CRC). This is the ATR-driven half of EDC/IFSC negotiation;
// only switching either value mid-session afterward is out of scope.
func (e *Engine) negotiateFromATR(a *atr.ATR) {
	if v := a.T1[0]; v != nil {
		if err := e.cfg.Set(CfgIFSC, int(*v)); err != nil {
			log.WithError(err).Debug("t1: ignoring out-of-range ATR IFSC")
		}
	}
	if v := a.T1[2]; v != nil {
		if err := e.cfg.Set(CfgUseCRC, int(*v)&1); err != nil {
			log.WithError(err).Debug("t1: ignoring invalid ATR use_crc bit")
		}
	}
	e.applyConfig()
}

// needsPPS reports whether a PPS exchange must run before IFSD setup:
// T=1 is supported, the card left the protocol/parameters negotiable
// (no TA2), and the reader itself doesn't already perform PPS.
func (e *Engine) needsPPS(a *atr.ATR) bool {
	if a.Global[taGlobalIndex(2, 0)] != nil { // TA2 present: specific mode, fixed already
		return false
	}
	if e.cfgVal(CfgDwFeatures)&autoPPSFeature != 0 {
		return false
	}
	return true
}

func (e *Engine) startPPS() {
	req := e.buildPPSRequest()
	if !e.cb.SerialOut(req) {
		e.raiseError(CodeSerialOut, "serial_out failed")
		return
	}
	e.ppsBuf = e.ppsBuf[:0]
	e.ppsExpected = req
	if size := e.cfgVal(CfgPPSSize); size > 0 && size < len(e.ppsExpected) {
		e.ppsExpected = e.ppsExpected[:size]
	}
	e.interByte.Arm(uint32(e.cfgVal(CfgInterByteMs)))
	e.state = StatePPSExchange
}

// buildPPSRequest assembles PPSS/PPS0/[PPS1]/PCK. PPS0 bit 4 signals
// PPS1 presence; this driver ties that bit to is_usb_reader rather
// than to any negotiated parameter.
func (e *Engine) buildPPSRequest() []byte {
	pps0 := byte(0x01)
	if e.cfgVal(CfgIsUSBReader) != 0 {
		pps0 |= 0x10
	}
	out := []byte{0xFF, pps0}
	if pps0&0x10 != 0 {
		out = append(out, byte(e.cfgVal(CfgTA1Value)))
	}
	var x byte
	for _, b := range out {
		x ^= b
	}
	return append(out, x)
}

func (e *Engine) checkPPSResponse() {
	size := len(e.ppsExpected)
	if len(e.ppsBuf) < size || !bytes.Equal(e.ppsBuf[:size], e.ppsExpected) {
		e.raiseError(CodePPSFailed, "pps response mismatch")
		return
	}
	e.emit(Event{Type: EventPPSExchangeDone})
	e.state = StateIFSDSetupPrepare
}
