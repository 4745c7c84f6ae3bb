package conn

import (
	"encoding/binary"

	"github.com/scio7816/cardio/pkg/transport"
)

// CCID bulk-out command codes and bulk-in response codes.
const (
	ccidHeaderSize = 10

	cmdIccPowerOn    = 0x62
	cmdIccPowerOff   = 0x63
	cmdGetSlotStatus = 0x65
	cmdSetParameters = 0x61
	cmdGetParameters = 0x6C
	cmdXfrBlock      = 0x6F

	respDataBlock  = 0x80
	respSlotStatus = 0x81
	respParameters = 0x82
)

// Voltage selectors for PC_to_RDR_IccPowerOn byte 7.
const (
	VoltageAuto byte = 0x00
	Voltage5V   byte = 0x01
	Voltage3V   byte = 0x02
	Voltage1_8V byte = 0x03
)

func ccidHeader(msgType byte, payloadLen int, slot, seq, b7, b8, b9 byte) []byte {
	hdr := make([]byte, ccidHeaderSize)
	hdr[0] = msgType
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(payloadLen))
	hdr[5] = slot
	hdr[6] = seq
	hdr[7] = b7
	hdr[8] = b8
	hdr[9] = b9
	return hdr
}

// EncodeIccPowerOn builds a PC_to_RDR_IccPowerOn message.
func EncodeIccPowerOn(slot, seq byte, voltage byte) []byte {
	return ccidHeader(cmdIccPowerOn, 0, slot, seq, voltage, 0, 0)
}

// EncodeIccPowerOff builds a PC_to_RDR_IccPowerOff message.
func EncodeIccPowerOff(slot, seq byte) []byte {
	return ccidHeader(cmdIccPowerOff, 0, slot, seq, 0, 0, 0)
}

// EncodeGetSlotStatus builds a PC_to_RDR_GetSlotStatus message.
func EncodeGetSlotStatus(slot, seq byte) []byte {
	return ccidHeader(cmdGetSlotStatus, 0, slot, seq, 0, 0, 0)
}

// EncodeXfrBlock wraps payload (raw T=1 wire bytes) in a
// PC_to_RDR_XfrBlock message; bwi is the block-waiting-time integer,
// wLevelParameter is always 0 for a single, complete APDU.
func EncodeXfrBlock(slot, seq, bwi byte, payload []byte) []byte {
	hdr := ccidHeader(cmdXfrBlock, len(payload), slot, seq, bwi, 0, 0)
	return append(hdr, payload...)
}

// EncodeSetParameters builds a PC_to_RDR_SetParameters message for T=1
// (protocol byte 0x01) with the 7-byte parameter block this driver
// always sends after PPS: Fi/Di from TA1, TCCKS fixed at 0x10, BWI/CWI
// fixed at 0x4D, and the negotiated IFSC.
func EncodeSetParameters(slot, seq, ta1, ifsc byte) []byte {
	hdr := ccidHeader(cmdSetParameters, 7, slot, seq, 0x01, 0, 0)
	params := []byte{ta1, 0x00, 0x00, 0x00, 0x10, 0x4D, ifsc}
	return append(hdr, params...)
}

// EncodeGetParameters builds a PC_to_RDR_GetParameters message.
func EncodeGetParameters(slot, seq byte) []byte {
	return ccidHeader(cmdGetParameters, 0, slot, seq, 0, 0, 0)
}

// ccidMessage is one parsed bulk-in message. Spec holds the three
// message-specific header bytes (bStatus/bError/bClockStatus for the
// RDR_to_PC responses).
type ccidMessage struct {
	Type    byte
	Slot    byte
	Seq     byte
	Spec    [3]byte
	Payload []byte
}

// decodeCCIDMessage strips and validates the 10-byte header, returning
// the message and the number of bytes of buf it consumed. ok is false
// if buf does not yet hold a complete message.
func decodeCCIDMessage(buf []byte) (msg ccidMessage, consumed int, ok bool) {
	if len(buf) < ccidHeaderSize {
		return ccidMessage{}, 0, false
	}
	length := int(binary.LittleEndian.Uint32(buf[1:5]))
	total := ccidHeaderSize + length
	if len(buf) < total {
		return ccidMessage{}, 0, false
	}
	msg = ccidMessage{
		Type:    buf[0],
		Slot:    buf[5],
		Seq:     buf[6],
		Payload: append([]byte(nil), buf[ccidHeaderSize:total]...),
	}
	copy(msg.Spec[:], buf[7:10])
	return msg, total, true
}

// CCIDTransport adapts a raw USB bulk pipe (itself a transport.Transport
// carrying whole CCID messages rather than bare T=1 bytes) into the
// plain byte-stream contract the connection layer and engine expect,
// framing outbound I/R/S blocks as XfrBlock and unwrapping inbound
// DataBlock messages. PinRead/PinWrite are reinterpreted in
// CCID terms: presence comes from GetSlotStatus, and RST/PWR map to
// IccPowerOn/Off rather than real GPIO lines.
type CCIDTransport struct {
	raw  transport.Transport
	slot byte
	seq  byte

	rx       []byte // undecoded bytes accumulated from raw
	decoded  []byte // decoded DataBlock payload not yet consumed
	lastSlot byte   // bStatus from the last SlotStatus (bmICCStatus in bits 0-1)
}

// NewCCIDTransport wraps raw, a bulk USB pipe transport, as the
// logical slot slot.
func NewCCIDTransport(raw transport.Transport, slot byte) *CCIDTransport {
	return &CCIDTransport{raw: raw, slot: slot, lastSlot: 0x02}
}

func (t *CCIDTransport) nextSeq() byte {
	seq := t.seq
	t.seq++
	return seq
}

// SerialTx frames buf as an XfrBlock and forwards it on the raw pipe.
func (t *CCIDTransport) SerialTx(buf []byte) bool {
	return t.raw.SerialTx(EncodeXfrBlock(t.slot, t.nextSeq(), 0, buf))
}

// ApplyT1Parameters pushes the negotiated T=1 parameters to the reader
// via SetParameters; the connection layer calls this once PPS completes.
func (t *CCIDTransport) ApplyT1Parameters(ta1, ifsc byte) bool {
	return t.raw.SerialTx(EncodeSetParameters(t.slot, t.nextSeq(), ta1, ifsc))
}

// pollRaw drains whatever the raw pipe currently has into t.rx and
// decodes as many complete messages as are available, routing
// DataBlock payloads into t.decoded and SlotStatus into lastSlot.
func (t *CCIDTransport) pollRaw() {
	scratch := make([]byte, 4096)
	n := t.raw.SerialRxAvailable(scratch)
	if n > 0 {
		t.rx = append(t.rx, scratch[:n]...)
	}
	for {
		msg, consumed, ok := decodeCCIDMessage(t.rx)
		if !ok {
			return
		}
		t.rx = t.rx[consumed:]
		switch msg.Type {
		case respDataBlock:
			t.decoded = append(t.decoded, msg.Payload...)
		case respSlotStatus:
			t.lastSlot = msg.Spec[0]
		}
	}
}

// SerialRxAvailable returns decoded T=1 bytes from any DataBlock
// messages received so far.
func (t *CCIDTransport) SerialRxAvailable(buf []byte) int {
	t.pollRaw()
	n := copy(buf, t.decoded)
	t.decoded = t.decoded[n:]
	return n
}

// PinRead reinterprets presence/reset/power in CCID terms. Presence
// issues a fresh GetSlotStatus and reports bmICCStatus bits 0-1 != 2
// (not absent); reset and power have no CCID pin equivalent and
// always read inactive.
func (t *CCIDTransport) PinRead(pin transport.Pin) bool {
	if pin != transport.PinPresence {
		return false
	}
	t.raw.SerialTx(EncodeGetSlotStatus(t.slot, t.nextSeq()))
	t.pollRaw()
	return t.lastSlot&0x03 != 0x02
}

// PinWrite maps power on/off onto IccPowerOn/IccPowerOff; reset has no
// CCID equivalent (power-on already performs a cold reset) and is a
// no-op.
func (t *CCIDTransport) PinWrite(pin transport.Pin, active bool) {
	switch pin {
	case transport.PinPower:
		if active {
			t.raw.SerialTx(EncodeIccPowerOn(t.slot, t.nextSeq(), VoltageAuto))
		} else {
			t.raw.SerialTx(EncodeIccPowerOff(t.slot, t.nextSeq()))
		}
	case transport.PinReset:
		// no-op: see doc comment.
	}
}

func (t *CCIDTransport) TicksMs() uint32  { return t.raw.TicksMs() }
func (t *CCIDTransport) SleepMs(n uint32) { t.raw.SleepMs(n) }

var _ transport.Transport = (*CCIDTransport)(nil)
