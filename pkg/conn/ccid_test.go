package conn

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scio7816/cardio/internal/edc"
	"github.com/scio7816/cardio/pkg/t1"
	"github.com/scio7816/cardio/pkg/transport"
	"github.com/scio7816/cardio/pkg/transport/virtual"
)

func newCCID(t *testing.T) (*CCIDTransport, *virtual.Bus) {
	t.Helper()
	raw, err := virtual.New("usb")
	require.NoError(t, err)
	bus := raw.(*virtual.Bus)
	return NewCCIDTransport(raw, 0), bus
}

// dataBlock frames payload as an RDR_to_PC_DataBlock bulk-in message.
func dataBlock(slot, seq byte, payload []byte) []byte {
	hdr := make([]byte, ccidHeaderSize)
	hdr[0] = respDataBlock
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	hdr[5] = slot
	hdr[6] = seq
	return append(hdr, payload...)
}

// slotStatus frames an RDR_to_PC_SlotStatus: bStatus rides in header
// byte 7, the payload is empty.
func slotStatus(slot, seq, status byte) []byte {
	hdr := make([]byte, ccidHeaderSize)
	hdr[0] = respSlotStatus
	hdr[5] = slot
	hdr[6] = seq
	hdr[7] = status
	return hdr
}

func TestEncodeXfrBlockHeader(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x02, 0x90, 0x00, 0x92}
	msg := EncodeXfrBlock(1, 7, 0, payload)

	require.Len(t, msg, ccidHeaderSize+len(payload))
	assert.Equal(t, byte(cmdXfrBlock), msg[0])
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(msg[1:5]))
	assert.Equal(t, byte(1), msg[5])
	assert.Equal(t, byte(7), msg[6])
	assert.Equal(t, byte(0), msg[7], "bBWI")
	assert.Equal(t, []byte{0, 0}, msg[8:10], "wLevelParameter")
	assert.Equal(t, payload, msg[ccidHeaderSize:])
}

func TestEncodeSetParametersT1Block(t *testing.T) {
	msg := EncodeSetParameters(0, 3, 0x11, 0x20)

	assert.Equal(t, byte(cmdSetParameters), msg[0])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(msg[1:5]))
	assert.Equal(t, byte(0x01), msg[7], "bProtocolNum selects T=1")
	params := msg[ccidHeaderSize:]
	assert.Equal(t, byte(0x11), params[0], "Fi/Di from TA1")
	assert.Equal(t, byte(0x10), params[4], "TCCKS")
	assert.Equal(t, byte(0x4D), params[5], "BWI/CWI")
	assert.Equal(t, byte(0x20), params[6], "IFSC")
}

func TestEncodePowerMessages(t *testing.T) {
	on := EncodeIccPowerOn(0, 0, Voltage5V)
	assert.Equal(t, byte(cmdIccPowerOn), on[0])
	assert.Equal(t, Voltage5V, on[7])

	off := EncodeIccPowerOff(0, 1)
	assert.Equal(t, byte(cmdIccPowerOff), off[0])
	assert.Equal(t, byte(1), off[6])
}

func TestDecodeCCIDMessageNeedsFullFrame(t *testing.T) {
	full := dataBlock(0, 0, []byte{0xAA, 0xBB})

	_, _, ok := decodeCCIDMessage(full[:5])
	assert.False(t, ok, "short header")
	_, _, ok = decodeCCIDMessage(full[:11])
	assert.False(t, ok, "truncated payload")

	msg, consumed, ok := decodeCCIDMessage(full)
	require.True(t, ok)
	assert.Equal(t, len(full), consumed)
	assert.Equal(t, []byte{0xAA, 0xBB}, msg.Payload)
}

func TestCCIDTransportWrapsOutboundInXfrBlock(t *testing.T) {
	ct, bus := newCCID(t)
	wire := []byte{0x00, 0x00, 0x00, 0x00}
	require.True(t, ct.SerialTx(wire))

	require.Len(t, bus.Sent, 1)
	assert.Equal(t, byte(cmdXfrBlock), bus.Sent[0][0])
	assert.Equal(t, wire, bus.Sent[0][ccidHeaderSize:])
}

func TestCCIDTransportStripsDataBlockHeader(t *testing.T) {
	ct, bus := newCCID(t)
	t1Bytes := []byte{0x00, 0x00, 0x02, 0x90, 0x00, 0x92}

	// A message arriving split across two reads must still decode.
	whole := dataBlock(0, 0, t1Bytes)
	bus.Feed(whole[:7])
	buf := make([]byte, 64)
	assert.Equal(t, 0, ct.SerialRxAvailable(buf), "incomplete message yields nothing")

	bus.Feed(whole[7:])
	n := ct.SerialRxAvailable(buf)
	assert.Equal(t, t1Bytes, buf[:n])
}

func TestCCIDTransportSequenceWraps(t *testing.T) {
	ct, bus := newCCID(t)
	ct.seq = 0xFF
	ct.SerialTx([]byte{0x01})
	ct.SerialTx([]byte{0x02})

	assert.Equal(t, byte(0xFF), bus.Sent[0][6])
	assert.Equal(t, byte(0x00), bus.Sent[1][6], "bSeq wraps mod 256")
}

func TestCCIDPresenceFromSlotStatus(t *testing.T) {
	ct, bus := newCCID(t)

	// bmICCStatus 0: present and active.
	bus.Feed(slotStatus(0, 0, 0x00))
	assert.True(t, ct.PinRead(transport.PinPresence))
	require.Equal(t, byte(cmdGetSlotStatus), bus.Sent[len(bus.Sent)-1][0])

	// bmICCStatus 2: no card.
	bus.Feed(slotStatus(0, 1, 0x02))
	assert.False(t, ct.PinRead(transport.PinPresence))
}

func TestCCIDPowerPinMapsToPowerMessages(t *testing.T) {
	ct, bus := newCCID(t)

	ct.PinWrite(transport.PinPower, true)
	require.NotEmpty(t, bus.Sent)
	assert.Equal(t, byte(cmdIccPowerOn), bus.Sent[0][0])
	assert.Equal(t, VoltageAuto, bus.Sent[0][7])

	ct.PinWrite(transport.PinPower, false)
	assert.Equal(t, byte(cmdIccPowerOff), bus.Sent[1][0])

	// RST has no CCID equivalent: no traffic.
	before := len(bus.Sent)
	ct.PinWrite(transport.PinReset, true)
	assert.Len(t, bus.Sent, before)
}

func TestApplyT1ParametersSendsSetParameters(t *testing.T) {
	ct, bus := newCCID(t)
	require.True(t, ct.ApplyT1Parameters(0x11, ccidPostPPSIFSC))
	require.Len(t, bus.Sent, 1)
	assert.Equal(t, byte(cmdSetParameters), bus.Sent[0][0])
	assert.Equal(t, byte(0x20), bus.Sent[0][ccidHeaderSize+6])
}

// A blocking connect through the whole CCID stack: presence via
// SlotStatus, ATR delivered in the IccPowerOn DataBlock, and IFSD
// setup riding XfrBlock/DataBlock framing.
func TestBlockingConnectOverCCIDTransport(t *testing.T) {
	ct, bus := newCCID(t)
	var rdrSeq byte
	bus.SetResponder(func(sent []byte) []byte {
		defer func() { rdrSeq++ }()
		switch sent[0] {
		case cmdGetSlotStatus:
			return slotStatus(0, rdrSeq, 0x00)
		case cmdIccPowerOn:
			return dataBlock(0, rdrSeq, atrVector())
		case cmdXfrBlock:
			wire := sent[ccidHeaderSize:]
			blk := t1.Decode(wire[1], wire[t1.PrologueSize:len(wire)-1])
			if blk.Kind == t1.KindS && !blk.IsResponse && blk.Cmd == t1.SIFS {
				reply, _ := t1.Encode(t1.SBlock(t1.SIFS, true, blk.Inf), edc.LRC)
				return dataBlock(0, rdrSeq, reply)
			}
			return nil
		default:
			return nil
		}
	})

	c := New(ct, Config{Name: "ccid", Polarity: CCIDPinPolarity()}, false, nil)
	require.NoError(t, c.Connect(-1))

	assert.Equal(t, StateConnected, c.GetState())
	assert.Equal(t, atrVector(), c.GetATR())

	// Power-off on disconnect must reach the reader as IccPowerOff.
	require.NoError(t, c.Disconnect())
	var sawPowerOff bool
	for _, msg := range bus.Sent {
		if msg[0] == cmdIccPowerOff {
			sawPowerOff = true
		}
	}
	assert.True(t, sawPowerOff)
}
