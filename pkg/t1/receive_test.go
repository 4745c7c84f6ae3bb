package t1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastSent(card *fakeCard) []byte {
	return card.sent[len(card.sent)-1]
}

func lastErrCode(t *testing.T, card *fakeCard) Code {
	t.Helper()
	var terr *Error
	require.ErrorAs(t, card.events[len(card.events)-1].Err, &terr)
	return terr.Code
}

func TestOversizedLENIsNackedAsBadBlock(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	sentBefore := len(card.sent)

	e.SerialIn([]byte{0x00, 0x00, 0xFF})

	require.Len(t, card.sent, sentBefore+1)
	nack := Decode(lastSent(card)[1], nil)
	assert.Equal(t, KindR, nack.Kind)
	assert.Equal(t, AckErrOther, nack.Ack)
	assert.Equal(t, e.rxSeq, nack.Seq)
	assert.True(t, e.rxBad)
}

func TestCorruptEDCIsNackedWithEDCCode(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	sentBefore := len(card.sent)

	wire, _ := Encode(IBlock(0, false, []byte{0x90, 0x00}), e.edcMode)
	wire[len(wire)-1] ^= 0xFF
	e.SerialIn(wire)

	require.Len(t, card.sent, sentBefore+1)
	nack := Decode(lastSent(card)[1], nil)
	assert.Equal(t, KindR, nack.Kind)
	assert.Equal(t, AckErrEDC, nack.Ack)
}

func TestSequenceMismatchIsNacked(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	sentBefore := len(card.sent)

	wire, _ := Encode(IBlock(1, false, []byte{0x90, 0x00}), e.edcMode)
	e.SerialIn(wire)

	require.Len(t, card.sent, sentBefore+1)
	nack := Decode(lastSent(card)[1], nil)
	assert.Equal(t, KindR, nack.Kind)
	assert.Equal(t, AckErrOther, nack.Ack)
	assert.Equal(t, uint8(0), e.rxSeq, "a rejected I-block must not flip rx_seq_number")
}

func TestIFSRequestClampsAndReplies(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))

	wire, _ := Encode(SBlock(SIFS, false, 0x40), e.edcMode)
	e.SerialIn(wire)
	assert.Equal(t, 0x40, e.ifsc)
	reply := Decode(lastSent(card)[1], []byte{lastSent(card)[3]})
	assert.Equal(t, KindS, reply.Kind)
	assert.Equal(t, SIFS, reply.Cmd)
	assert.True(t, reply.IsResponse)
	assert.Equal(t, 0x40, reply.Inf)

	// A zero-INF IFS request clamps to the minimum of 1.
	wire, _ = Encode(SBlock(SIFS, false, 0), e.edcMode)
	e.SerialIn(wire)
	assert.Equal(t, 1, e.ifsc)
}

func TestWTXRequestStretchesResponseTimer(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	require.True(t, e.response.Active())
	e.TimerTask(1000) // half the default 2000 ms consumed

	wire, _ := Encode(SBlock(SWTX, false, 3), e.edcMode)
	e.SerialIn(wire)

	reply := Decode(lastSent(card)[1], []byte{lastSent(card)[3]})
	assert.Equal(t, SWTX, reply.Cmd)
	assert.True(t, reply.IsResponse)
	assert.Equal(t, 3, reply.Inf)
	assert.Equal(t, int64(3000), e.response.Remaining())
}

func TestWTXStretchClampsToMaxResponse(t *testing.T) {
	e, _ := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))

	wire, _ := Encode(SBlock(SWTX, false, 100), e.edcMode)
	e.SerialIn(wire)

	assert.Equal(t, int64(e.cfgVal(CfgResponseMaxMs)), e.response.Remaining())
}

func TestAbortFromCardIsTerminal(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))

	wire, _ := Encode(SBlock(SAbort, false, -1), e.edcMode)
	e.SerialIn(wire)

	require.Equal(t, StateError, e.State())
	assert.Equal(t, CodeSCAbort, lastErrCode(t, card))
}

func TestResynchResponseResetsSequencingAndRetransmits(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.cfg.SetByName("ifsc", 8))
	e.applyConfig()
	require.NoError(t, e.TransmitAPDU([]byte{0x01, 0x02}))

	// Exhaust the nack retry budget to push the engine into resync.
	for i := 0; i < maxBadBlockAttempts; i++ {
		nack, _ := Encode(RBlock(AckErrEDC, 0), e.edcMode)
		e.SerialIn(nack)
	}
	require.Equal(t, StateResync, e.State())
	sentBefore := len(card.sent)

	wire, _ := Encode(SBlock(SResynch, true, -1), e.edcMode)
	e.SerialIn(wire)

	assert.Equal(t, StateWaitResponse, e.State())
	assert.Equal(t, uint8(0), e.rxSeq)
	assert.Equal(t, uint8(0), e.lastSeq)
	assert.Equal(t, defaultIFSC(), e.ifsc)
	require.Len(t, card.sent, sentBefore+1, "queued I-block is retransmitted after resync")
	retx := Decode(lastSent(card)[1], nil)
	assert.Equal(t, KindI, retx.Kind)
}

func TestFirstBlockDeliveryFailureIsFatal(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	require.Equal(t, 1, e.txBlockCtr)

	for i := 0; i < maxBadBlockAttempts-1; i++ {
		e.handleBadBlock(KindUnknown, AckErrOther)
		require.Equal(t, StateWaitResponse, e.State(), "attempt %d", i)
	}
	e.handleBadBlock(KindUnknown, AckErrOther)

	require.Equal(t, StateError, e.State())
	assert.Equal(t, CodeCommFailure, lastErrCode(t, card))
}

func TestResyncRetriesAreBoundedAtThree(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))
	e.state = StateResync
	e.attempts = 0

	e.handleBadBlock(KindUnknown, AckErrOther)
	require.Equal(t, StateResync, e.State())
	e.handleBadBlock(KindUnknown, AckErrOther)
	require.Equal(t, StateResync, e.State())
	e.handleBadBlock(KindUnknown, AckErrOther)

	require.Equal(t, StateError, e.State())
	assert.Equal(t, CodeCommFailure, lastErrCode(t, card))
}

func TestRxSkipBytesDiscardsLoopback(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.cfg.Set(CfgRxSkipBytes, 2))
	e.resetRxSub()
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))

	wire, _ := Encode(IBlock(0, false, []byte{0x90, 0x00}), e.edcMode)
	e.SerialIn(append([]byte{0xAA, 0xBB}, wire...))

	require.Equal(t, StateIdle, e.State())
	assert.Equal(t, EventAPDUReceived, card.lastEventType())
	assert.Equal(t, []byte{0x90, 0x00}, card.events[len(card.events)-1].APDU)
}

func TestOversizedReassemblyRaisesError(t *testing.T) {
	e, card := connectEngine(t)
	require.NoError(t, e.TransmitAPDU([]byte{0x00}))

	chunk := make([]byte, 128)
	blk1, _ := Encode(IBlock(0, true, chunk), e.edcMode)
	e.SerialIn(blk1)
	require.NotEqual(t, StateError, e.State())

	blk2, _ := Encode(IBlock(1, true, chunk), e.edcMode)
	e.SerialIn(blk2)

	require.Equal(t, StateError, e.State())
	assert.Equal(t, CodeOversizedAPDU, lastErrCode(t, card))
}
