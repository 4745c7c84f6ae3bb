package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scio7816/cardio/internal/edc"
	"github.com/scio7816/cardio/pkg/observer"
	"github.com/scio7816/cardio/pkg/t1"
	"github.com/scio7816/cardio/pkg/transport"
	"github.com/scio7816/cardio/pkg/transport/virtual"
)

// scriptCard installs a responder that answers the engine's IFSD setup
// and echoes a fixed response APDU to any I-block.
func scriptCard(bus *virtual.Bus, response []byte) {
	bus.SetResponder(func(sent []byte) []byte {
		blk := t1.Decode(sent[1], sent[t1.PrologueSize:len(sent)-1])
		switch {
		case blk.Kind == t1.KindS && !blk.IsResponse && blk.Cmd == t1.SIFS:
			wire, _ := t1.Encode(t1.SBlock(t1.SIFS, true, blk.Inf), edc.LRC)
			return wire
		case blk.Kind == t1.KindI:
			wire, _ := t1.Encode(t1.IBlock(blk.Seq, false, response), edc.LRC)
			return wire
		default:
			return nil
		}
	})
}

func TestBlockingConnectCompletesAgainstScriptedCard(t *testing.T) {
	c, bus := newTestConn(t)
	scriptCard(bus, nil)

	// The ATR is waiting in the receive buffer when reset releases; the
	// blocking wait loop consumes it, lets the inter-byte timer expire,
	// and then walks IFSD setup against the responder.
	bus.Feed(atrVector())
	require.NoError(t, c.Connect(-1))

	assert.Equal(t, StateConnected, c.GetState())
	assert.Equal(t, atrVector(), c.GetATR())
}

func TestBlockingTransmitReturnsDecomposedResponse(t *testing.T) {
	c, bus := newTestConn(t)
	scriptCard(bus, []byte{0x61, 0x02, 0x90, 0x00})
	bus.Feed(atrVector())
	require.NoError(t, c.Connect(-1))

	resp, err := c.Transmit([]byte{0x00, 0xA4, 0x04, 0x00, 0x00}, -1)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.HasStatus)
	assert.Equal(t, []byte{0x61, 0x02}, resp.Data)
	assert.Equal(t, byte(0x90), resp.SW1)
	assert.Equal(t, byte(0x00), resp.SW2)
}

func TestBlockingTransmitShortResponseHasNoStatus(t *testing.T) {
	c, bus := newTestConn(t)
	scriptCard(bus, []byte{0x3D})
	bus.Feed(atrVector())
	require.NoError(t, c.Connect(-1))

	resp, err := c.Transmit([]byte{0x00}, -1)
	require.NoError(t, err)
	assert.False(t, resp.HasStatus)
	assert.Equal(t, []byte{0x3D}, resp.Data)
}

func TestBlockingConnectSurfacesIncompatibleCard(t *testing.T) {
	c, bus := newTestConn(t)
	bus.Feed([]byte{0x3B, 0x90, 0x11, 0x00}) // T=0 only

	err := c.Connect(-1)
	require.Error(t, err)
	assert.Equal(t, StateError, c.GetState())
}

func TestTransmitRefusedBeforeConnect(t *testing.T) {
	c, _ := newTestConn(t)
	_, err := c.Transmit([]byte{0x00}, -1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransmitNotifiesObserversOfCommand(t *testing.T) {
	c, bus := newTestConn(t)
	scriptCard(bus, []byte{0x90, 0x00})
	bus.Feed(atrVector())
	require.NoError(t, c.Connect(-1))

	r := &recorder{}
	c.AddObserver(r)
	_, err := c.Transmit([]byte{0x00, 0xA4}, -1)
	require.NoError(t, err)

	var cmd, resp bool
	for _, ev := range r.events {
		switch ev.Type {
		case observer.EventCommand:
			cmd = true
		case observer.EventResponse:
			resp = true
		}
	}
	assert.True(t, cmd)
	assert.True(t, resp)
}

func TestBlockingPresenceCheckCommitsStableReading(t *testing.T) {
	c, bus := newTestConn(t)
	r := &recorder{}
	c.AddObserver(r)
	c.presencePresent = false
	bus.SetPin(transport.PinPresence, true)

	assert.True(t, c.blockingPresenceCheck())
	assert.True(t, c.IsCardInserted())
	c.drainObservers()

	var sawInsertion bool
	for _, ev := range r.events {
		if ev.Type == observer.EventInsertion {
			sawInsertion = true
		}
	}
	assert.True(t, sawInsertion, "blocking debounce path must emit insertion like the tick path")
}
