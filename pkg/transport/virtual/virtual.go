// Package virtual is an in-process Transport that loops bytes
// directly in memory, with test hooks to script a simulated card's
// responses and presence/pin state. It has no business being used
// against a real card; it exists for pkg/conn's and pkg/reader's own
// test suites and for local experimentation.
package virtual

import (
	"time"

	"github.com/scio7816/cardio/pkg/transport"
)

func init() {
	transport.RegisterInterface("virtual", New)
}

// Bus is a scriptable in-memory Transport. Card-side bytes queued with
// Feed become available through SerialRxAvailable; bytes the driver
// transmits through SerialTx accumulate in Sent for a test to inspect.
type Bus struct {
	channel string

	rx        []byte
	Sent      [][]byte
	pins      [3]bool
	start     time.Time
	responder func(sent []byte) []byte
}

// New is registered under the "virtual" transport name.
func New(channel string) (transport.Transport, error) {
	return &Bus{channel: channel, start: time.Now()}, nil
}

// Feed appends buf to the bytes that will be returned by subsequent
// SerialRxAvailable calls, simulating the card (or reader) having sent
// them.
func (b *Bus) Feed(buf []byte) {
	b.rx = append(b.rx, buf...)
}

// SetPin forces pin's state for the next PinRead, simulating a change
// observed by the host (e.g. card insertion/removal).
func (b *Bus) SetPin(pin transport.Pin, active bool) {
	b.pins[pin] = active
}

// SetResponder installs a scripted card: fn is called with every
// transmitted frame and whatever it returns (nil for silence) is queued
// as if the card had replied. This is what lets blocking-mode tests
// run: the reply is already waiting when the wait loop next polls.
func (b *Bus) SetResponder(fn func(sent []byte) []byte) {
	b.responder = fn
}

func (b *Bus) SerialTx(buf []byte) bool {
	b.Sent = append(b.Sent, append([]byte(nil), buf...))
	if b.responder != nil {
		if reply := b.responder(buf); len(reply) > 0 {
			b.rx = append(b.rx, reply...)
		}
	}
	return true
}

func (b *Bus) SerialRxAvailable(buf []byte) int {
	n := copy(buf, b.rx)
	b.rx = b.rx[n:]
	return n
}

func (b *Bus) PinRead(pin transport.Pin) bool {
	return b.pins[pin]
}

func (b *Bus) PinWrite(pin transport.Pin, active bool) {
	b.pins[pin] = active
}

func (b *Bus) TicksMs() uint32 {
	return uint32(time.Since(b.start).Milliseconds())
}

func (b *Bus) SleepMs(n uint32) {
	time.Sleep(time.Duration(n) * time.Millisecond)
}
