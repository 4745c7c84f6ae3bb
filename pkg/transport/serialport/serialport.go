// Package serialport is the real Linux serial backend for a
// direct-wired smart-card reader, built on github.com/daedaluz/goserial
// for raw termios access. RST/PRES/PWR are carried over modem-control
// lines: RTS drives RST, DTR drives PWR, and CTS is read back for
// card presence. A common direct-wired reader wiring, configurable
// per Pin via Wiring.
package serialport

import (
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/scio7816/cardio/pkg/transport"
)

func init() {
	transport.RegisterInterface("serial", New)
}

// Wiring maps the three logical pins onto modem-control lines. The
// zero value is the common RST=RTS / PWR=DTR / PRES=CTS wiring.
type Wiring struct {
	Reset    serial.ModemLine
	Power    serial.ModemLine
	Presence serial.ModemLine
}

func defaultWiring() Wiring {
	return Wiring{
		Reset:    serial.TIOCM_RTS,
		Power:    serial.TIOCM_DTR,
		Presence: serial.TIOCM_CTS,
	}
}

// Port is a Transport over a direct-wired serial smart-card reader.
type Port struct {
	port   *serial.Port
	wiring Wiring
	start  time.Time
}

// New opens channel (a tty device path, e.g. "/dev/ttyUSB0") at
// 9600 8N1 raw mode and returns it wired with the default RST/PWR/PRES
// modem-line assignment. Use Open directly for a non-default Wiring.
func New(channel string) (transport.Transport, error) {
	return Open(channel, defaultWiring())
}

// Open opens channel with an explicit pin wiring.
func Open(channel string, wiring Wiring) (transport.Transport, error) {
	p, err := serial.Open(channel, nil)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", channel, err)
	}
	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("serialport: get attr: %w", err)
	}
	attrs.MakeRaw()
	attrs.SetSpeed(serial.B9600)
	attrs.Cflag |= serial.CS8 | serial.CLOCAL | serial.CREAD
	if err := p.SetAttr(serial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialport: set attr: %w", err)
	}
	return &Port{port: p, wiring: wiring, start: time.Now()}, nil
}

func (p *Port) SerialTx(buf []byte) bool {
	n, err := p.port.Write(buf)
	return err == nil && n == len(buf)
}

func (p *Port) SerialRxAvailable(buf []byte) int {
	n, err := p.port.ReadTimeout(buf, 0)
	if err != nil {
		return 0
	}
	return n
}

func (p *Port) lineFor(pin transport.Pin) serial.ModemLine {
	switch pin {
	case transport.PinReset:
		return p.wiring.Reset
	case transport.PinPower:
		return p.wiring.Power
	case transport.PinPresence:
		return p.wiring.Presence
	default:
		return 0
	}
}

func (p *Port) PinRead(pin transport.Pin) bool {
	lines, err := p.port.GetModemLines()
	if err != nil {
		return false
	}
	return lines&p.lineFor(pin) != 0
}

func (p *Port) PinWrite(pin transport.Pin, active bool) {
	line := p.lineFor(pin)
	if line == 0 {
		return
	}
	if active {
		p.port.EnableModemLines(line)
	} else {
		p.port.DisableModemLines(line)
	}
}

func (p *Port) TicksMs() uint32 {
	return uint32(time.Since(p.start).Milliseconds())
}

func (p *Port) SleepMs(n uint32) {
	time.Sleep(time.Duration(n) * time.Millisecond)
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	return p.port.Close()
}
