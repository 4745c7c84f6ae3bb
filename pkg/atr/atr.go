// Package atr parses the Answer To Reset byte stream exchanged at the
// start of an ISO/IEC 7816-3 session.
package atr

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrBadATR is returned for any structural failure: wrong TS byte,
// truncated input, or a bad checksum.
var ErrBadATR = errors.New("atr: malformed answer to reset")

const (
	tsDirect  = 0x3B
	tsInverse = 0x3F
)

// globalSlots is len(TA1..TC3): three bytes per interface group, for
// the first two groups plus the lead-in of a third.
const globalSlots = 9

// ATR is the decoded form of a raw Answer To Reset.
type ATR struct {
	Raw []byte

	T0Supported bool
	T1Supported bool

	// Global holds TA1,TB1,TC1,TA2,TB2,TC2,TA3,TB3,TC3 in that order.
	// A nil entry means the byte was not present in the ATR.
	Global [globalSlots]*int16

	// T1 holds T=1-specific interface bytes, starting at the third
	// interface group onward whenever that group's announced
	// protocol is T=1 (TA3,TB3,TC3,TA4,...). Indices beyond capacity
	// are silently dropped.
	T1 [globalSlots]*int16

	Historical []byte

	// groups records the interface-byte structure exactly as parsed,
	// so Serialize can rebuild the original stream (TD bytes and the
	// per-group presence pattern are not recoverable from the
	// Global/T1 arrays alone).
	groups []ifaceGroup

	// groupProtocol is the protocol id announced by the previous
	// group's TD byte; scratch state only valid during Parse.
	groupProtocol int
}

// ifaceGroup is one parsed TA/TB/TC/TD cluster.
type ifaceGroup struct {
	ta, tb, tc, td *byte
}

// reader walks the ATR byte slice one byte at a time, failing once the
// declared length runs past what was supplied.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) next() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrBadATR
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Parse decodes raw into an ATR, or returns ErrBadATR if the stream is
// malformed, truncated, or uses the inverse convention.
func Parse(raw []byte) (*ATR, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 bytes, got %d", ErrBadATR, len(raw))
	}
	r := &reader{buf: raw}

	ts, _ := r.next()
	switch ts {
	case tsDirect:
	case tsInverse:
		return nil, fmt.Errorf("%w: inverse convention not supported", ErrBadATR)
	default:
		return nil, fmt.Errorf("%w: bad TS byte 0x%02X", ErrBadATR, ts)
	}

	t0, err := r.next()
	if err != nil {
		return nil, err
	}
	histCount := int(t0 & 0x0F)
	y := t0 >> 4

	a := &ATR{}
	t0SeenExplicit := false
	anyNonT0 := false
	group := 1

	for y != 0 {
		var ta, tb, tc, td *byte

		if y&0x01 != 0 {
			b, err := r.next()
			if err != nil {
				return nil, err
			}
			ta = &b
		}
		if y&0x02 != 0 {
			b, err := r.next()
			if err != nil {
				return nil, err
			}
			tb = &b
		}
		if y&0x04 != 0 {
			b, err := r.next()
			if err != nil {
				return nil, err
			}
			tc = &b
		}
		if y&0x08 != 0 {
			b, err := r.next()
			if err != nil {
				return nil, err
			}
			td = &b
		}

		// protocolForThisGroup is what the previous TD announced; for
		// group 1 there is no previous TD, so these bytes are always
		// global.
		protocolForThisGroup := -1
		if group > 1 {
			protocolForThisGroup = a.groupProtocol
		}

		storeT1 := group >= 3 && protocolForThisGroup == 1
		a.store(group, 0, ta, storeT1)
		a.store(group, 1, tb, storeT1)
		a.store(group, 2, tc, storeT1)
		a.groups = append(a.groups, ifaceGroup{ta: ta, tb: tb, tc: tc, td: td})

		if td == nil {
			break
		}
		proto := int(*td & 0x0F)
		switch proto {
		case 0:
			t0SeenExplicit = true
		case 1:
			a.T1Supported = true
		}
		if proto != 0 {
			anyNonT0 = true
		}
		a.groupProtocol = proto
		y = *td >> 4
		group++
	}

	// T0 is the implicit protocol when no TD chain overrides it, or
	// when some TD explicitly re-announces it.
	a.T0Supported = !a.T1Supported || t0SeenExplicit || group == 1

	if histCount > 0 {
		hist := make([]byte, histCount)
		for i := range hist {
			b, err := r.next()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated historical bytes", ErrBadATR)
			}
			hist[i] = b
		}
		a.Historical = hist
	}

	if anyNonT0 {
		if _, err := r.next(); err != nil {
			return nil, fmt.Errorf("%w: missing TCK", ErrBadATR)
		}
		var x byte
		for _, b := range raw[1:r.pos] {
			x ^= b
		}
		if x != 0 {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrBadATR)
		}
	}

	if r.pos != len(raw) {
		log.Debugf("[ATR] %d trailing byte(s) after declared length ignored", len(raw)-r.pos)
	}

	a.Raw = append([]byte(nil), raw[:r.pos]...)
	return a, nil
}

// Serialize rebuilds the raw byte stream for a decoded ATR: TS, T0
// (historical count plus the first group's presence nibble), every
// interface group exactly as it was parsed, the historical bytes, and
// a freshly computed TCK whenever any TD announced a protocol other
// than T=0. For an ATR produced by Parse the output equals Raw.
func (a *ATR) Serialize() []byte {
	out := []byte{tsDirect}

	t0 := byte(len(a.Historical) & 0x0F)
	if len(a.groups) > 0 {
		t0 |= a.groups[0].presence() << 4
	}
	out = append(out, t0)

	anyNonT0 := false
	for _, g := range a.groups {
		for _, b := range []*byte{g.ta, g.tb, g.tc, g.td} {
			if b != nil {
				out = append(out, *b)
			}
		}
		if g.td != nil && *g.td&0x0F != 0 {
			anyNonT0 = true
		}
	}

	out = append(out, a.Historical...)

	if anyNonT0 {
		var tck byte
		for _, b := range out[1:] {
			tck ^= b
		}
		out = append(out, tck)
	}
	return out
}

// presence is the Y nibble announcing which of g's bytes are present.
func (g ifaceGroup) presence() byte {
	var y byte
	if g.ta != nil {
		y |= 0x01
	}
	if g.tb != nil {
		y |= 0x02
	}
	if g.tc != nil {
		y |= 0x04
	}
	if g.td != nil {
		y |= 0x08
	}
	return y
}

func (a *ATR) store(group, offset int, b *byte, t1 bool) {
	if b == nil {
		return
	}
	v := int16(*b)
	if t1 {
		idx := (group-3)*3 + offset
		if idx >= 0 && idx < len(a.T1) {
			a.T1[idx] = &v
		}
		return
	}
	idx := (group-1)*3 + offset
	if idx >= 0 && idx < len(a.Global) {
		a.Global[idx] = &v
	}
}
