package t1

// MaxTimerMs is the upper bound a timer duration may be armed with.
const MaxTimerMs uint32 = 0x7FFFFFFF

// Timer is a one-shot countdown timer with a first-tick guard: the
// tick call that first observes the countdown reach zero only arms a
// marker, it does not itself report expiry. Expiry is reported on the
// next tick call that still finds the countdown at or below zero.
// This is what keeps a timer armed immediately before a tick of
// exactly its own duration from firing spuriously on that same tick.
type Timer struct {
	active    bool
	remaining int64
	guarded   bool
}

// Arm starts (or restarts) the countdown at durationMs, clamped to
// MaxTimerMs.
func (t *Timer) Arm(durationMs uint32) {
	if durationMs > MaxTimerMs {
		durationMs = MaxTimerMs
	}
	t.active = true
	t.remaining = int64(durationMs)
	t.guarded = false
}

// Disarm stops the timer; subsequent Tick calls report no expiry
// until Arm is called again.
func (t *Timer) Disarm() {
	t.active = false
}

// Active reports whether the timer is currently armed.
func (t *Timer) Active() bool {
	return t.active
}

// Remaining returns the countdown's current value; meaningless when
// not Active.
func (t *Timer) Remaining() int64 {
	return t.remaining
}

// Tick advances the countdown by elapsedMs and reports whether this
// call caused the timer to expire.
func (t *Timer) Tick(elapsedMs uint32) bool {
	if !t.active {
		return false
	}
	t.remaining -= int64(elapsedMs)
	if t.remaining > 0 {
		return false
	}
	if !t.guarded {
		t.guarded = true
		return false
	}
	t.active = false
	return true
}

// Stretch multiplies the remaining countdown by factor, clamping the
// result to maxMs; used by WTX to extend the response timer.
func (t *Timer) Stretch(factor int, maxMs uint32) {
	if !t.active || factor < 1 {
		return
	}
	extended := t.remaining * int64(factor)
	if extended > int64(maxMs) {
		extended = int64(maxMs)
	}
	t.remaining = extended
	t.guarded = false
}
