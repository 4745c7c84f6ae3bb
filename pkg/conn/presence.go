package conn

import "github.com/scio7816/cardio/pkg/observer"

// updatePresenceNonBlocking is the timer-driven debounce path: each
// tick samples the pin once, counting consecutive present readings up
// to presenceThreshold before committing to "present"; any absent
// reading resets the counter and commits to "absent" immediately.
func (c *Connection) updatePresenceNonBlocking() {
	raw := c.readPresenceRaw()
	if !raw {
		c.presenceCounter = 0
		c.commitPresence(false)
		return
	}
	if c.presenceCounter < presenceThreshold {
		c.presenceCounter++
	}
	if c.presenceCounter >= presenceThreshold {
		c.commitPresence(true)
	}
}

func (c *Connection) commitPresence(present bool) {
	if present == c.presencePresent {
		return
	}
	wasPresent := c.presencePresent
	c.presencePresent = present
	if present {
		c.enqueue(observer.Event{Type: observer.EventInsertion})
		return
	}
	c.enqueue(observer.Event{Type: observer.EventRemoval})
	if wasPresent && (c.state == StateConnecting || c.state == StateConnected) {
		c.forceRemovalError()
	}
}

// forceRemovalError drives the engine's error path on an unexpected
// card removal mid-session.
func (c *Connection) forceRemovalError() {
	_ = c.Disconnect()
	c.state = StateError
	c.lastErr = errUnexpectedRemoval
	c.enqueue(observer.Event{Type: observer.EventError, Message: errUnexpectedRemoval.Error()})
}

// blockingPresenceCheck is the stability-based debounce Connect uses
// before driving RST: it samples the pin repeatedly, restarting its
// stability window on every observed change, and commits once the
// pin has read consistently for presenceDebounceMs or a 10x timeout
// elapses.
func (c *Connection) blockingPresenceCheck() bool {
	last := c.readPresenceRaw()
	stableSince := uint32(0)
	elapsed := uint32(0)
	const step = 1
	const timeout = presenceDebounceMs * 10
	for elapsed < timeout {
		cur := c.readPresenceRaw()
		if cur != last {
			last = cur
			stableSince = 0
		} else {
			stableSince += step
			if stableSince >= presenceDebounceMs {
				break
			}
		}
		c.transport.SleepMs(step)
		elapsed += step
	}
	c.commitPresence(last)
	return last
}
