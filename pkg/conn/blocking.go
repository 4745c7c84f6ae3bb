package conn

// blockingTickMs is the step used by the blocking wait loops' own
// cooperative advance of the engine's timers, independent of whether a
// host timer also exists.
const blockingTickMs = 5

// pumpOnce reads whatever bytes are pending from the transport, feeds
// them to the engine, and advances its timers by one tick: the body
// shared by both blocking wait loops.
func (c *Connection) pumpOnce() {
	buf := make([]byte, 259)
	if n := c.transport.SerialRxAvailable(buf); n > 0 {
		c.proto.SerialIn(buf[:n])
	}
	c.proto.TimerTask(blockingTickMs)
	c.drainObservers()
}

// waitConnectBlocking pumps the engine until the connection leaves
// connecting.
func (c *Connection) waitConnectBlocking() error {
	for c.state == StateConnecting {
		c.pumpOnce()
		if c.state == StateConnecting {
			c.transport.SleepMs(blockingTickMs)
		}
	}
	if c.state == StateError {
		return c.lastErr
	}
	return nil
}

// waitResponseBlocking pumps the engine until a response has been
// reassembled or an error occurs.
func (c *Connection) waitResponseBlocking() error {
	for c.pendingResponse == nil && c.state == StateConnected {
		c.pumpOnce()
		if c.pendingResponse == nil && c.state == StateConnected {
			c.transport.SleepMs(blockingTickMs)
		}
	}
	if c.state == StateError {
		return c.lastErr
	}
	return nil
}
