package coordinator

import (
	"context"
	"time"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
	"github.com/kbridge-dev/kbridge/internal/session"
	"github.com/kbridge-dev/kbridge/internal/tunnel"
)

// startMonitor launches the per-session liveness watcher. It observes the
// tunnel handshake and the session TTL; an ACTIVE session whose tunnel stays
// lost past the loss window, or whose deadline passes, is torn down
// automatically rather than left half-alive.
func (c *Coordinator) startMonitor(sess *session.Session) {
	stop := make(chan struct{})

	c.mu.Lock()
	c.monitors[sess.ID] = stop
	c.mu.Unlock()

	go c.monitor(sess, stop)
}

// stopMonitor signals a session's watcher to exit. Idempotent.
func (c *Coordinator) stopMonitor(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stop, ok := c.monitors[sessionID]; ok {
		close(stop)
		delete(c.monitors, sessionID)
	}
}

func (c *Coordinator) monitor(sess *session.Session, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if state, ok := c.store.StateOf(sess.ID); !ok || state != session.StateActive {
			return
		}

		if sess.Expired(time.Now()) {
			c.logger.Info("session TTL expired, tearing down", "session", sess.ID)
			c.expire(sess, nil)

			return
		}

		if pair := c.pair(sess.ID); pair != nil && pair.HandshakeStatus() == tunnel.StatusLost {
			err := bridgeerr.HandshakeLostf(
				"tunnel for session %s silent past the loss window", sess.ID)
			c.logger.Warn("tunnel handshake lost, tearing down", "session", sess.ID)
			c.expire(sess, err)

			return
		}
	}
}

// expire tears a session down from inside its own monitor. The monitor map
// entry is removed first so the teardown path does not try to stop us.
func (c *Coordinator) expire(sess *session.Session, cause error) {
	c.mu.Lock()
	delete(c.monitors, sess.ID)
	c.mu.Unlock()

	if !c.beginTeardown(sess.ID) {
		// An explicit teardown is already driving this session down.
		return
	}
	defer c.endTeardown(sess.ID)

	if state, ok := c.store.StateOf(sess.ID); !ok || state != session.StateActive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if cause != nil {
		c.store.RecordError(sess.ID, cause)
		c.metrics.RecordBridgeError(ctx, bridgeerr.Kind(cause))
	}

	c.drain(ctx, sess)

	if err := c.cleanup(ctx, sess); err != nil {
		c.logger.Error("automatic teardown failed", "session", sess.ID, "error", err)
	}
}

// teardownTimeout bounds automatic teardowns, which have no caller context.
const teardownTimeout = 2 * time.Minute
