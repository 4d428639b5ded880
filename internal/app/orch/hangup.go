package orch

import (
	"context"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Hangup ends the current call and releases all media. It is always safe to call, also with nothing active.
// Cleanup errors are logged, never returned.
func (c *Coordinator) Hangup(ctx context.Context) error {
	c.teardown(ctx, nil)
	return nil
}

// endCall tears down cs after the peer left or the transport failed. It is a no-op once cs is not current.
func (c *Coordinator) endCall(cs *callSession) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	c.teardown(ctx, cs)
}

func (c *Coordinator) teardown(ctx context.Context, expect *callSession) {
	c.mu.Lock()
	if expect != nil && c.call != expect {
		c.mu.Unlock()
		return
	}
	cs := c.call
	c.call = nil
	ids := c.orphans
	c.orphans = nil
	local, remote := c.local, c.remote
	c.local, c.remote = nil, nil
	_ = c.fire(evHangup)
	c.mu.Unlock()

	// Feeds are cancelled before the delete so our own deletion never comes back as a remote hangup.
	var tr core.Transport
	if cs != nil {
		id, _ := cs.close()
		cs.wait()
		if id != "" {
			ids = append(ids, id)
		}
		tr = cs.getTransport()
	}

	if len(ids) > 0 {
		if err := c.sessions.Delete(ctx, ids...); err != nil {
			c.log.Error().Err(err).Int("sessions", len(ids)).Msg("delete sessions")
			c.keepOrphans(ids)
		} else {
			c.log.Info().Int("sessions", len(ids)).Msg("sessions deleted")
		}
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close transport")
		}
	}
	if remote != nil {
		remote.Stop()
	}
	if local != nil {
		local.Stop()
	}
	c.ui.Reset()
}

// keepOrphans puts sessions that could not be deleted back for the next Hangup.
func (c *Coordinator) keepOrphans(ids []domain.SessionID) {
	c.mu.Lock()
	c.orphans = append(c.orphans, ids...)
	c.mu.Unlock()
}
