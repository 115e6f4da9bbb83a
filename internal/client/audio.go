package client

import (
	"context"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/group"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/webrtcpeer"
)

// SendAudio fans payload out to every open channel of groupName. While
// sending is paused nothing is delivered and the result reports Gated.
func (c *Client) SendAudio(groupName string, payload []byte) group.SendResult {
	if c.sendPaused.Load() {
		c.metrics.Inc(metrics.ClientGatedSend)
		return group.SendResult{Gated: true}
	}
	return c.router.Send(groupName, payload)
}

// ReceiveAudio streams frames arriving on the channels that are in groupName
// now. Channels joining later are not picked up. Frames arriving while
// receiving is paused are dropped.
func (c *Client) ReceiveAudio(ctx context.Context, groupName string) *group.Stream {
	return c.router.Receive(ctx, groupName, group.WithGate(c.receiveOpen))
}

func (c *Client) receiveOpen() bool {
	if c.receivePaused.Load() {
		c.metrics.Inc(metrics.ClientGatedReceive)
		return false
	}
	return true
}

func (c *Client) PauseSending()    { c.sendPaused.Store(true) }
func (c *Client) ResumeSending()   { c.sendPaused.Store(false) }
func (c *Client) PauseReceiving()  { c.receivePaused.Store(true) }
func (c *Client) ResumeReceiving() { c.receivePaused.Store(false) }

func (c *Client) SendingPaused() bool   { return c.sendPaused.Load() }
func (c *Client) ReceivingPaused() bool { return c.receivePaused.Load() }

// JoinGroup adds groupName to the local group set, applies it to every
// session and announces it through the relay.
func (c *Client) JoinGroup(groupName string) error {
	return c.updateGroups(groupName, func(groups []string) ([]string, bool) {
		for _, g := range groups {
			if g == groupName {
				return groups, false
			}
		}
		return append(groups, groupName), true
	})
}

// LeaveGroup removes groupName from the local group set.
func (c *Client) LeaveGroup(groupName string) error {
	return c.updateGroups(groupName, func(groups []string) ([]string, bool) {
		out := make([]string, 0, len(groups))
		for _, g := range groups {
			if g != groupName {
				out = append(out, g)
			}
		}
		return out, len(out) != len(groups)
	})
}

func (c *Client) updateGroups(groupName string, apply func([]string) ([]string, bool)) error {
	if !signaling.ValidGroupName(groupName) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, groupName)
	}

	c.mu.Lock()
	next, changed := apply(append([]string(nil), c.groups...))
	if !changed {
		c.mu.Unlock()
		return nil
	}
	c.groups = next
	self := c.selfID
	sessions := make([]*webrtcpeer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.UpdateGroups(next); err != nil {
			c.log.Warnf("update groups: %v", err)
		}
	}
	if self == "" || c.State() != StateRunning {
		return nil
	}
	return c.sendFrame(signaling.GroupUpdate{PeerID: self, Groups: next})
}
