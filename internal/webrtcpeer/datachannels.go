package webrtcpeer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrChannelInactive is returned by Channel.Send after the channel's group
	// was removed from its session. The channel is closed by that call.
	ErrChannelInactive = errors.New("webrtcpeer: channel inactive")
	ErrChannelNotOpen  = errors.New("webrtcpeer: channel not open")
)

type channelStatus int32

const (
	// channelParked: the remote opened a label this session has not declared.
	channelParked channelStatus = iota
	channelActive
	// channelRemoved: the group was dropped; the channel closes on next use.
	channelRemoved
)

// Channel is one group's DataChannel to a single remote peer. It satisfies
// group.Channel.
type Channel struct {
	dc              *webrtc.DataChannel
	label           string
	maxMessageBytes int
	log             logging.LeveledLogger

	status atomic.Int32
	open   atomic.Bool

	// onOpen and onRemovedSend are installed by the owning Session.
	onOpen        func(*Channel)
	onRemovedSend func(*Channel)

	mu     sync.Mutex
	subs   map[uint64]func([]byte)
	nextID uint64

	openOnce  sync.Once
	closeOnce sync.Once
}

// controlLabel names the channel every initiator opens before its offer. It
// carries no frames and is never routed; ':' cannot appear in a group name.
const controlLabel = "walkie:control"

// audioDataChannelInit is ordered and fully reliable: audio frames are small,
// and the playback side assumes in-order delivery per channel.
func audioDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

func validateAudioDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() == "" {
		return fmt.Errorf("audio datachannel must have a group label")
	}
	if !dc.Ordered() {
		return fmt.Errorf("audio datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("audio datachannel must be fully reliable")
	}
	return nil
}

func newChannel(dc *webrtc.DataChannel, maxMessageBytes int, log logging.LeveledLogger) *Channel {
	return &Channel{
		dc:              dc,
		label:           dc.Label(),
		maxMessageBytes: maxMessageBytes,
		log:             log,
		subs:            make(map[uint64]func([]byte)),
	}
}

// bind installs the pion callbacks. It runs after the session has set onOpen
// so an already-open channel is reported exactly once.
func (c *Channel) bind(onClose func(*Channel)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		if c.maxMessageBytes > 0 && len(msg.Data) > c.maxMessageBytes {
			c.log.Debugf("channel %s: dropping %d byte message (max %d)", c.label, len(msg.Data), c.maxMessageBytes)
			return
		}
		// Copy because pion reuses internal buffers.
		c.deliver(append([]byte(nil), msg.Data...))
	})
	c.dc.OnOpen(c.markOpen)
	c.dc.OnClose(func() {
		c.open.Store(false)
		onClose(c)
	})
	if c.dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
}

func (c *Channel) markOpen() {
	c.openOnce.Do(func() {
		c.open.Store(true)
		if c.onOpen != nil {
			c.onOpen(c)
		}
	})
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) isOpen() bool { return c.open.Load() }

func (c *Channel) getStatus() channelStatus { return channelStatus(c.status.Load()) }

func (c *Channel) setStatus(s channelStatus) { c.status.Store(int32(s)) }

// Send writes one binary message. A channel whose group was removed is closed
// here instead of carrying the frame.
func (c *Channel) Send(payload []byte) error {
	switch c.getStatus() {
	case channelActive:
	case channelRemoved:
		if c.onRemovedSend != nil {
			c.onRemovedSend(c)
		}
		return ErrChannelInactive
	default:
		return ErrChannelInactive
	}
	if !c.isOpen() {
		return ErrChannelNotOpen
	}
	return c.dc.Send(payload)
}

// Subscribe registers fn for every inbound message. fn runs on pion's read
// goroutine and must not block.
func (c *Channel) Subscribe(fn func([]byte)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		if err := c.dc.Close(); err != nil {
			c.log.Debugf("channel %s: close: %v", c.label, err)
		}
	})
}
