// Package group fans audio frames out to the data channels registered under a
// group name, and fans inbound frames from those channels into bounded
// per-consumer streams.
package group

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

// DefaultQueueFrames bounds a Stream when Config.QueueFrames is unset.
const DefaultQueueFrames = 100

// Channel is one transport endpoint that can carry frames for a group.
// Implementations are compared by identity and must be pointer types.
type Channel interface {
	Label() string
	Send(payload []byte) error
	// Subscribe registers fn for inbound frames until cancel is called.
	Subscribe(fn func([]byte)) (cancel func())
}

// SendResult reports how a fan-out went. Gated is set by callers that
// suppressed the send before reaching the router.
type SendResult struct {
	Delivered int
	Failed    int
	Gated     bool
}

type Config struct {
	QueueFrames   int
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// Router is the group membership table. Membership is keyed by channel
// identity; the same channel may be in several groups.
type Router struct {
	queueFrames int
	metrics     *metrics.Metrics
	log         logging.LeveledLogger

	mu     sync.RWMutex
	groups map[string]map[Channel]struct{}
	// Open streams by group, so a leaving channel stops feeding them.
	streams map[string]map[*Stream]struct{}
}

func NewRouter(cfg Config) *Router {
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultQueueFrames
	}
	return &Router{
		queueFrames: cfg.QueueFrames,
		metrics:     cfg.Metrics,
		log:         pionlog.OrDefault(cfg.LoggerFactory).NewLogger("router"),
		groups:      make(map[string]map[Channel]struct{}),
		streams:     make(map[string]map[*Stream]struct{}),
	}
}

func (r *Router) Join(groupName string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[groupName]
	if !ok {
		members = make(map[Channel]struct{})
		r.groups[groupName] = members
	}
	members[ch] = struct{}{}
}

func (r *Router) Leave(groupName string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(groupName, ch)
}

// LeaveAll removes ch from every group.
func (r *Router) LeaveAll(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.groups {
		r.removeLocked(name, ch)
	}
}

func (r *Router) removeLocked(groupName string, ch Channel) {
	members, ok := r.groups[groupName]
	if !ok {
		return
	}
	if _, member := members[ch]; !member {
		return
	}
	delete(members, ch)
	if len(members) == 0 {
		delete(r.groups, groupName)
	}
	for s := range r.streams[groupName] {
		s.unsubscribe(ch)
	}
}

// Members returns a snapshot of the channels in groupName.
func (r *Router) Members(groupName string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[groupName]
	out := make([]Channel, 0, len(members))
	for ch := range members {
		out = append(out, ch)
	}
	return out
}

// Groups returns the names of all non-empty groups, sorted.
func (r *Router) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for name := range r.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send delivers payload to every member of groupName. The member set is
// snapshotted first; a failing channel is counted and skipped.
func (r *Router) Send(groupName string, payload []byte) SendResult {
	var res SendResult
	for _, ch := range r.Members(groupName) {
		if err := ch.Send(payload); err != nil {
			res.Failed++
			r.metrics.Inc(metrics.RouterSendFailed)
			r.log.Debugf("group %s: send on %s failed: %v", groupName, ch.Label(), err)
			continue
		}
		res.Delivered++
	}
	return res
}

// Receive subscribes to the channels in groupName at call time. Channels that
// join later are not picked up; call Receive again to include them. A channel
// that leaves groupName stops feeding the stream at once.
func (r *Router) Receive(ctx context.Context, groupName string, opts ...ReceiveOption) *Stream {
	var o receiveOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := newStream(r.queueFrames, o.gate, r.metrics, func(s *Stream) {
		r.forget(groupName, s)
	})

	r.mu.Lock()
	for ch := range r.groups[groupName] {
		s.subscribe(ch)
	}
	open, ok := r.streams[groupName]
	if !ok {
		open = make(map[*Stream]struct{})
		r.streams[groupName] = open
	}
	open[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (r *Router) forget(groupName string, s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := r.streams[groupName]
	delete(open, s)
	if len(open) == 0 {
		delete(r.streams, groupName)
	}
}
