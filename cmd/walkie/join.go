package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/audio"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/client"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/group"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/webrtcpeer"
)

const (
	iceFetchTimeout    = 5 * time.Second
	membershipInterval = 250 * time.Millisecond
)

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join [flags]",
		Short: "Join a relay and talk: PCM16LE on stdin, received audio on stdout",
		Long: `join registers with the relay and carries audio for every configured group.

Audio read from stdin is sent on the first group. Audio received on any
group is written to stdout. Both are 16-bit little-endian mono PCM in
frames of --audio-frame-samples samples.

With --room and no explicit --relay-url, the relay is found via mDNS.

Example:
  arecord -f S16_LE -r 48000 -c 1 | walkie join --group ops | aplay -f S16_LE -r 48000 -c 1`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, lf, ok, err := loadConfig(args)
			if err != nil || !ok {
				return err
			}
			return runJoin(cmd.Context(), cfg, logger, lf, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runJoin(ctx context.Context, cfg config.Config, logger *slog.Logger, lf logging.LoggerFactory, in io.Reader, out io.Writer) error {
	relayURL := cfg.RelayURL
	if !cfg.RelayURLSet && cfg.RoomName != "" {
		browser, err := discovery.NewResolver(discovery.ResolverConfig{BrowseTimeout: cfg.DiscoveryTimeout, LoggerFactory: lf})
		if err != nil {
			return fmt.Errorf("start mdns resolver: %w", err)
		}
		relayURL, err = resolveRoom(ctx, browser, cfg.RoomName)
		if err != nil {
			return err
		}
		logger.Info("resolved room", "room", cfg.RoomName, "relay_url", relayURL)
	}

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
		servers, err := fetchICEServers(fetchCtx, http.DefaultClient, relayURL)
		cancel()
		if err != nil {
			logger.Warn("relay ICE servers unavailable; using host candidates only", "err", err)
		} else {
			iceServers = servers
		}
	}

	api, err := webrtcpeer.NewAPI(cfg, lf)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	m := metrics.New()
	c := client.New(client.Config{
		API:             api,
		ICEServers:      iceServers,
		QueueFrames:     cfg.AudioQueueFrames,
		MaxMessageBytes: cfg.WebRTCDataChannelMaxMessageBytes,
		Metrics:         m,
		LoggerFactory:   lf,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pcm := &lockedWriter{w: out}
	var wg sync.WaitGroup
	for _, g := range cfg.Groups {
		wg.Add(1)
		go func(g string) {
			defer wg.Done()
			stats, err := listen(ctx, c, g, pcm, membershipInterval)
			if err != nil {
				logger.Error("playback stopped", "group", g, "err", err)
				cancel()
			}
			logger.Debug("playback finished", "group", g, "frames", stats.Frames, "dropped", stats.Dropped)
		}(g)
	}

	// Capture is not awaited: a blocked stdin read cannot be interrupted.
	if len(cfg.Groups) > 0 {
		talk := cfg.Groups[0]
		go func() {
			err := audio.Capture(ctx, in, audio.CaptureConfig{
				FrameSamples:  cfg.AudioFrameSamples,
				Send:          sendTo(c, talk),
				LoggerFactory: lf,
			})
			if err != nil {
				logger.Error("capture stopped", "group", talk, "err", err)
			}
		}()
	}

	logger.Info("joining relay", "relay_url", relayURL, "peer_id", cfg.PeerID, "groups", cfg.Groups)
	runErr := c.Run(ctx, relayURL, cfg.PeerID, cfg.Groups)
	cancel()
	wg.Wait()
	logger.Info("left relay", "counters", m.Snapshot())
	return runErr
}

func sendTo(c *client.Client, groupName string) func([]byte) error {
	return func(frame []byte) error {
		res := c.SendAudio(groupName, frame)
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d channels in %s failed", res.Failed, res.Failed+res.Delivered, groupName)
		}
		return nil
	}
}

type audioSource interface {
	Router() *group.Router
	ReceiveAudio(ctx context.Context, groupName string) *group.Stream
}

// listen plays groupName to w until ctx is done. A stream only covers the
// channels present when it is opened, so it is reopened whenever the
// group's membership changes.
func listen(ctx context.Context, src audioSource, groupName string, w io.Writer, interval time.Duration) (audio.PlaybackStats, error) {
	type result struct {
		stats audio.PlaybackStats
		err   error
	}
	var total audio.PlaybackStats
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		members := memberSet(src.Router().Members(groupName))
		streamCtx, stop := context.WithCancel(ctx)
		stream := src.ReceiveAudio(streamCtx, groupName)
		done := make(chan result, 1)
		go func() {
			stats, err := audio.Playback(streamCtx, stream.Frames(), nil, w)
			done <- result{stats, err}
		}()

		changed := false
		var r result
	wait:
		for {
			select {
			case r = <-done:
				break wait
			case <-ticker.C:
				if !sameMembers(members, src.Router().Members(groupName)) {
					changed = true
					stop()
					r = <-done
					break wait
				}
			}
		}
		stop()
		total.Frames += r.stats.Frames
		total.Dropped += r.stats.Dropped + stream.Dropped()
		if r.err != nil {
			return total, r.err
		}
		if !changed || ctx.Err() != nil {
			return total, nil
		}
	}
}

func memberSet(chs []group.Channel) map[group.Channel]struct{} {
	out := make(map[group.Channel]struct{}, len(chs))
	for _, ch := range chs {
		out[ch] = struct{}{}
	}
	return out
}

func sameMembers(prev map[group.Channel]struct{}, now []group.Channel) bool {
	if len(prev) != len(now) {
		return false
	}
	for _, ch := range now {
		if _, ok := prev[ch]; !ok {
			return false
		}
	}
	return true
}

// lockedWriter serializes whole-frame writes from several playback loops.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
