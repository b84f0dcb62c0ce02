// Package mode implements the Mode Controller (C7): tracks this server's
// coexistence mode against a legacy peer (auto/shadow/takeover) and gates
// which channels this server is allowed to actively poll or process versus
// merely observe.
package mode

import (
	"net/http"
	"sync"
)

// Mode is this server's coexistence posture relative to a legacy engine
// running alongside it during migration.
type Mode string

const (
	// ModeAuto: no coexistence constraints: every deployed channel is
	// fully active, polling sources run locally.
	ModeAuto Mode = "auto"
	// ModeShadow: channels run but polling sources are suppressed unless
	// explicitly promoted, so a legacy engine remains the single poller.
	ModeShadow Mode = "shadow"
	// ModeTakeover: the inverse of shadow — this server actively polls
	// only the channels named in its takeover allow-list, deferring
	// everything else to the legacy engine.
	ModeTakeover Mode = "takeover"
)

// Controller tracks the active mode and, for shadow/takeover modes, which
// channels are promoted (shadow) or allow-listed (takeover) to actively
// poll despite the default suppression.
type Controller struct {
	mu        sync.RWMutex
	mode      Mode
	promoted  map[string]bool
	allowlist map[string]bool
}

// New constructs a Controller in the given mode. allowlist seeds the
// takeover poll-channel allow-list (MIRTH_TAKEOVER_POLL_CHANNELS); it is
// ignored outside ModeTakeover.
func New(m Mode, allowlist []string) *Controller {
	al := make(map[string]bool, len(allowlist))
	for _, ch := range allowlist {
		al[ch] = true
	}
	return &Controller{
		mode:      m,
		promoted:  make(map[string]bool),
		allowlist: al,
	}
}

// Current returns the active mode.
func (c *Controller) Current() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode changes the active mode at runtime (e.g. an operator completing
// a shadow-to-takeover cutover without a restart).
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// Promote marks channel as actively polled despite ModeShadow's default
// suppression — used once a channel's legacy counterpart has been
// decommissioned and this server should take over polling for it alone.
func (c *Controller) Promote(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promoted[channel] = true
}

// Demote reverses Promote.
func (c *Controller) Demote(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.promoted, channel)
}

// ShouldPoll reports whether this server should run channel's polling
// source connector given the current mode. ModeAuto always polls;
// ModeShadow only polls promoted channels; ModeTakeover only polls
// allow-listed channels.
func (c *Controller) ShouldPoll(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.mode {
	case ModeAuto:
		return true
	case ModeShadow:
		return c.promoted[channel]
	case ModeTakeover:
		return c.allowlist[channel]
	default:
		return false
	}
}

// Guard is net/http middleware that rejects inbound dispatch/ingest
// requests for a channel this server should not be actively processing
// (for example, a shadow-mode server that has not been promoted for that
// channel and must defer to the legacy engine). channelOf extracts the
// target channel id from the request.
func Guard(c *Controller, channelOf func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := channelOf(r)
		if channel != "" && c.Current() == ModeShadow && !c.ShouldPoll(channel) {
			http.Error(w, "channel not promoted for active processing in shadow mode", http.StatusConflict)
			return
		}
		next.ServeHTTP(w, r)
	})
}
