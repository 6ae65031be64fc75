// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier decides what a SYN proxy does with each TCP segment.
//
// Clients get a SYN cookie in place of connection state. A client that
// echoes a valid cookie is recorded in the handshake tracker and the proxy
// opens the server leg. Once the server's SYN-ACK arrives the sequence
// offset between both legs is known and later segments are forwarded with
// that offset.
package classifier

import (
	"net/netip"
	"time"

	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/cookie"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/handshake"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
)

const (
	DefaultCookieTick   = 64 * time.Second
	DefaultCookieWindow = 2

	tickBits = 32 - cookie.Bits
	tickMask = 1<<tickBits - 1
)

// Action is what the proxy should do with a segment.
type Action uint8

const (
	ActionDrop Action = iota
	ActionSynCookie
	ActionConnect
	ActionEstablished
	ActionForward
	ActionStall
)

var actionNames = [...]string{"drop", "syn_cookie", "connect", "established", "forward", "stall"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Drop reasons.
const (
	ReasonTableFull     = "table_full"
	ReasonBadCookie     = "bad_cookie"
	ReasonUntracked     = "untracked"
	ReasonUnexpectedSYN = "unexpected_syn"
)

// Decision is the outcome for one segment.
//
// Key is client->server oriented. ISN is set for ActionSynCookie, Offset for
// ActionEstablished and ActionForward, Reason for ActionDrop.
type Decision struct {
	Action Action       `json:"action"`
	Key    flow.FlowKey `json:"key"`
	ISN    uint32       `json:"isn,omitempty"`
	Offset uint32       `json:"offset,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Config controls classification.
type Config struct {
	// ServerPrefixes lists the protected servers. Segments sourced from
	// these prefixes travel server->client.
	ServerPrefixes []netip.Prefix
	// CookieTick is the lifetime of one cookie timestamp.
	CookieTick time.Duration
	// CookieWindow is how many ticks back a cookie is still accepted.
	CookieWindow int
}

// DefaultConfig returns a config with no servers and the default cookie
// timing.
func DefaultConfig() *Config {
	return &Config{
		CookieTick:   DefaultCookieTick,
		CookieWindow: DefaultCookieWindow,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.CookieTick < time.Second {
		return errors.Attr(errors.New(errors.KindValidation, "cookie tick must be at least 1s"),
			"cookie_tick", c.CookieTick.String())
	}
	if c.CookieWindow < 0 || c.CookieWindow > tickMask {
		return errors.Attr(errors.Errorf(errors.KindValidation, "cookie window must be within 0..%d", tickMask),
			"cookie_window", c.CookieWindow)
	}
	for _, p := range c.ServerPrefixes {
		if !p.Addr().Is4() {
			return errors.Attr(errors.New(errors.KindValidation, "server prefix must be IPv4"),
				"prefix", p.String())
		}
	}
	return nil
}

// IsServer reports whether addr belongs to a protected server.
func (c *Config) IsServer(addr netip.Addr) bool {
	for _, p := range c.ServerPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Orient returns the client->server key of p and whether p was sent by the
// server.
func (c *Config) Orient(p Packet) (flow.FlowKey, bool) {
	if c.IsServer(p.Key.Src()) {
		return p.Key.Reverse(), true
	}
	return p.Key, false
}

// Classifier owns one handshake tracker and must be driven by a single
// goroutine.
type Classifier struct {
	config  Config
	key     cookie.Key
	tracker *handshake.Tracker
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithClock sets the clock used for cookie timestamps.
func WithClock(c clock.Clock) Option {
	return func(cl *Classifier) { cl.clock = c }
}

// WithMetrics enables decision and cookie counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Classifier) { cl.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(cl *Classifier) { cl.logger = l }
}

// New creates a classifier. A nil config uses DefaultConfig and a zero
// CookieTick falls back to DefaultCookieTick.
func New(config *Config, key cookie.Key, tracker *handshake.Tracker, opts ...Option) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Classifier{
		config:  *config,
		key:     key,
		tracker: tracker,
		clock:   clock.Default,
	}
	if c.config.CookieTick <= 0 {
		c.config.CookieTick = DefaultCookieTick
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("classifier")
	}
	return c
}

// Tracker returns the handshake tracker.
func (c *Classifier) Tracker() *handshake.Tracker { return c.tracker }

// Config returns the effective config.
func (c *Classifier) Config() Config { return c.config }

func (c *Classifier) tick() uint32 {
	return uint32(c.clock.Now().UnixNano() / int64(c.config.CookieTick))
}

// ISN returns the cookie-carrying initial sequence number for a
// client->server key at the current tick. The top bits hold the low bits of
// the tick, the low cookie.Bits bits the cookie itself.
func (c *Classifier) ISN(key flow.FlowKey) uint32 {
	t := c.tick()
	return (t&tickMask)<<cookie.Bits | c.key.Cookie(key, t)
}

// ValidCookie reports whether ack acknowledges an ISN handed out for key
// within the cookie window.
func (c *Classifier) ValidCookie(key flow.FlowKey, ack uint32) bool {
	isn := ack - 1
	stamp := isn >> cookie.Bits
	now := c.tick()
	for d := 0; d <= c.config.CookieWindow; d++ {
		t := now - uint32(d)
		if t&tickMask != stamp {
			continue
		}
		return c.key.Cookie(key, t) == isn&cookie.Mask
	}
	return false
}

// Classify decides the fate of one segment.
func (c *Classifier) Classify(p Packet) Decision {
	key, fromServer := c.config.Orient(p)
	var d Decision
	if fromServer {
		d = c.server(key, p)
	} else {
		d = c.client(key, p)
	}
	d.Key = key
	if c.metrics != nil {
		c.metrics.Decisions.WithLabelValues(d.Action.String()).Inc()
	}
	return d
}

func (c *Classifier) client(key flow.FlowKey, p Packet) Decision {
	if p.SYN && !p.ACK {
		if c.metrics != nil {
			c.metrics.CookiesIssued.Inc()
		}
		return Decision{Action: ActionSynCookie, ISN: c.ISN(key)}
	}

	if st, ok := c.tracker.FindUpdate(key, p.RST, p.FIN, false, p.ACK); ok {
		return c.tracked(key, st)
	}

	if !p.BareAck() {
		return Decision{Action: ActionDrop, Reason: ReasonUntracked}
	}
	if !c.ValidCookie(key, p.Ack) {
		if c.metrics != nil {
			c.metrics.CookiesRejected.Inc()
		}
		return Decision{Action: ActionDrop, Reason: ReasonBadCookie}
	}
	if err := c.tracker.Insert(key, p.Ack); err != nil {
		if errors.IsKind(err, errors.KindResourceExhausted) {
			c.logger.Debug("Table full, dropping verified client", "flow", key)
			return Decision{Action: ActionDrop, Reason: ReasonTableFull}
		}
		c.logger.WithError(err).Warn("Insert failed", "flow", key)
		return Decision{Action: ActionDrop, Reason: errors.GetKind(err).String()}
	}
	return Decision{Action: ActionConnect}
}

func (c *Classifier) server(key flow.FlowKey, p Packet) Decision {
	if p.SYN {
		if !p.ACK {
			return Decision{Action: ActionDrop, Reason: ReasonUnexpectedSYN}
		}
		st, ok := c.tracker.Finalize(key, p.Seq)
		if !ok {
			return Decision{Action: ActionDrop, Reason: ReasonUntracked}
		}
		delta, ok := st.SeqDelta()
		if !ok {
			return Decision{Action: ActionDrop, Reason: ReasonUntracked}
		}
		return Decision{Action: ActionEstablished, Offset: delta}
	}

	if st, ok := c.tracker.FindUpdate(key, p.RST, false, p.FIN, p.ACK); ok {
		return c.tracked(key, st)
	}
	return Decision{Action: ActionDrop, Reason: ReasonUntracked}
}

// tracked turns a FindUpdate hit into a decision. The packet that resets or
// closes a flow is still forwarded; later ones miss.
func (c *Classifier) tracked(key flow.FlowKey, st flow.FlowState) Decision {
	if st.Stalled() {
		return Decision{Action: ActionStall}
	}
	if st.Dead() {
		c.logger.Debug("Flow torn down", "flow", key, "flags", st.Flags)
		if c.metrics != nil {
			c.metrics.Counters.Inc("flows_torn_down")
		}
	}
	delta, _ := st.SeqDelta()
	return Decision{Action: ActionForward, Offset: delta}
}
