// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the synguard configuration file schema.
//
// Files are HCL, JSON or YAML. Every block is optional; missing blocks and
// zero fields take their values from Default.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"
	"time"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/conntable"
	"grimm.is/synguard/internal/cookie"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/nfqueue"
	"grimm.is/synguard/internal/shard"
)

// Config is the top-level configuration.
type Config struct {
	Table      *TableConfig      `hcl:"table,block" json:"table,omitempty" yaml:"table,omitempty"`
	Cookie     *CookieConfig     `hcl:"cookie,block" json:"cookie,omitempty" yaml:"cookie,omitempty"`
	Classifier *ClassifierConfig `hcl:"classifier,block" json:"classifier,omitempty" yaml:"classifier,omitempty"`
	Workers    *WorkersConfig    `hcl:"workers,block" json:"workers,omitempty" yaml:"workers,omitempty"`
	NFQueue    *NFQueueConfig    `hcl:"nfqueue,block" json:"nfqueue,omitempty" yaml:"nfqueue,omitempty"`
	API        *APIConfig        `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
	Log        *LogConfig        `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
}

// TableConfig sizes each shard's flow table.
type TableConfig struct {
	InitialCapacity int    `hcl:"initial_capacity,optional" json:"initial_capacity,omitempty" yaml:"initial_capacity,omitempty"`
	SwapInterval    string `hcl:"swap_interval,optional" json:"swap_interval,omitempty" yaml:"swap_interval,omitempty"`
	MaxEntries      int    `hcl:"max_entries,optional" json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

// CookieConfig controls SYN cookies.
type CookieConfig struct {
	// Secret is the hex encoded 16 byte SipHash key. Empty means a random
	// key per process.
	Secret string `hcl:"secret,optional" json:"secret,omitempty" yaml:"secret,omitempty"`
	Tick   string `hcl:"tick,optional" json:"tick,omitempty" yaml:"tick,omitempty"`
	// Window is the number of past ticks a cookie stays valid for. Zero
	// accepts the current tick only; unset means the default.
	Window *int `hcl:"window,optional" json:"window,omitempty" yaml:"window,omitempty"`
}

// ClassifierConfig names the protected servers.
type ClassifierConfig struct {
	ServerPrefixes []string `hcl:"server_prefixes,optional" json:"server_prefixes,omitempty" yaml:"server_prefixes,omitempty"`
}

// WorkersConfig sizes the shard pool.
type WorkersConfig struct {
	Count         int    `hcl:"count,optional" json:"count,omitempty" yaml:"count,omitempty"`
	QueueDepth    int    `hcl:"queue_depth,optional" json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	StatsInterval string `hcl:"stats_interval,optional" json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"`
}

// NFQueueConfig selects the netfilter queue to read.
type NFQueueConfig struct {
	Num          int `hcl:"num,optional" json:"num,omitempty" yaml:"num,omitempty"`
	MaxQueueLen  int `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty" yaml:"max_queue_len,omitempty"`
	MaxPacketLen int `hcl:"max_packet_len,optional" json:"max_packet_len,omitempty" yaml:"max_packet_len,omitempty"`
	// FailOpen accepts packets when the kernel queue overflows.
	FailOpen bool `hcl:"fail_open,optional" json:"fail_open,omitempty" yaml:"fail_open,omitempty"`
}

// APIConfig controls the HTTP endpoint. An empty Listen disables it.
type APIConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Table: &TableConfig{
			InitialCapacity: 1024,
			SwapInterval:    conntable.DefaultSwapInterval.String(),
		},
		Cookie: &CookieConfig{
			Tick:   classifier.DefaultCookieTick.String(),
			Window: intPtr(classifier.DefaultCookieWindow),
		},
		Classifier: &ClassifierConfig{},
		Workers: &WorkersConfig{
			Count:         1,
			QueueDepth:    1024,
			StatsInterval: "10s",
		},
		NFQueue: &NFQueueConfig{
			Num:          0,
			MaxQueueLen:  4096,
			MaxPacketLen: 128,
		},
		API: &APIConfig{Listen: "127.0.0.1:9377"},
		Log: &LogConfig{Level: "info"},
	}
}

func intPtr(v int) *int { return &v }

// ApplyDefaults fills missing blocks and zero fields from Default.
func (c *Config) ApplyDefaults() {
	d := Default()

	if c.Table == nil {
		c.Table = d.Table
	}
	if c.Table.InitialCapacity == 0 {
		c.Table.InitialCapacity = d.Table.InitialCapacity
	}
	if c.Table.SwapInterval == "" {
		c.Table.SwapInterval = d.Table.SwapInterval
	}

	if c.Cookie == nil {
		c.Cookie = d.Cookie
	}
	if c.Cookie.Tick == "" {
		c.Cookie.Tick = d.Cookie.Tick
	}
	if c.Cookie.Window == nil {
		c.Cookie.Window = d.Cookie.Window
	}

	if c.Classifier == nil {
		c.Classifier = d.Classifier
	}

	if c.Workers == nil {
		c.Workers = d.Workers
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = d.Workers.Count
	}
	if c.Workers.QueueDepth == 0 {
		c.Workers.QueueDepth = d.Workers.QueueDepth
	}
	if c.Workers.StatsInterval == "" {
		c.Workers.StatsInterval = d.Workers.StatsInterval
	}

	if c.NFQueue == nil {
		c.NFQueue = d.NFQueue
	}
	if c.NFQueue.MaxQueueLen == 0 {
		c.NFQueue.MaxQueueLen = d.NFQueue.MaxQueueLen
	}
	if c.NFQueue.MaxPacketLen == 0 {
		c.NFQueue.MaxPacketLen = d.NFQueue.MaxPacketLen
	}

	if c.API == nil {
		c.API = d.API
	}

	if c.Log == nil {
		c.Log = d.Log
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate checks every block. It expects ApplyDefaults to have run.
func (c *Config) Validate() error {
	if _, err := c.TableConfig(); err != nil {
		return err
	}
	if _, err := c.ClassifierConfig(); err != nil {
		return err
	}
	if _, _, err := c.CookieKey(); err != nil {
		return err
	}
	if _, err := c.ShardConfig(); err != nil {
		return err
	}
	if _, err := c.LoggingConfig(); err != nil {
		return err
	}
	if c.NFQueue.Num < 0 || c.NFQueue.Num > 0xffff {
		return errors.Attr(errors.New(errors.KindValidation, "nfqueue num must be within 0..65535"), "num", c.NFQueue.Num)
	}
	if c.NFQueue.MaxQueueLen < 0 {
		return errors.Attr(errors.New(errors.KindValidation, "nfqueue max_queue_len must not be negative"),
			"max_queue_len", c.NFQueue.MaxQueueLen)
	}
	if c.NFQueue.MaxPacketLen < 40 {
		return errors.Attr(errors.New(errors.KindValidation, "nfqueue max_packet_len must cover IPv4 and TCP headers"),
			"max_packet_len", c.NFQueue.MaxPacketLen)
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Attr(errors.Wrapf(err, errors.KindValidation, "invalid %s", field), "value", s)
	}
	return d, nil
}

// TableConfig converts the table block.
func (c *Config) TableConfig() (*conntable.Config, error) {
	interval, err := parseDuration("table.swap_interval", c.Table.SwapInterval)
	if err != nil {
		return nil, err
	}
	tc := &conntable.Config{
		InitialCapacity: c.Table.InitialCapacity,
		SwapInterval:    interval,
		MaxEntries:      c.Table.MaxEntries,
	}
	if interval <= 0 {
		return nil, errors.Attr(errors.New(errors.KindValidation, "table.swap_interval must be positive"), "value", c.Table.SwapInterval)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

// ClassifierConfig converts the classifier and cookie blocks.
func (c *Config) ClassifierConfig() (*classifier.Config, error) {
	tick, err := parseDuration("cookie.tick", c.Cookie.Tick)
	if err != nil {
		return nil, err
	}
	cc := &classifier.Config{
		CookieTick:   tick,
		CookieWindow: *c.Cookie.Window,
	}
	for _, s := range c.Classifier.ServerPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			// Bare addresses are single-host prefixes.
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid server prefix"), "prefix", s)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		cc.ServerPrefixes = append(cc.ServerPrefixes, p.Masked())
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return cc, nil
}

// CookieKey decodes the secret. With no secret configured a random key is
// returned and generated is true.
func (c *Config) CookieKey() (key cookie.Key, generated bool, err error) {
	var secret []byte
	if c.Cookie.Secret == "" {
		secret = make([]byte, cookie.SecretSize)
		if _, err := rand.Read(secret); err != nil {
			return cookie.Key{}, false, errors.Wrap(err, errors.KindInternal, "generate cookie secret")
		}
		generated = true
	} else {
		secret, err = hex.DecodeString(c.Cookie.Secret)
		if err != nil {
			return cookie.Key{}, false, errors.Wrap(err, errors.KindValidation, "cookie.secret must be hex")
		}
	}
	key, err = cookie.NewKey(secret)
	return key, generated, err
}

// ShardConfig converts the workers block.
func (c *Config) ShardConfig() (*shard.Config, error) {
	interval, err := parseDuration("workers.stats_interval", c.Workers.StatsInterval)
	if err != nil {
		return nil, err
	}
	sc := &shard.Config{
		Workers:       c.Workers.Count,
		QueueDepth:    c.Workers.QueueDepth,
		StatsInterval: interval,
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// LoggingConfig converts the log block.
func (c *Config) LoggingConfig() (logging.Config, error) {
	lc := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return lc, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid log level"), "level", c.Log.Level)
	}
	lc.Level = level
	lc.JSON = c.Log.JSON
	return lc, nil
}

// QueueConfig converts the nfqueue block. Validate bounds the fields.
func (c *Config) QueueConfig() nfqueue.Config {
	return nfqueue.Config{
		Num:          uint16(c.NFQueue.Num),
		MaxQueueLen:  uint32(c.NFQueue.MaxQueueLen),
		MaxPacketLen: uint32(c.NFQueue.MaxPacketLen),
		FailOpen:     c.NFQueue.FailOpen,
	}
}
