// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/config"
	"grimm.is/synguard/internal/conntable"
	"grimm.is/synguard/internal/cookie"
	"grimm.is/synguard/internal/handshake"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
	"grimm.is/synguard/internal/shard"
)

// Stack is the packet path assembled from a config: one classifier and
// table per shard behind a pool.
type Stack struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Pool       *shard.Pool
	Key        cookie.Key
	Classifier *classifier.Config
	Table      *conntable.Config
}

// BuildStack wires tables, trackers and classifiers into a shard pool. All
// shards share the cookie key so any shard can verify a cookie issued by
// another.
func BuildStack(cfg *config.Config, m *metrics.Metrics) (*Stack, error) {
	tc, err := cfg.TableConfig()
	if err != nil {
		return nil, err
	}
	cc, err := cfg.ClassifierConfig()
	if err != nil {
		return nil, err
	}
	key, generated, err := cfg.CookieKey()
	if err != nil {
		return nil, err
	}
	if generated {
		logging.Warn("No cookie secret configured, using a random key",
			"hint", "cookies will not survive a restart")
	}
	sc, err := cfg.ShardConfig()
	if err != nil {
		return nil, err
	}
	if len(cc.ServerPrefixes) == 0 {
		logging.Warn("No server prefixes configured, every packet is treated as client traffic")
	}

	s := &Stack{Config: cfg, Metrics: m, Key: key, Classifier: cc, Table: tc}
	s.Pool, err = shard.New(sc, func(id int) *classifier.Classifier {
		return s.newClassifier(id, clock.Default)
	}, cc.Orient, shard.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stack) newClassifier(id int, clk clock.Clock) *classifier.Classifier {
	logger := logging.WithComponent("shard").With("shard", id)
	table := conntable.New(s.Table,
		conntable.WithClock(clk),
		conntable.WithObserver(s.Metrics.TableObserver(id)),
		conntable.WithLogger(logger))
	tracker := handshake.New(table, handshake.WithLogger(logger))
	return classifier.New(s.Classifier, s.Key, tracker,
		classifier.WithClock(clk),
		classifier.WithMetrics(s.Metrics),
		classifier.WithLogger(logger))
}

// setupLogging installs the configured logger as the default.
func setupLogging(cfg *config.Config) error {
	lc, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logging.SetDefault(logging.New(lc))
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadFile(path)
}
