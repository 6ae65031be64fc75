// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/conntable"
	"grimm.is/synguard/internal/cookie"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/handshake"
	"grimm.is/synguard/internal/logging"
)

// RunCookie prints the ISN the filter would answer a client SYN with, or
// checks an ACK number against it.
// args should be the arguments after `synguard cookie`
func RunCookie(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("cookie", flag.ExitOnError)
	configPath := flags.String("config", "", "Path to config file supplying the secret and tick")
	secret := flags.String("secret", "", "Hex cookie secret, overrides the config")
	at := flags.String("at", "", "RFC 3339 time to compute at (default now)")
	ackFlag := flags.String("ack", "", "ACK number to verify instead of printing the ISN")
	flags.Parse(args)

	if flags.NArg() != 2 {
		return errors.New(errors.KindValidation, "usage: synguard cookie [-config file] [-secret hex] [-at time] [-ack n] <client:port> <server:port>")
	}
	key, err := parseKey(flags.Arg(0), flags.Arg(1))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *secret != "" {
		cfg.Cookie.Secret = *secret
	}
	if cfg.Cookie.Secret == "" {
		return errors.New(errors.KindValidation, "a cookie secret is required, use -secret or a config file")
	}
	ck, _, err := cfg.CookieKey()
	if err != nil {
		return err
	}
	cc, err := cfg.ClassifierConfig()
	if err != nil {
		return err
	}

	now := time.Now()
	if *at != "" {
		now, err = time.Parse(time.RFC3339, *at)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid -at time"), "at", *at)
		}
	}

	c := offlineClassifier(cc, ck, clock.NewMockClock(now))
	if *ackFlag != "" {
		ack, err := strconv.ParseUint(*ackFlag, 10, 32)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid -ack, want a 32-bit unsigned number"), "ack", *ackFlag)
		}
		valid := c.ValidCookie(key, uint32(ack))
		fmt.Fprintf(out, "%s ack=%d valid=%t\n", key, ack, valid)
		if !valid {
			return errors.Attr(errors.New(errors.KindValidation, "cookie does not verify"), "flow", key.String())
		}
		return nil
	}
	isn := c.ISN(key)
	fmt.Fprintf(out, "%s isn=%d cookie=%#05x ack=%d\n", key, isn, isn&cookie.Mask, isn+1)
	return nil
}

// parseKey builds a client->server key from two address:port strings.
func parseKey(client, server string) (flow.FlowKey, error) {
	src, err := netip.ParseAddrPort(client)
	if err != nil {
		return flow.FlowKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid client address"), "addr", client)
	}
	dst, err := netip.ParseAddrPort(server)
	if err != nil {
		return flow.FlowKey{}, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid server address"), "addr", server)
	}
	key, ok := flow.KeyFromAddrs(src.Addr(), dst.Addr(), src.Port(), dst.Port())
	if !ok {
		return flow.FlowKey{}, errors.New(errors.KindValidation, "only IPv4 addresses are supported")
	}
	return key, nil
}

// offlineClassifier builds a classifier with a private table for one-shot
// cookie arithmetic.
func offlineClassifier(cc *classifier.Config, key cookie.Key, clk clock.Clock) *classifier.Classifier {
	table := conntable.New(conntable.DefaultConfig(), conntable.WithClock(clk), conntable.WithLogger(logging.Discard()))
	tracker := handshake.New(table, handshake.WithLogger(logging.Discard()))
	return classifier.New(cc, key, tracker, classifier.WithClock(clk), classifier.WithLogger(logging.Discard()))
}
