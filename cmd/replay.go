// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/gopacket/gopacket"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/config"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/metrics"
	"grimm.is/synguard/internal/replay"
)

// RunReplay classifies a capture offline and prints a summary.
// args should be the arguments after `synguard replay`
func RunReplay(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := flags.String("config", "", "Path to config file (HCL, JSON or YAML)")
	asJSON := flags.Bool("json", false, "Print the summary as JSON")
	verbose := flags.Bool("v", false, "Print every decision")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return errors.New(errors.KindValidation, "usage: synguard replay [-config file] [-json] [-v] <capture.pcap>")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return replayFile(ctx, cfg, flags.Arg(0), out, *asJSON, *verbose)
}

// replayFile runs one classifier over path. The whole capture lands in a
// single shard since there is no concurrency to exploit offline.
func replayFile(ctx context.Context, cfg *config.Config, path string, out io.Writer, asJSON, verbose bool) error {
	m := metrics.NewMetrics()
	stack, err := BuildStack(cfg, m)
	if err != nil {
		return err
	}

	clk := clock.NewMockClock(time.Unix(0, 0))
	r := replay.NewReplayer(stack.newClassifier(0, clk), clk, replay.WithMetrics(m))
	if verbose {
		r.OnDecision = func(ci gopacket.CaptureInfo, p classifier.Packet, d classifier.Decision) {
			fmt.Fprintf(out, "%s %-11s %s", ci.Timestamp.UTC().Format(time.RFC3339Nano), d.Action, d.Key)
			if d.Reason != "" {
				fmt.Fprintf(out, " reason=%s", d.Reason)
			}
			fmt.Fprintln(out)
		}
	}

	sum, err := r.ReplayFile(ctx, path)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	printSummary(out, sum)
	return nil
}

// printSummary writes a human readable summary.
func printSummary(out io.Writer, sum *replay.Summary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "packets\t%d\n", sum.Packets)
	if !sum.First.IsZero() {
		fmt.Fprintf(tw, "span\t%s\n", sum.Last.Sub(sum.First).Truncate(time.Millisecond))
	}
	fmt.Fprintf(tw, "non-ipv4\t%d\n", sum.NonIPv4)
	fmt.Fprintf(tw, "invalid\t%d\n", sum.Invalid)
	for _, reason := range sortedKeys(sum.Filtered) {
		fmt.Fprintf(tw, "invalid/%s\t%d\n", reason, sum.Filtered[reason])
	}
	fmt.Fprintf(tw, "not-tcp\t%d\n", sum.NotTCP)
	for _, name := range sum.ActionNames() {
		fmt.Fprintf(tw, "%s\t%d\n", name, sum.Actions[name])
	}
	for _, reason := range sortedKeys(sum.Drops) {
		fmt.Fprintf(tw, "drop/%s\t%d\n", reason, sum.Drops[reason])
	}
	tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
