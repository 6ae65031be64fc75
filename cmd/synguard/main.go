// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command synguard is a SYN-cookie filter for IPv4 TCP servers fed by a
// netfilter queue. It can also replay captures offline.
package main

import (
	"fmt"
	"log"
	"os"

	"grimm.is/synguard/cmd"
)

const usage = `Usage: synguard <command> [flags]

Commands:
  run      Filter packets from the configured netfilter queue
  replay   Classify a pcap or pcapng capture offline
  cookie   Compute or verify the SYN cookie for a flow
  config   Check, show or print the default configuration
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	subcmd, args := os.Args[1], os.Args[2:]
	var err error
	switch subcmd {
	case "run":
		err = cmd.RunDaemon(args)
	case "replay":
		err = cmd.RunReplay(args, os.Stdout)
	case "cookie":
		err = cmd.RunCookie(args, os.Stdout)
	case "config":
		err = cmd.RunConfig(args, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		log.Fatalf("Unknown command: %s\n\n%s", subcmd, usage)
	}
	if err != nil {
		log.Fatalf("synguard %s: %v", subcmd, err)
	}
}
