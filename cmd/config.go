// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"flag"
	"fmt"
	"io"

	"grimm.is/synguard/internal/config"
	"grimm.is/synguard/internal/errors"
)

// RunConfig handles `synguard config check|show|default`.
// args should be the arguments after `synguard config`
func RunConfig(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(errors.KindValidation, "usage: synguard config check|show|default [-format hcl|json|yaml] [file]")
	}
	sub := args[0]
	flags := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	format := flags.String("format", "hcl", "Output format for show and default: hcl, json or yaml")
	flags.Parse(args[1:])

	switch sub {
	case "check":
		if flags.NArg() != 1 {
			return errors.New(errors.KindValidation, "usage: synguard config check <file>")
		}
		if _, err := config.LoadFile(flags.Arg(0)); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: configuration is valid\n", flags.Arg(0))
		return nil

	case "show":
		if flags.NArg() != 1 {
			return errors.New(errors.KindValidation, "usage: synguard config show [-format f] <file>")
		}
		cfg, err := config.LoadFile(flags.Arg(0))
		if err != nil {
			return err
		}
		return writeConfig(out, cfg, *format)

	case "default":
		return writeConfig(out, config.Default(), *format)
	}
	return errors.Attr(errors.New(errors.KindValidation, "unknown config command"), "command", sub)
}

func writeConfig(out io.Writer, cfg *config.Config, format string) error {
	data, err := config.Marshal(cfg, "."+format)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
