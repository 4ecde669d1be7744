package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"maestro/internal/cli"
	"maestro/internal/config"
)

type daemonFlags struct {
	ConfigPath string
	Port       int
	PersistDir string
	LogLevel   string
}

// parseFlags returns the parsed flags, whether the process should exit
// immediately, and the exit code for that case.
func parseFlags(args []string, out, errOut io.Writer) (daemonFlags, bool, int) {
	fs := flag.NewFlagSet("maestro", flag.ContinueOnError)
	fs.SetOutput(errOut)

	flags := daemonFlags{}
	fs.StringVar(&flags.ConfigPath, "config", "", "Settings file (YAML)")
	fs.IntVar(&flags.Port, "port", 0, "Listen port (overrides settings, env: MAESTRO_PORT)")
	fs.StringVar(&flags.PersistDir, "data-dir", "", "Message log directory (overrides settings)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warning, error")
	common := cli.AddCommon(fs)
	fs.Usage = func() {
		printDaemonHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return daemonFlags{}, true, 0
		}
		return daemonFlags{}, true, 1
	}
	if common.Handle(fs, "maestro", out) {
		return daemonFlags{}, true, 0
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return daemonFlags{}, true, 1
	}
	return flags, false, 0
}

// apply layers command-line overrides on top of loaded settings.
func (f daemonFlags) apply(settings config.Settings) config.Settings {
	if f.Port > 0 {
		settings.Server.Port = f.Port
	}
	if strings.TrimSpace(f.PersistDir) != "" {
		settings.Persistence.Dir = f.PersistDir
	}
	if strings.TrimSpace(f.LogLevel) != "" {
		settings.Log.Level = f.LogLevel
	}
	return settings
}

func printDaemonHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: maestro [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Run the maestro message bus")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--config PATH", "Settings file (YAML)")
	writeOption(out, "--port PORT", "Listen port (overrides settings, env: MAESTRO_PORT)")
	writeOption(out, "--data-dir DIR", "Message log directory (overrides settings)")
	writeOption(out, "--log-level LVL", "Log level: debug, info, warning, error")
	writeOption(out, "--help", "Show this help message")
	writeOption(out, "--version", "Print version and exit")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-16s %s\n", name, desc)
}
