package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"maestro/internal/cli"
)

const defaultServerURL = "ws://localhost:8420/ws"

type Config struct {
	URL         string
	From        string
	To          string
	Type        string
	WaitAck     bool
	Timeout     time.Duration
	Verbose     bool
	ShowVersion bool
}

func parseArgs(args []string, out, errOut io.Writer) (Config, error) {
	fs := flag.NewFlagSet("maestro-send", flag.ContinueOnError)
	fs.SetOutput(errOut)
	urlFlag := fs.String("url", "", "Bus websocket URL (env: MAESTRO_URL, default: "+defaultServerURL+")")
	fromFlag := fs.String("from", "", "Sender logical id (env: MAESTRO_FROM, default: conductor)")
	typeFlag := fs.String("type", "chat", "Message type")
	ackFlag := fs.Bool("ack", false, "Request and wait for an acknowledgment")
	timeoutFlag := fs.Duration("timeout", 10*time.Second, "Dial and ack wait timeout")
	verboseFlag := fs.Bool("verbose", false, "Show connection and frame details")
	common := cli.AddCommon(fs)
	fs.Usage = func() {
		printSendHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if common.Help {
		fs.Usage()
		return Config{}, flag.ErrHelp
	}
	if common.ShowVersion {
		return Config{ShowVersion: true}, nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return Config{}, fmt.Errorf("destination required")
	}
	destination := strings.TrimSpace(fs.Arg(0))
	if destination == "" {
		fs.Usage()
		return Config{}, fmt.Errorf("destination required")
	}

	url := strings.TrimSpace(*urlFlag)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("MAESTRO_URL"))
	}
	if url == "" {
		url = defaultServerURL
	}

	from := strings.TrimSpace(*fromFlag)
	if from == "" {
		from = strings.TrimSpace(os.Getenv("MAESTRO_FROM"))
	}
	if from == "" {
		from = "conductor"
	}

	return Config{
		URL:     url,
		From:    from,
		To:      destination,
		Type:    strings.TrimSpace(*typeFlag),
		WaitAck: *ackFlag,
		Timeout: *timeoutFlag,
		Verbose: *verboseFlag,
	}, nil
}

func printSendHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: maestro-send [options] <destination>")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Send stdin as a message payload through the maestro bus")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeSendOption(out, "--url URL", "Bus websocket URL (env: MAESTRO_URL, default: "+defaultServerURL+")")
	writeSendOption(out, "--from ID", "Sender logical id (env: MAESTRO_FROM, default: conductor)")
	writeSendOption(out, "--type TYPE", "Message type (default: chat)")
	writeSendOption(out, "--ack", "Request and wait for an acknowledgment")
	writeSendOption(out, "--timeout DUR", "Dial and ack wait timeout (default: 10s)")
	writeSendOption(out, "--verbose", "Show connection and frame details")
	writeSendOption(out, "--help", "Show this help message")
	writeSendOption(out, "--version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Arguments:")
	fmt.Fprintln(out, "  destination  Logical id, all-agents, broadcast, or dashboard")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  echo \"run the tests\" | maestro-send agent-1")
	fmt.Fprintln(out, "  cat task.json | maestro-send --type assign-task --ack system")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Usage error")
	fmt.Fprintln(out, "  2  Connection failure")
	fmt.Fprintln(out, "  3  Send or acknowledgment failure")
}

func writeSendOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-14s %s\n", name, desc)
}
