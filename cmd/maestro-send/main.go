package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"maestro/internal/message"
	"maestro/internal/version"

	"github.com/gorilla/websocket"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	cfg, err := parseArgs(args, out, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(out, version.String("maestro-send"))
		return 0
	}

	payload, err := readPayload(in)
	if err != nil {
		fmt.Fprintf(errOut, "read stdin: %v\n", err)
		return 1
	}

	return send(cfg, payload, out, errOut)
}

// readPayload turns stdin into a JSON payload. Valid JSON passes
// through untouched; anything else is wrapped as a JSON string.
func readPayload(in io.Reader) (json.RawMessage, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if json.Valid(raw) {
		return raw, nil
	}
	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func send(cfg Config, payload json.RawMessage, out, errOut io.Writer) int {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	client, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		fmt.Fprintf(errOut, "connect %s: %v\n", cfg.URL, err)
		return 2
	}
	defer client.Close()

	welcome, err := readTyped(client, cfg.Timeout)
	if err != nil {
		fmt.Fprintf(errOut, "read welcome: %v\n", err)
		return 2
	}
	if cfg.Verbose {
		fmt.Fprintf(errOut, "connected as %s\n", welcome.To)
	}

	outbound := message.New(cfg.From, cfg.To, message.Type(cfg.Type), payload)
	outbound.RequiresAck = cfg.WaitAck
	raw, err := outbound.Encode()
	if err != nil {
		fmt.Fprintf(errOut, "encode message: %v\n", err)
		return 3
	}
	if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
		fmt.Fprintf(errOut, "send: %v\n", err)
		return 3
	}
	if cfg.Verbose {
		fmt.Fprintf(errOut, "sent %s %s -> %s\n", outbound.Type, outbound.From, outbound.To)
	}

	if !cfg.WaitAck {
		fmt.Fprintln(out, outbound.ID)
		return 0
	}

	deadline := time.Now().Add(cfg.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fmt.Fprintln(errOut, "timed out waiting for acknowledgment")
			return 3
		}
		reply, err := readTyped(client, remaining)
		if err != nil {
			fmt.Fprintf(errOut, "wait for acknowledgment: %v\n", err)
			return 3
		}
		switch {
		case reply.Type == message.TypeAck && reply.CorrelationID == outbound.ID:
			fmt.Fprintln(out, outbound.ID)
			return 0
		case reply.Type == message.TypeError && reply.CorrelationID == outbound.ID:
			fmt.Fprintf(errOut, "rejected: %s\n", errorReason(reply))
			return 3
		default:
			if cfg.Verbose {
				fmt.Fprintf(errOut, "ignoring %s frame from %s\n", reply.Type, reply.From)
			}
		}
	}
}

func readTyped(client *websocket.Conn, timeout time.Duration) (message.Message, error) {
	if err := client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return message.Message{}, err
	}
	_, raw, err := client.ReadMessage()
	if err != nil {
		return message.Message{}, err
	}
	var parsed message.Message
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return message.Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	return parsed, nil
}

func errorReason(reply message.Message) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err == nil && body.Reason != "" {
		return body.Reason
	}
	return "unknown error"
}
