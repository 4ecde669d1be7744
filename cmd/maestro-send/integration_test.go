package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
	"maestro/internal/persist"
	"maestro/internal/pool"
	"maestro/internal/router"
	"maestro/internal/server"

	"github.com/gorilla/websocket"
)

func startBus(t *testing.T) *server.Listener {
	t.Helper()
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "send_test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)

	logger := logging.Discard()
	registry := &metrics.Registry{}

	messageLog, err := persist.Open(persist.Options{Dir: t.TempDir(), Logger: logger, Registry: registry})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(messageLog.Close)

	connections := pool.New(pool.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(connections.Close)

	messageRouter := router.New(connections, messageLog, router.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(messageRouter.Stop)

	listener := server.New(connections, messageRouter, server.Options{Port: 0, Logger: logger, Registry: registry, Bus: bus})
	if err := listener.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(listener.Stop)
	return listener
}

// waitForRegistration polls the health endpoint until the expected
// number of logical ids is bound.
func waitForRegistration(t *testing.T, port, count int) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(2 * time.Second)
	for {
		var report struct {
			LogicalIDs int `json:"logicalIds"`
		}
		resp, err := http.Get(url)
		if err == nil {
			decodeErr := json.NewDecoder(resp.Body).Decode(&report)
			resp.Body.Close()
			if decodeErr == nil && report.LogicalIDs >= count {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d registrations", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendDeliversToRegisteredDestination(t *testing.T) {
	listener := startBus(t)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", listener.Port())

	// Register the destination by speaking once under its id.
	receiver, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })
	_ = receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := receiver.ReadMessage(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	register := message.New("agent-1", "broadcast", message.TypeStatus, nil)
	raw, _ := register.Encode()
	if err := receiver.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitForRegistration(t, listener.Port(), 1)

	out := &strings.Builder{}
	errOut := &strings.Builder{}
	code := run(
		[]string{"--url", url, "--ack", "--timeout", "5s", "agent-1"},
		strings.NewReader("run the tests"),
		out, errOut,
	)
	if code != 0 {
		t.Fatalf("send failed with code %d: %s", code, errOut.String())
	}
	messageID := strings.TrimSpace(out.String())
	if messageID == "" {
		t.Fatal("expected the message id on stdout")
	}

	_ = receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := receiver.ReadMessage()
	if err != nil {
		t.Fatalf("read delivered frame: %v", err)
	}
	var delivered message.Message
	if err := json.Unmarshal(frame, &delivered); err != nil {
		t.Fatalf("parse delivered frame: %v", err)
	}
	if delivered.ID != messageID || delivered.From != "conductor" {
		t.Fatalf("unexpected delivered frame: %+v", delivered)
	}
	var payload string
	if err := json.Unmarshal(delivered.Payload, &payload); err != nil || payload != "run the tests" {
		t.Fatalf("unexpected payload %s", delivered.Payload)
	}
}

func TestSendExitsTwoWhenBusUnreachable(t *testing.T) {
	out := &strings.Builder{}
	errOut := &strings.Builder{}
	code := run(
		[]string{"--url", "ws://127.0.0.1:1/ws", "--timeout", "500ms", "agent-1"},
		strings.NewReader(""),
		out, errOut,
	)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d: %s", code, errOut.String())
	}
}
