package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
	"maestro/internal/persist"
	"maestro/internal/pool"
	"maestro/internal/router"

	"github.com/gorilla/websocket"
)

type serverFixture struct {
	listener *Listener
	pool     *pool.Pool
	router   *router.Router
	log      *persist.Log
	bus      *event.Bus[event.Event]
}

func newServerFixture(t *testing.T, options Options) *serverFixture {
	t.Helper()
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "server_test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)

	registry := &metrics.Registry{}
	logger := logging.Discard()

	messageLog, err := persist.Open(persist.Options{
		Dir:      t.TempDir(),
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(messageLog.Close)

	connections := pool.New(pool.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(connections.Close)

	messageRouter := router.New(connections, messageLog, router.Options{
		Logger:   logger,
		Registry: registry,
		Bus:      bus,
	})
	t.Cleanup(messageRouter.Stop)

	options.Logger = logger
	options.Registry = registry
	options.Bus = bus
	instance := New(connections, messageRouter, options)
	if err := instance.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(instance.Stop)

	return &serverFixture{
		listener: instance,
		pool:     connections,
		router:   messageRouter,
		log:      messageLog,
		bus:      bus,
	}
}

func (f *serverFixture) wsURL(query string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws%s", f.listener.Port(), query)
}

func (f *serverFixture) healthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", f.listener.Port())
}

func dialWS(t *testing.T, url string, userAgent string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if userAgent != "" {
		header.Set("User-Agent", userAgent)
	}
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readFrame(t *testing.T, client *websocket.Conn) message.Message {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var parsed message.Message
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return parsed
}

func sendFrame(t *testing.T, client *websocket.Conn, outbound message.Message) {
	t.Helper()
	raw, err := outbound.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func fetchHealth(t *testing.T, url string) healthReport {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status %d", resp.StatusCode)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return report
}

func waitForLogicals(t *testing.T, f *serverFixture, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.pool.Logicals()) < count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d logical ids, have %v", count, f.pool.Logicals())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndDirectDelivery(t *testing.T) {
	fixture := newServerFixture(t, Options{Port: 0})

	conductor := dialWS(t, fixture.wsURL(""), "maestro-console/1.0")
	welcome := readFrame(t, conductor)
	if welcome.Type != message.TypeWelcome {
		t.Fatalf("expected welcome, got %s", welcome.Type)
	}

	// First frame from the console binds its logical id.
	sendFrame(t, conductor, message.New("conductor", "broadcast", message.TypeStatus, nil))
	waitForLogicals(t, fixture, 1)

	agent := dialWS(t, fixture.wsURL("?role=agent"), "")
	readFrame(t, agent)

	outbound := message.New("agent-1", "conductor", message.TypeChat, nil)
	sendFrame(t, agent, outbound)

	received := readFrame(t, conductor)
	if received.ID != outbound.ID || received.From != "agent-1" {
		t.Fatalf("unexpected frame at conductor: %+v", received)
	}

	report := fetchHealth(t, fixture.healthURL())
	if report.Connections != 2 || report.Agents != 1 {
		t.Fatalf("unexpected health report: %+v", report)
	}
}

func TestInvalidFrameRejectedWithoutClosingConnection(t *testing.T) {
	fixture := newServerFixture(t, Options{Port: 0})

	client := dialWS(t, fixture.wsURL(""), "")
	readFrame(t, client)

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	reply := readFrame(t, client)
	if reply.Type != message.TypeError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}

	valid := message.New("conductor", "broadcast", message.TypeStatus, nil)
	sendFrame(t, client, valid)

	deadline := time.Now().Add(2 * time.Second)
	for {
		persisted := fixture.log.Tail()
		if len(persisted) == 1 && persisted[0].ID == valid.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("valid frame never persisted, tail %v", persisted)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMissingFieldsRejected(t *testing.T) {
	fixture := newServerFixture(t, Options{Port: 0})

	client := dialWS(t, fixture.wsURL(""), "")
	readFrame(t, client)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"from":"a","type":"chat"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	reply := readFrame(t, client)
	if reply.Type != message.TypeError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}
}

func TestPortHuntingSkipsOccupiedPort(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer occupied.Close()
	occupiedPort := occupied.Addr().(*net.TCPAddr).Port

	fixture := newServerFixture(t, Options{Port: occupiedPort, PortAttempts: 10})

	bound := fixture.listener.Port()
	if bound == occupiedPort {
		t.Fatal("listener bound the occupied port")
	}
	if bound < occupiedPort || bound >= occupiedPort+10 {
		t.Fatalf("bound port %d outside hunting range from %d", bound, occupiedPort)
	}
}

func TestLogsEndpointServesTailAndStream(t *testing.T) {
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "logs_test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)

	registry := &metrics.Registry{}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelDebug, io.Discard)

	messageLog, err := persist.Open(persist.Options{Dir: t.TempDir(), Logger: logger, Registry: registry})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(messageLog.Close)
	connections := pool.New(pool.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(connections.Close)
	messageRouter := router.New(connections, messageLog, router.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(messageRouter.Stop)

	instance := New(connections, messageRouter, Options{Port: 0, Logger: logger, Registry: registry, Bus: bus})
	if err := instance.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(instance.Stop)

	logger.Info("bus warmed up", nil)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/logs?limit=50", instance.Port()))
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var tail []logging.LogEntry
	if err := json.NewDecoder(resp.Body).Decode(&tail); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	found := false
	for _, entry := range tail {
		if entry.Message == "bus warmed up" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected warm-up entry in tail of %d entries", len(tail))
	}

	stream := dialWS(t, fmt.Sprintf("ws://127.0.0.1:%d/logs", instance.Port()), "")
	readUntilEntry := func(wantMessage string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			_ = stream.SetReadDeadline(deadline)
			var entry logging.LogEntry
			if err := stream.ReadJSON(&entry); err != nil {
				t.Fatalf("stream read while waiting for %q: %v", wantMessage, err)
			}
			if entry.Message == wantMessage {
				return
			}
		}
	}

	// The tail is replayed first; seeing it means the live
	// subscription is already in place.
	readUntilEntry("bus warmed up")
	logger.Info("stream marker", nil)
	readUntilEntry("stream marker")
}

func TestServerLifecycleEvents(t *testing.T) {
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "lifecycle_test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)
	started, cancel := bus.SubscribeTypes(event.TypeServerStarted, event.TypeServerStopped)
	defer cancel()

	registry := &metrics.Registry{}
	logger := logging.Discard()
	messageLog, err := persist.Open(persist.Options{Dir: t.TempDir(), Logger: logger, Registry: registry})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(messageLog.Close)
	connections := pool.New(pool.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(connections.Close)
	messageRouter := router.New(connections, messageLog, router.Options{Logger: logger, Registry: registry, Bus: bus})
	t.Cleanup(messageRouter.Stop)

	instance := New(connections, messageRouter, Options{Port: 0, Logger: logger, Registry: registry, Bus: bus})
	if err := instance.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	expectServerEvent := func(wantType string) {
		t.Helper()
		select {
		case published := <-started:
			lifecycle, ok := published.(event.ServerEvent)
			if !ok || lifecycle.Type() != wantType {
				t.Fatalf("expected %s, got %+v", wantType, published)
			}
			if lifecycle.Port != instance.Port() {
				t.Fatalf("event port %d, listener port %d", lifecycle.Port, instance.Port())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}

	expectServerEvent(event.TypeServerStarted)

	client := dialWS(t, fmt.Sprintf("ws://127.0.0.1:%d/ws", instance.Port()), "")
	readFrame(t, client)
	if connections.Count() != 1 {
		t.Fatalf("expected 1 connection before stop, got %d", connections.Count())
	}

	instance.Stop()
	instance.Stop()
	expectServerEvent(event.TypeServerStopped)

	// Stop tears live websockets down through the pool.
	if connections.Count() != 0 {
		t.Fatalf("expected pool emptied on stop, %d connections remain", connections.Count())
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected client socket closed after stop")
	}

	if _, err := http.Get("http://127.0.0.1:" + strconv.Itoa(instance.Port()) + "/healthz"); err == nil {
		t.Fatal("expected health endpoint to be down after stop")
	}
}
