package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
	"maestro/internal/persist"
	"maestro/internal/pool"

	"github.com/gorilla/websocket"
)

// memStore is an in-memory Store whose failure mode can be toggled,
// for exercising the fallback buffer without touching the filesystem.
type memStore struct {
	mu      sync.Mutex
	failing bool
	saved   []message.Message
	history []message.Message
}

func (s *memStore) Save(saved message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk unavailable")
	}
	s.saved = append(s.saved, saved)
	return nil
}

func (s *memStore) History(filter persist.Filter) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for i := len(s.history) - 1; i >= 0; i-- {
		candidate := s.history[i]
		if filter.LogicalID != "" && candidate.From != filter.LogicalID && candidate.To != filter.LogicalID {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func (s *memStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *memStore) savedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.saved))
	for i, saved := range s.saved {
		out[i] = saved.ID
	}
	return out
}

type wsFixture struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	fixture := &wsFixture{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fixture.conns <- socket
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *wsFixture) dial(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-f.conns:
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil, nil
	}
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

type routerFixture struct {
	pool   *pool.Pool
	store  *memStore
	router *Router
	bus    *event.Bus[event.Event]
}

func newRouterFixture(t *testing.T, options Options) *routerFixture {
	t.Helper()
	bus := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "router_test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)

	connections := pool.New(pool.Options{
		Logger:   logging.Discard(),
		Registry: &metrics.Registry{},
		Bus:      bus,
	})
	t.Cleanup(connections.Close)

	store := &memStore{}
	options.Logger = logging.Discard()
	options.Registry = &metrics.Registry{}
	options.Bus = bus
	if options.RetryBase <= 0 {
		options.RetryBase = 10 * time.Millisecond
	}
	if options.RetryInterval <= 0 {
		// Sweeps are driven explicitly in tests.
		options.RetryInterval = time.Hour
	}
	instance := New(connections, store, options)
	t.Cleanup(instance.Stop)

	return &routerFixture{pool: connections, store: store, router: instance, bus: bus}
}

func waitDelivery(t *testing.T, events <-chan event.Event) event.DeliveryEvent {
	t.Helper()
	for {
		select {
		case published := <-events:
			if delivery, ok := published.(event.DeliveryEvent); ok {
				return delivery
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery event")
		}
	}
}

func TestRouteDirectDeliversAndAcks(t *testing.T) {
	ws := newWSFixture(t)
	fixture := newRouterFixture(t, Options{})

	serverDest, clientDest := ws.dial(t)
	serverSrc, clientSrc := ws.dial(t)
	fixture.pool.Add(serverDest, "conn-dest", pool.Metadata{})
	fixture.pool.Add(serverSrc, "conn-src", pool.Metadata{})
	readFrame(t, clientDest)
	readFrame(t, clientSrc)
	fixture.pool.RegisterLogical("conn-dest", "conductor")
	fixture.pool.RegisterLogical("conn-src", "agent-1")

	outbound := message.New("agent-1", "conductor", message.TypeChat, nil)
	outbound.RequiresAck = true
	if !fixture.router.Route(outbound) {
		t.Fatal("expected delivery to succeed")
	}

	received := readFrame(t, clientDest)
	if received.ID != outbound.ID {
		t.Fatalf("expected message %s, got %s", outbound.ID, received.ID)
	}
	ack := readFrame(t, clientSrc)
	if ack.Type != message.TypeAck || ack.CorrelationID != outbound.ID {
		t.Fatalf("expected ack for %s, got %+v", outbound.ID, ack)
	}
	if ids := fixture.store.savedIDs(); len(ids) != 1 || ids[0] != outbound.ID {
		t.Fatalf("expected message persisted, got %v", ids)
	}
}

func TestUnresolvedDirectFailsPermanently(t *testing.T) {
	fixture := newRouterFixture(t, Options{})

	failures, cancel := fixture.bus.SubscribeTypes(event.TypeDeliveryFailed)
	defer cancel()

	outbound := message.New("agent-1", "ghost", message.TypeChat, nil)
	if fixture.router.Route(outbound) {
		t.Fatal("expected routing to an unregistered id to fail")
	}

	failure := waitDelivery(t, failures)
	if !failure.Permanent || failure.Reason != "destination not registered" {
		t.Fatalf("unexpected failure event: %+v", failure)
	}
	if pending := fixture.router.PendingRetries(); len(pending) != 0 {
		t.Fatalf("unresolved destinations must not enter the retry queue: %v", pending)
	}
}

func TestSenderReassignmentMovesBindingAndReplays(t *testing.T) {
	ws := newWSFixture(t)
	fixture := newRouterFixture(t, Options{ReplayWindow: time.Hour, ReplayLimit: 10})

	backlog := message.New("conductor", "agent-1", message.TypeChat, nil)
	backlog.Timestamp = time.Now().UTC().Add(-time.Minute)
	fixture.store.history = []message.Message{backlog}

	reassignments, cancel := fixture.bus.SubscribeTypes(event.TypeLogicalReassigned)
	defer cancel()

	serverA, clientA := ws.dial(t)
	fixture.pool.Add(serverA, "conn-a", pool.Metadata{})
	readFrame(t, clientA)

	fixture.router.HandleInbound("conn-a", message.New("agent-1", "broadcast", message.TypeStatus, nil))
	replayedA := readFrame(t, clientA)
	if replayedA.ID != backlog.ID {
		t.Fatalf("expected backlog replay on first registration, got %+v", replayedA)
	}

	serverB, clientB := ws.dial(t)
	fixture.pool.Add(serverB, "conn-b", pool.Metadata{})
	readFrame(t, clientB)

	fixture.router.HandleInbound("conn-b", message.New("agent-1", "broadcast", message.TypeStatus, nil))

	if resolved, ok := fixture.pool.ResolveLogical("agent-1"); !ok || resolved != "conn-b" {
		t.Fatalf("expected agent-1 rebound to conn-b, got %q (ok=%v)", resolved, ok)
	}
	select {
	case published := <-reassignments:
		registry, ok := published.(event.RegistryEvent)
		if !ok || registry.LogicalID != "agent-1" || registry.PreviousConnectionID != "conn-a" || registry.ConnectionID != "conn-b" {
			t.Fatalf("unexpected reassignment event: %+v", published)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassignment event")
	}

	replayedB := readFrame(t, clientB)
	if replayedB.ID != backlog.ID {
		t.Fatalf("expected backlog replay on reconnect, got %+v", replayedB)
	}
}

func TestReplayCoversBothDirections(t *testing.T) {
	ws := newWSFixture(t)
	fixture := newRouterFixture(t, Options{ReplayWindow: time.Hour, ReplayLimit: 10})

	// One message the peer sent, one it was sent, oldest first.
	outgoing := message.New("agent-1", "conductor", message.TypeChat, nil)
	outgoing.Timestamp = time.Now().UTC().Add(-2 * time.Minute)
	incoming := message.New("conductor", "agent-1", message.TypeChat, nil)
	incoming.Timestamp = time.Now().UTC().Add(-time.Minute)
	fixture.store.history = []message.Message{outgoing, incoming}

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-a", pool.Metadata{})
	readFrame(t, client)

	fixture.router.HandleInbound("conn-a", message.New("agent-1", "broadcast", message.TypeStatus, nil))

	first := readFrame(t, client)
	second := readFrame(t, client)
	if first.ID != outgoing.ID {
		t.Fatalf("expected the peer's own message replayed first, got %+v", first)
	}
	if second.ID != incoming.ID {
		t.Fatalf("expected the inbound message replayed second, got %+v", second)
	}
}

func TestRequestReplayDefersUntilRegistration(t *testing.T) {
	ws := newWSFixture(t)
	fixture := newRouterFixture(t, Options{ReplayWindow: time.Hour, ReplayLimit: 10, RegistrationWait: 2 * time.Second})

	backlog := message.New("conductor", "agent-9", message.TypeChat, nil)
	backlog.Timestamp = time.Now().UTC().Add(-time.Minute)
	fixture.store.history = []message.Message{backlog}

	fixture.router.RequestReplay("agent-9")

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-1", pool.Metadata{})
	readFrame(t, client)
	fixture.pool.RegisterLogical("conn-1", "agent-9")

	replayed := readFrame(t, client)
	if replayed.ID != backlog.ID {
		t.Fatalf("expected deferred replay of backlog, got %+v", replayed)
	}
}

func TestTransientFailureRetriesUntilReconnect(t *testing.T) {
	ws := newWSFixture(t)
	base := 10 * time.Millisecond
	fixture := newRouterFixture(t, Options{RetryBase: base})

	delivered, cancel := fixture.bus.SubscribeTypes(event.TypeMessageDelivered)
	defer cancel()

	serverA, clientA := ws.dial(t)
	fixture.pool.Add(serverA, "conn-a", pool.Metadata{})
	readFrame(t, clientA)
	fixture.pool.RegisterLogical("conn-a", "agent-2")

	// Kill the socket underneath the pool so the binding stays but
	// sends fail.
	_ = serverA.Close()

	outbound := message.New("conductor", "agent-2", message.TypeChat, nil)
	if fixture.router.Route(outbound) {
		t.Fatal("expected first delivery attempt to fail")
	}
	if pending := fixture.router.PendingRetries(); pending["agent-2"] != 1 {
		t.Fatalf("expected one pending retry, got %v", pending)
	}

	serverB, clientB := ws.dial(t)
	fixture.pool.Add(serverB, "conn-b", pool.Metadata{})
	readFrame(t, clientB)
	fixture.router.HandleInbound("conn-b", message.New("agent-2", "broadcast", message.TypeStatus, nil))

	fixture.router.sweepRetries(time.Now().Add(2 * base))

	received := readFrame(t, clientB)
	if received.ID != outbound.ID {
		t.Fatalf("expected retried message %s, got %s", outbound.ID, received.ID)
	}
	success := waitDelivery(t, delivered)
	if success.MessageID != outbound.ID {
		t.Fatalf("unexpected delivery event: %+v", success)
	}
	if pending := fixture.router.PendingRetries(); len(pending) != 0 {
		t.Fatalf("retry queue should be empty, got %v", pending)
	}
}

func TestRetryBackoffDoublesThenExhausts(t *testing.T) {
	ws := newWSFixture(t)
	base := 10 * time.Millisecond
	fixture := newRouterFixture(t, Options{RetryBase: base, MaxRetries: 3})

	failures, cancel := fixture.bus.SubscribeTypes(event.TypeDeliveryFailed)
	defer cancel()

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-a", pool.Metadata{})
	readFrame(t, client)
	fixture.pool.RegisterLogical("conn-a", "agent-3")
	_ = server.Close()

	outbound := message.New("conductor", "agent-3", message.TypeChat, nil)
	if fixture.router.Route(outbound) {
		t.Fatal("expected delivery to fail")
	}

	nextRetryAt := func() time.Time {
		fixture.router.mu.Lock()
		defer fixture.router.mu.Unlock()
		entries := fixture.router.retries["agent-3"]
		if len(entries) != 1 {
			t.Fatalf("expected one retry entry, got %d", len(entries))
		}
		return entries[0].nextRetryAt
	}

	// First retry is due one base interval after the failed send;
	// each failed retry doubles the delay.
	first := nextRetryAt()
	fixture.router.sweepRetries(first)
	second := nextRetryAt()
	if got := second.Sub(first); got != 2*base {
		t.Fatalf("expected second retry after 2*base, got %v", got)
	}
	fixture.router.sweepRetries(second)
	third := nextRetryAt()
	if got := third.Sub(second); got != 4*base {
		t.Fatalf("expected third retry after 4*base, got %v", got)
	}
	fixture.router.sweepRetries(third)

	failure := waitDelivery(t, failures)
	if !failure.Permanent || failure.Reason != "retries exhausted" || failure.Attempt != 3 {
		t.Fatalf("unexpected exhaustion event: %+v", failure)
	}
	if pending := fixture.router.PendingRetries(); len(pending) != 0 {
		t.Fatalf("exhausted entry should be gone, got %v", pending)
	}
}

func TestFallbackBuffersBoundedAndRecovers(t *testing.T) {
	fixture := newRouterFixture(t, Options{FallbackCapacity: 3})

	degradations, cancelDegraded := fixture.bus.SubscribeTypes(event.TypePersistenceDegraded)
	defer cancelDegraded()
	recoveries, cancelRecovered := fixture.bus.SubscribeTypes(event.TypePersistenceRecovery)
	defer cancelRecovered()

	fixture.store.setFailing(true)

	var routed []message.Message
	for i := 0; i < 5; i++ {
		outbound := message.New("agent-1", "ghost", message.TypeChat, nil)
		fixture.router.Route(outbound)
		routed = append(routed, outbound)
	}

	select {
	case <-degradations:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for degradation event")
	}
	if !fixture.router.Degraded() {
		t.Fatal("router should report degraded persistence")
	}
	if depth := fixture.router.FallbackDepth(); depth != 3 {
		t.Fatalf("fallback buffer should cap at capacity, got %d", depth)
	}

	fixture.store.setFailing(false)
	recovered := message.New("agent-1", "ghost", message.TypeChat, nil)
	fixture.router.Route(recovered)

	select {
	case <-recoveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery event")
	}
	if fixture.router.Degraded() {
		t.Fatal("router should have cleared the degraded flag")
	}
	if depth := fixture.router.FallbackDepth(); depth != 0 {
		t.Fatalf("fallback buffer should be drained, got %d", depth)
	}

	// The triggering save lands first, then the flush drains the
	// surviving buffered messages oldest-first. The two oldest were
	// evicted at capacity.
	want := []string{recovered.ID, routed[2].ID, routed[3].ID, routed[4].ID}
	got := fixture.store.savedIDs()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected persisted order:\n got %v\nwant %v", got, want)
	}
}

type fakeAgents struct {
	mu      sync.Mutex
	spawned []json.RawMessage
	removed []string
	known   map[string]bool
	active  []Agent
}

func (f *fakeAgents) SpawnAgent(config json.RawMessage) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, config)
	return Agent{ID: "agent-9", Name: "worker", Status: "running"}, nil
}

func (f *fakeAgents) RemoveAgent(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.known[id]
}

func (f *fakeAgents) ActiveAgents() []Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func TestDispatchSpawnAgentRepliesStatus(t *testing.T) {
	ws := newWSFixture(t)
	agents := &fakeAgents{}
	fixture := newRouterFixture(t, Options{Agents: agents})

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-1", pool.Metadata{})
	readFrame(t, client)
	fixture.pool.RegisterLogical("conn-1", "conductor")

	payload := json.RawMessage(`{"name":"worker"}`)
	command := message.New("conductor", "system", message.TypeSpawnAgent, payload)
	if !fixture.router.Route(command) {
		t.Fatal("system command routing should succeed")
	}

	reply := readFrame(t, client)
	if reply.Type != message.TypeStatus || reply.CorrelationID != command.ID {
		t.Fatalf("expected correlated status reply, got %+v", reply)
	}
	var body struct {
		Command string `json:"command"`
		Agent   Agent  `json:"agent"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("parse reply payload: %v", err)
	}
	if body.Command != string(message.TypeSpawnAgent) || body.Agent.ID != "agent-9" {
		t.Fatalf("unexpected reply body: %+v", body)
	}
	if len(agents.spawned) != 1 {
		t.Fatalf("expected one spawn call, got %d", len(agents.spawned))
	}
}

func TestDispatchTerminateUnknownAgentRepliesError(t *testing.T) {
	ws := newWSFixture(t)
	agents := &fakeAgents{known: map[string]bool{}}
	fixture := newRouterFixture(t, Options{Agents: agents})

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-1", pool.Metadata{})
	readFrame(t, client)
	fixture.pool.RegisterLogical("conn-1", "conductor")

	payload := json.RawMessage(`{"agentId":"agent-404"}`)
	command := message.New("conductor", "system", message.TypeTerminateAgent, payload)
	fixture.router.Route(command)

	reply := readFrame(t, client)
	if reply.Type != message.TypeError || reply.CorrelationID != command.ID {
		t.Fatalf("expected correlated error reply, got %+v", reply)
	}
}

func TestDispatchQueryStatusReportsDirectories(t *testing.T) {
	ws := newWSFixture(t)
	agents := &fakeAgents{active: []Agent{{ID: "agent-9", Status: "running"}}}
	fixture := newRouterFixture(t, Options{Agents: agents})

	server, client := ws.dial(t)
	fixture.pool.Add(server, "conn-1", pool.Metadata{})
	readFrame(t, client)
	fixture.pool.RegisterLogical("conn-1", "conductor")

	command := message.New("conductor", "system", message.TypeQueryStatus, nil)
	fixture.router.Route(command)

	reply := readFrame(t, client)
	var body struct {
		Connections int     `json:"connections"`
		Agents      []Agent `json:"agents"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("parse reply payload: %v", err)
	}
	if body.Connections != 1 || len(body.Agents) != 1 || body.Agents[0].ID != "agent-9" {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestDashboardDeliveryRequiresRegistration(t *testing.T) {
	fixture := newRouterFixture(t, Options{})

	outbound := message.New("agent-1", "dashboard", message.TypeStatus, nil)
	if fixture.router.Route(outbound) {
		t.Fatal("dashboard delivery should fail with no callback registered")
	}

	received := make(chan message.Message, 1)
	fixture.router.RegisterDashboard(func(delivered message.Message) {
		received <- delivered
	})
	if !fixture.router.Route(outbound) {
		t.Fatal("dashboard delivery should succeed once registered")
	}
	select {
	case delivered := <-received:
		if delivered.ID != outbound.ID {
			t.Fatalf("unexpected dashboard message %s", delivered.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("dashboard callback never invoked")
	}
}
