package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/pool"
	"maestro/internal/router"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Options struct {
	Port           int
	PortAttempts   int
	AllowedOrigins []string
	Logger         *logging.Logger
	Registry       *metrics.Registry
	Bus            *event.Bus[event.Event]
}

// Listener accepts websocket peers, classifies and validates their
// frames, and feeds the router. It owns the HTTP server; connection
// state belongs to the pool.
type Listener struct {
	options Options
	pool    *pool.Pool
	router  *router.Router

	server    *http.Server
	netList   net.Listener
	port      int
	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

func New(connections *pool.Pool, messageRouter *router.Router, options Options) *Listener {
	if options.PortAttempts <= 0 {
		options.PortAttempts = 10
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	return &Listener{
		options: options,
		pool:    connections,
		router:  messageRouter,
		done:    make(chan struct{}),
	}
}

// Start binds the first free port at or above the configured one and
// begins serving. Port 0 asks the OS for any free port.
func (l *Listener) Start() error {
	netList, port, err := l.listenWithRetry()
	if err != nil {
		return err
	}
	l.netList = netList
	l.port = port
	l.startedAt = time.Now().UTC()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleWS)
	mux.HandleFunc("/healthz", l.handleHealth)
	mux.HandleFunc("/logs", l.handleLogs)

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := l.server.Serve(netList); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.options.Logger.Error("http server stopped", map[string]string{
				"error": err.Error(),
			})
		}
	}()

	l.options.Bus.Publish(event.NewServerEvent(event.TypeServerStarted, port))
	l.options.Logger.Info("listening", map[string]string{
		"port": strconv.Itoa(port),
	})
	return nil
}

// Port returns the bound port after a successful Start.
func (l *Listener) Port() int {
	return l.port
}

// Stop drains the HTTP server and tears down every live websocket
// through the pool, which also stops the heartbeat sweep. In-flight
// upgrades get the shutdown timeout to finish. Idempotent, as is the
// pool teardown underneath.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := l.server.Shutdown(ctx); err != nil {
				_ = l.server.Close()
			}
		}
		close(l.done)
		l.pool.Close()
		l.options.Bus.Publish(event.NewServerEvent(event.TypeServerStopped, l.port))
		l.options.Logger.Info("listener stopped", map[string]string{
			"port": strconv.Itoa(l.port),
		})
	})
}

func (l *Listener) listenWithRetry() (net.Listener, int, error) {
	var lastErr error
	for attempt := 0; attempt < l.options.PortAttempts; attempt++ {
		candidate := l.options.Port
		if candidate != 0 {
			candidate += attempt
		}
		netList, port, err := listenOnPort(candidate)
		if err == nil {
			if attempt > 0 {
				l.options.Logger.Warn("preferred port unavailable", map[string]string{
					"preferred": strconv.Itoa(l.options.Port),
					"bound":     strconv.Itoa(port),
				})
			}
			return netList, port, nil
		}
		lastErr = err
		if l.options.Port == 0 {
			break
		}
	}
	return nil, 0, fmt.Errorf("no free port in %d attempts from %d: %w", l.options.PortAttempts, l.options.Port, lastErr)
}

func listenOnPort(port int) (net.Listener, int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, 0, err
	}
	tcpAddress, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return nil, 0, fmt.Errorf("unexpected listener address: %T", listener.Addr())
	}
	return listener, tcpAddress.Port, nil
}
