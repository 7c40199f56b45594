// Package broker wires the MQTT runtime together: the Listener accepts
// sockets and spawns a Reader/Writer pair per connection, the Coordinator
// is the sole owner of broker-wide state, and the Redelivery Loop drives
// the at-least-once guarantee for QoS-1 subscribers.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pinata-labs/mqttd/internal/auth"
	"github.com/pinata-labs/mqttd/internal/config"
	"github.com/pinata-labs/mqttd/internal/store"
)

// outboundQueueSize bounds each client's outbound channel. A full queue
// means a slow subscriber; the Coordinator drops frames for that
// connection rather than blocking on it.
const outboundQueueSize = 256

// commandQueueSize bounds the Coordinator's single inbound command queue.
const commandQueueSize = 4096

// Server is the broker's top-level runtime: it owns the listening socket,
// the Coordinator, and the Redelivery Loop, and spawns a Reader/Writer
// pair for every accepted connection.
type Server struct {
	cfg     *config.Config
	store   store.Store
	log     *logrus.Logger
	checker *auth.Checker

	listener net.Listener
	cmdCh    chan *Command
	coord    *Coordinator
	cancel   context.CancelFunc

	nextConnID uint64
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
	conns   map[uint64]net.Conn
}

// NewServer builds a Server from configuration, a durability store, and a
// logger. It does not bind a socket yet - call Start for that.
func NewServer(cfg *config.Config, st store.Store, log *logrus.Logger) *Server {
	cmdCh := make(chan *Command, commandQueueSize)
	return &Server{
		cfg:     cfg,
		store:   st,
		log:     log,
		checker: auth.NewChecker(cfg.Auth.UsernamePasswordFile),
		cmdCh:   cmdCh,
		coord:   NewCoordinator(cmdCh, st, log),
		conns:   make(map[uint64]net.Conn),
	}
}

// Start binds the configured address and begins accepting connections. It
// blocks, running the accept loop, until Stop is called; a failed accept
// while the server is running is logged and the loop continues.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("broker: already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: failed to bind %s: %w", addr, err)
	}
	s.listener = listener

	retained, err := s.store.LoadAllRetained()
	if err != nil {
		listener.Close()
		return fmt.Errorf("broker: failed to load retained messages: %w", err)
	}
	s.coord.LoadRetained(retained)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.coord.Run(ctx) }()
	go func() {
		defer s.wg.Done()
		loop := &RedeliveryLoop{Coordinator: s.coord, Interval: s.cfg.QoS.RetryInterval}
		loop.Run(ctx)
	}()

	s.log.WithField("address", addr).Info("mqtt broker listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every live connection, and waits for all
// spawned goroutines to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := atomic.AddUint64(&s.nextConnID, 1)
	outbound := make(chan []byte, outboundQueueSize)
	done := make(chan struct{})
	s.coord.Register(connID, outbound, done)

	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	reader := &Reader{
		Conn:           conn,
		ConnectionID:   connID,
		Outbound:       outbound,
		Commands:       s.cmdCh,
		Checker:        s.checker,
		AuthRequired:   s.cfg.Auth.Enabled,
		AllowAnonymous: s.cfg.Auth.AllowAnonymous,
		MaxMessageSize: s.cfg.Limits.MaxMessageSize,
		Log:            s.log,
	}
	writer := &Writer{
		Conn:         conn,
		ConnectionID: connID,
		Outbound:     outbound,
		Done:         done,
		Commands:     s.cmdCh,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); writer.Run() }()
	go func() { defer wg.Done(); reader.Run(); conn.Close() }()
	wg.Wait()
}
