// Package ports hands out globally unique TCP ports and monotonically
// increasing served counts to concurrent test instances. Uniqueness of
// the served count is guaranteed by a shared coordination server that
// unrelated OS processes reach over a loopback or unix socket.
package ports

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server is the coordination rendezvous. Each client exchange is a
// single read-increment-write: the client sends its test name, the
// server replies with a freshly probed free port and the next served
// count. Ports are probed and reserved server-side so callers in
// unrelated OS processes can never be handed the same port, even when
// the kernel recycles an ephemeral port between probes.
type Server struct {
	lis net.Listener

	// probe is swapped out in tests.
	probe func() (int, error)

	mu       sync.Mutex
	served   int
	reserved map[int]bool
	conns    map[net.Conn]bool

	allocations *prometheus.CounterVec
	connections prometheus.Gauge
}

// NewServer listens on addr. Addresses containing a path separator are
// treated as unix socket paths, anything else as a TCP address; an
// empty addr binds an ephemeral loopback TCP port.
func NewServer(addr string) (*Server, error) {
	network := "tcp"
	if addr == "" {
		addr = "127.0.0.1:0"
	} else if strings.ContainsRune(addr, '/') {
		network = "unix"
	}

	lis, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}

	s := &Server{
		lis:      lis,
		probe:    probeFreePort,
		reserved: make(map[int]bool),
		conns:    make(map[net.Conn]bool),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nettestbed_ports_allocations_total",
			Help: "Port allocation exchanges served, by test name.",
		}, []string{"test"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nettestbed_ports_open_connections",
			Help: "Currently open allocator client connections.",
		}),
	}

	log.Info().
		Str("addr", lis.Addr().String()).
		Msg("Ports server listening")

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Register registers the server's metrics with reg.
func (s *Server) Register(reg prometheus.Registerer) error {
	if err := reg.Register(s.allocations); err != nil {
		return err
	}
	return reg.Register(s.connections)
}

// Served returns the number of allocations handed out so far.
func (s *Server) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Serve accepts client connections until ctx is cancelled or the
// listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		err := s.lis.Close()
		// Unblock handlers still waiting on idle clients.
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return err
	})

	g.Go(func() error {
		for {
			conn, err := s.lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			g.Go(func() error {
				s.handle(ctx, conn)
				return nil
			})
		}
	})

	return g.Wait()
}

// Close shuts down the listener. In-flight exchanges complete.
func (s *Server) Close() error {
	return s.lis.Close()
}

// allocatePort probes for a free port not yet handed to any client of
// this server. Kernel probes can return a port another worker already
// holds but has not yet bound, so every reply is checked against the
// reservation set; nothing is ever reused within a run.
func (s *Server) allocatePort() (int, error) {
	for i := 0; i < maxProbes; i++ {
		port, err := s.probe()
		if err != nil {
			continue
		}

		s.mu.Lock()
		if s.reserved[port] {
			s.mu.Unlock()
			continue
		}
		s.reserved[port] = true
		s.mu.Unlock()

		return port, nil
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrPortExhausted, maxProbes)
}

// handle serves allocation exchanges on one client connection. A client
// may hold its connection open and request multiple counts.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Shutdown may have swept the conn map before this conn was in it.
	if ctx.Err() != nil {
		return
	}

	s.connections.Inc()
	defer s.connections.Dec()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		testName := strings.TrimSpace(scanner.Text())
		if testName == "" {
			continue
		}

		port, err := s.allocatePort()
		if err != nil {
			log.Warn().Err(err).Str("test", testName).Msg("Port probe exhausted")
			// A negative port tells the client the probe failed; the
			// counter is not advanced for failed exchanges.
			fmt.Fprintf(conn, "-1 -1\n")
			continue
		}

		s.mu.Lock()
		count := s.served
		s.served++
		s.mu.Unlock()

		s.allocations.WithLabelValues(testName).Inc()

		log.Debug().
			Str("test", testName).
			Int("port", port).
			Int("served_count", count).
			Msg("Allocation served")

		if _, err := fmt.Fprintf(conn, "%d %d\n", port, count); err != nil {
			log.Debug().Err(err).Str("test", testName).Msg("Client went away mid-exchange")
			return
		}
	}
}
