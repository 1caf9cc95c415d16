package ports

import (
	"context"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a loopback server for the duration of the test.
func startServer(t *testing.T, addr string) *Server {
	t.Helper()

	srv, err := NewServer(addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv
}

func TestAllocateSequential(t *testing.T) {
	srv := startServer(t, "")

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	first, err := Allocate(conn, "t1")
	require.NoError(t, err)
	second, err := Allocate(conn, "t1")
	require.NoError(t, err)

	assert.Equal(t, 0, first.ServedCount)
	assert.Equal(t, 1, second.ServedCount)
	assert.NotEqual(t, first.Port, second.Port)
	assert.Greater(t, first.Port, 0)
	assert.Equal(t, 2, srv.Served())
}

func TestAllocateConcurrent(t *testing.T) {
	const k = 32

	srv := startServer(t, "")

	var (
		mu        sync.Mutex
		gotPorts  = make(map[int]bool)
		gotServed []int
		wg        sync.WaitGroup
	)

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := Dial(srv.Addr())
			require.NoError(t, err)
			defer conn.Close()

			res, err := Allocate(conn, "concurrent")
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			assert.False(t, gotPorts[res.Port], "port %d handed out twice", res.Port)
			gotPorts[res.Port] = true
			gotServed = append(gotServed, res.ServedCount)
		}()
	}
	wg.Wait()

	require.Len(t, gotPorts, k)
	require.Len(t, gotServed, k)

	// Served counts must be exactly 0..k-1 with no duplicates.
	sort.Ints(gotServed)
	for i, served := range gotServed {
		assert.Equal(t, i, served)
	}
}

func TestServerUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ports.sock")
	srv := startServer(t, sock)

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	res, err := Allocate(conn, "unix")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ServedCount)
}

func TestServerMetricsRegistration(t *testing.T) {
	srv := startServer(t, "")

	reg := prometheus.NewRegistry()
	require.NoError(t, srv.Register(reg))

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = Allocate(conn, "metrics")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "nettestbed_ports_allocations_total" {
			found = true
		}
	}
	assert.True(t, found, "allocation counter not gathered")
}

func TestAllocatedPortIsBindable(t *testing.T) {
	srv := startServer(t, "")

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	res, err := Allocate(conn, "bindable")
	require.NoError(t, err)

	lis, err := net.Listen("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: res.Port}).String())
	require.NoError(t, err)
	lis.Close()
}

func TestServerSkipsRecycledPorts(t *testing.T) {
	// Simulate the kernel recycling an ephemeral port between probes,
	// as can happen when separate worker processes race: consecutive
	// probes return the same port number.
	probes := []int{5001, 5001, 5002, 5002, 5001, 5003}
	srv := startServer(t, "")
	i := 0
	srv.probe = func() (int, error) {
		port := probes[i%len(probes)]
		i++
		return port, nil
	}

	// Each worker holds its own connection to the shared server.
	workerA, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer workerA.Close()
	workerB, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer workerB.Close()

	got := make(map[int]bool)
	for _, conn := range []net.Conn{workerA, workerB, workerA} {
		res, err := Allocate(conn, "recycled")
		require.NoError(t, err)
		assert.False(t, got[res.Port], "port %d handed out twice", res.Port)
		got[res.Port] = true
	}
	assert.Equal(t, map[int]bool{5001: true, 5002: true, 5003: true}, got)
}

func TestAllocatePortExhausted(t *testing.T) {
	srv := startServer(t, "")
	srv.probe = func() (int, error) { return 6000, nil }

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	first, err := Allocate(conn, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, 6000, first.Port)

	// Every further probe yields the already reserved port.
	_, err = Allocate(conn, "exhausted")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortExhausted)

	// Failed exchanges do not advance the served count.
	assert.Equal(t, 1, srv.Served())
}
