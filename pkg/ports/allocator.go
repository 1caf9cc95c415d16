package ports

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/restuhaqza/nettestbed/pkg/types"
)

// maxProbes bounds the server's search for a free port before giving up.
const maxProbes = 64

// ErrPortExhausted is returned when the server finds no free port after
// a bounded number of probe attempts.
var ErrPortExhausted = errors.New("ports: no free TCP port found")

// Dial connects to a coordination server. Addresses containing a path
// separator are unix socket paths, anything else TCP.
func Dial(addr string) (net.Conn, error) {
	network := "tcp"
	if strings.ContainsRune(addr, '/') {
		network = "unix"
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ports server at %s: %w", addr, err)
	}
	return conn, nil
}

// Allocate performs one exchange over conn keyed by testName. The
// server replies with a freshly probed free port and the next served
// count; both are arbitrated server-side so unrelated worker processes
// sharing the channel can never collide on either value. They are
// returned together because the served count, not the port, seeds the
// identifier generator.
func Allocate(conn net.Conn, testName string) (*types.PortReservation, error) {
	if _, err := fmt.Fprintf(conn, "%s\n", testName); err != nil {
		return nil, fmt.Errorf("failed to send allocation request for %s: %w", testName, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation for %s: %w", testName, err)
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return nil, fmt.Errorf("malformed allocation reply %q", line)
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("malformed port %q: %w", fields[0], err)
	}
	if port < 0 {
		return nil, fmt.Errorf("%w (server exhausted probe attempts)", ErrPortExhausted)
	}
	served, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed served count %q: %w", fields[1], err)
	}

	return &types.PortReservation{Port: port, ServedCount: served}, nil
}

// probeFreePort asks the kernel for a currently unbound loopback port.
func probeFreePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port, nil
}
