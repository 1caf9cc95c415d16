// Package types contains shared data structures used across nettestbed.
package types

import "context"

// Host is a test host attached to a switch.
type Host struct {
	// Name is the globally unique host name, e.g. "tab1" or "uab2".
	Name string

	// Intf is the canonical interface for the host. For tagged hosts it
	// is rebound to the VLAN sub-interface after configuration.
	Intf string

	// VLAN is the 802.1Q tag for tagged hosts, 0 for untagged.
	VLAN int

	// IP is the IPv4 address (CIDR notation) assigned to the host.
	IP string
}

// Tagged reports whether the host carries an 802.1Q VLAN tag.
func (h *Host) Tagged() bool {
	return h.VLAN != 0
}

// Switch is an emulated switch managed by an external controller.
type Switch struct {
	// Name is the globally unique switch name, e.g. "sab".
	Name string

	// DPID is the datapath identifier announced to the controller.
	DPID uint64

	// ListenPort is the TCP port the switch management channel uses.
	ListenPort int
}

// Link is an undirected edge between two topology entities, identified
// by entity name (host<->switch or switch<->switch).
type Link struct {
	A string
	B string
}

// PortReservation is the result of one allocator exchange: a currently
// free TCP port and the strictly monotonic served count that produced it.
type PortReservation struct {
	Port        int
	ServedCount int
}

// Backend is the capability surface of the network emulation engine.
// The topology builder depends only on this interface; the engine that
// actually creates namespaces and veth pairs lives outside this module.
type Backend interface {
	AddHost(ctx context.Context, host *Host) error
	AddSwitch(ctx context.Context, sw *Switch) error
	AddLink(ctx context.Context, link Link) error
}

// ProcessAdapter isolates OS process introspection and control so the
// controller supervisor's state machine is testable without spawning
// real processes.
type ProcessAdapter interface {
	// Launch starts the wrapper script via a shell and returns without
	// waiting for the child to become healthy.
	Launch(scriptPath string) error

	// Terminate delivers SIGTERM to pid.
	Terminate(pid int) error

	// ListenerPID returns the PID owning a TCP listener on port, or 0
	// if no process is listening.
	ListenerPID(port int) (int, error)

	// Established returns the number of TCP connections to port in the
	// ESTABLISHED state.
	Established(port int) (int, error)
}

// ControllerState is the supervisor lifecycle state.
type ControllerState string

const (
	StateInit     ControllerState = "init"
	StateStarting ControllerState = "starting"
	StateRunning  ControllerState = "running"
	StateStopping ControllerState = "stopping"
	StateStopped  ControllerState = "stopped"
)
