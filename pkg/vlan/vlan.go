// Package vlan configures tagged test hosts. Tagged hosts own a derived
// 802.1Q sub-interface created through a strict ordered sequence of
// netlink operations; any failure aborts the remaining steps.
package vlan

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"

	"github.com/restuhaqza/nettestbed/pkg/types"
)

// Configurer is the interface-configuration surface. Tests inject a
// fake; production uses NetlinkConfigurer.
type Configurer interface {
	// FlushAddrs removes all addresses of the given family from intf.
	FlushAddrs(intf string, family int) error

	// CreateVLAN creates the 802.1Q sub-interface <intf>.<vid> and
	// returns its name.
	CreateVLAN(intf string, vid int) (string, error)

	// SetUp brings intf up.
	SetUp(intf string) error

	// AddAddr assigns an IPv4 address in CIDR notation to intf.
	AddAddr(intf, cidr string) error
}

// Address families accepted by FlushAddrs.
const (
	FamilyV4 = netlink.FAMILY_V4
	FamilyV6 = netlink.FAMILY_V6
)

// HostConfigError reports which configuration step failed for a host.
// It is fatal for that host; no further steps run.
type HostConfigError struct {
	Host string
	Step string
	Err  error
}

func (e *HostConfigError) Error() string {
	return fmt.Sprintf("host %s: %s failed: %v", e.Host, e.Step, e.Err)
}

func (e *HostConfigError) Unwrap() error {
	return e.Err
}

// ConfigureTagged runs the tagged-host sequence on h's default
// interface: flush IPv4, flush IPv6, create the VLAN sub-interface,
// bring it up, assign the host's IPv4 address to it. On success the
// host's canonical interface is rebound to the sub-interface so
// subsequent operations address it correctly.
func ConfigureTagged(c Configurer, h *types.Host) error {
	if !h.Tagged() {
		return fmt.Errorf("host %s has no VLAN tag", h.Name)
	}

	fail := func(step string, err error) error {
		return &HostConfigError{Host: h.Name, Step: step, Err: err}
	}

	if err := c.FlushAddrs(h.Intf, FamilyV4); err != nil {
		return fail("flush ipv4 addrs", err)
	}
	if err := c.FlushAddrs(h.Intf, FamilyV6); err != nil {
		return fail("flush ipv6 addrs", err)
	}

	subIntf, err := c.CreateVLAN(h.Intf, h.VLAN)
	if err != nil {
		return fail("create vlan sub-interface", err)
	}
	if err := c.SetUp(subIntf); err != nil {
		return fail("set sub-interface up", err)
	}
	if err := c.AddAddr(subIntf, h.IP); err != nil {
		return fail("assign ipv4 addr", err)
	}

	log.Debug().
		Str("host", h.Name).
		Str("intf", subIntf).
		Int("vlan", h.VLAN).
		Msg("Tagged host configured")

	h.Intf = subIntf
	return nil
}

// NetlinkConfigurer implements Configurer against the kernel.
type NetlinkConfigurer struct{}

func (NetlinkConfigurer) FlushAddrs(intf string, family int) error {
	link, err := netlink.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", intf, err)
	}
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return fmt.Errorf("failed to list addrs on %s: %w", intf, err)
	}
	for _, addr := range addrs {
		if err := netlink.AddrDel(link, &addr); err != nil {
			return fmt.Errorf("failed to delete %s from %s: %w", addr.IP, intf, err)
		}
	}
	return nil
}

func (NetlinkConfigurer) CreateVLAN(intf string, vid int) (string, error) {
	parent, err := netlink.LinkByName(intf)
	if err != nil {
		return "", fmt.Errorf("failed to find parent link %s: %w", intf, err)
	}
	name := fmt.Sprintf("%s.%d", intf, vid)
	link := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: parent.Attrs().Index,
		},
		VlanId: vid,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return "", fmt.Errorf("failed to create vlan link %s: %w", name, err)
	}
	return name, nil
}

func (NetlinkConfigurer) SetUp(intf string) error {
	link, err := netlink.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", intf, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring %s up: %w", intf, err)
	}
	return nil
}

func (NetlinkConfigurer) AddAddr(intf, cidr string) error {
	link, err := netlink.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", intf, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", cidr, intf, err)
	}
	return nil
}
