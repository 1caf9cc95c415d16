// Package topo composes hosts, switches and links into parameterized
// test topologies. Builders depend only on the abstract backend
// capability interface; the emulation engine lives outside this module.
package topo

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/restuhaqza/nettestbed/pkg/ports"
	"github.com/restuhaqza/nettestbed/pkg/sid"
	"github.com/restuhaqza/nettestbed/pkg/types"
)

// Topology owns the entities created by one build.
type Topology struct {
	Hosts    []*types.Host
	Switches []*types.Switch
	Links    []types.Link

	switchNames map[string]bool
	dpids       map[uint64]bool
}

func newTopology() *Topology {
	return &Topology{
		switchNames: make(map[string]bool),
		dpids:       make(map[uint64]bool),
	}
}

// InterSwitchLinks returns the links whose both endpoints are switches.
func (t *Topology) InterSwitchLinks() []types.Link {
	var out []types.Link
	for _, l := range t.Links {
		if t.switchNames[l.A] && t.switchNames[l.B] {
			out = append(out, l)
		}
	}
	return out
}

// SwitchDegree returns how many inter-switch links touch the named
// switch.
func (t *Topology) SwitchDegree(name string) int {
	degree := 0
	for _, l := range t.InterSwitchLinks() {
		if l.A == name || l.B == name {
			degree++
		}
	}
	return degree
}

// HostFactory builds a host entity for a generated name. vlan is 0 for
// untagged hosts. Selecting host behavior through a factory replaces
// the original design's dynamic class injection.
type HostFactory func(name string, vlan int) *types.Host

// DefaultHostFactory names the default interface after the host.
func DefaultHostFactory(name string, vlan int) *types.Host {
	return &types.Host{
		Name: name,
		Intf: name + "-eth0",
		VLAN: vlan,
	}
}

// FlatSpec parameterizes the single-switch topologies.
type FlatSpec struct {
	DPID      uint64
	NTagged   int
	TaggedVID int
	NUntagged int
}

// Builder constructs topologies against a backend, drawing ports and
// served counts from the coordination connection.
type Builder struct {
	backend  types.Backend
	conn     net.Conn
	testName string
	hosts    HostFactory
}

// NewBuilder returns a builder. A nil factory selects
// DefaultHostFactory.
func NewBuilder(backend types.Backend, conn net.Conn, testName string, factory HostFactory) *Builder {
	if factory == nil {
		factory = DefaultHostFactory
	}
	return &Builder{
		backend:  backend,
		conn:     conn,
		testName: testName,
		hosts:    factory,
	}
}

// BuildFlat creates n tagged + m untagged hosts all linked to a single
// switch.
func (b *Builder) BuildFlat(ctx context.Context, spec FlatSpec) (*Topology, error) {
	topo := newTopology()
	if _, err := b.buildSegment(ctx, topo, spec); err != nil {
		return nil, err
	}
	return topo, nil
}

// BuildHardwareBridged is BuildFlat with the datapath identifier
// remapped by one so a physically separate switch's dataplane can be
// bridged into the emulated control plane. The remap changes the
// identity contract between the physical and emulated switch, so it is
// always logged.
func (b *Builder) BuildHardwareBridged(ctx context.Context, spec FlatSpec) (*Topology, error) {
	remapped := spec.DPID + 1
	log.Info().
		Str("hw_dpid", fmt.Sprintf("%d (%x)", spec.DPID, spec.DPID)).
		Str("bridge_dpid", fmt.Sprintf("%d (%x)", remapped, remapped)).
		Msg("Bridging hardware switch dataplane via emulated switch")
	spec.DPID = remapped
	return b.BuildFlat(ctx, spec)
}

// BuildChained creates one switch per datapath identifier, each with a
// fresh host set, and links every switch to its predecessor. S dpids
// yield S switches and S-1 inter-switch links: endpoint switches carry
// one inter-switch link, interior switches two.
func (b *Builder) BuildChained(ctx context.Context, dpids []uint64, nTagged, taggedVID, nUntagged int) (*Topology, error) {
	topo := newTopology()

	var last *types.Switch
	for _, dpid := range dpids {
		sw, err := b.buildSegment(ctx, topo, FlatSpec{
			DPID:      dpid,
			NTagged:   nTagged,
			TaggedVID: taggedVID,
			NUntagged: nUntagged,
		})
		if err != nil {
			return nil, err
		}
		if last != nil {
			if err := b.addLink(ctx, topo, last.Name, sw.Name); err != nil {
				return nil, err
			}
		}
		last = sw
	}
	return topo, nil
}

// buildSegment allocates a port and prefix, creates the segment's hosts
// and switch, and links each host to the switch.
func (b *Builder) buildSegment(ctx context.Context, topo *Topology, spec FlatSpec) (*types.Switch, error) {
	res, err := ports.Allocate(b.conn, b.testName)
	if err != nil {
		return nil, err
	}
	prefix, err := sid.PrefixFor(res.ServedCount)
	if err != nil {
		return nil, err
	}

	var segHosts []*types.Host
	for n := 0; n < spec.NTagged; n++ {
		h, err := b.addHost(ctx, topo, fmt.Sprintf("t%s%d", prefix, n+1), spec.TaggedVID)
		if err != nil {
			return nil, err
		}
		segHosts = append(segHosts, h)
	}
	for n := 0; n < spec.NUntagged; n++ {
		h, err := b.addHost(ctx, topo, fmt.Sprintf("u%s%d", prefix, n+1), 0)
		if err != nil {
			return nil, err
		}
		segHosts = append(segHosts, h)
	}

	sw, err := b.addSwitch(ctx, topo, "s"+prefix, res.Port, spec.DPID)
	if err != nil {
		return nil, err
	}
	for _, h := range segHosts {
		if err := b.addLink(ctx, topo, h.Name, sw.Name); err != nil {
			return nil, err
		}
	}
	return sw, nil
}

func (b *Builder) addHost(ctx context.Context, topo *Topology, name string, vlan int) (*types.Host, error) {
	h := b.hosts(name, vlan)
	if err := b.backend.AddHost(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to add host %s: %w", name, err)
	}
	topo.Hosts = append(topo.Hosts, h)
	return h, nil
}

func (b *Builder) addSwitch(ctx context.Context, topo *Topology, name string, port int, dpid uint64) (*types.Switch, error) {
	if topo.dpids[dpid] {
		return nil, fmt.Errorf("duplicate datapath id %x in topology", dpid)
	}
	sw := &types.Switch{Name: name, DPID: dpid, ListenPort: port}
	if err := b.backend.AddSwitch(ctx, sw); err != nil {
		return nil, fmt.Errorf("failed to add switch %s: %w", name, err)
	}
	topo.Switches = append(topo.Switches, sw)
	topo.switchNames[name] = true
	topo.dpids[dpid] = true
	return sw, nil
}

func (b *Builder) addLink(ctx context.Context, topo *Topology, a, z string) error {
	l := types.Link{A: a, B: z}
	if err := b.backend.AddLink(ctx, l); err != nil {
		return fmt.Errorf("failed to add link %s<->%s: %w", a, z, err)
	}
	topo.Links = append(topo.Links, l)
	return nil
}
