package vlan

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restuhaqza/nettestbed/pkg/types"
)

// fakeConfigurer records the order of operations and can be told to
// fail a specific step.
type fakeConfigurer struct {
	calls    []string
	failStep string
}

var errInjected = errors.New("injected failure")

func (f *fakeConfigurer) record(step string) error {
	f.calls = append(f.calls, step)
	if step == f.failStep {
		return errInjected
	}
	return nil
}

func (f *fakeConfigurer) FlushAddrs(intf string, family int) error {
	return f.record(fmt.Sprintf("flush:%s:%d", intf, family))
}

func (f *fakeConfigurer) CreateVLAN(intf string, vid int) (string, error) {
	step := fmt.Sprintf("vlan:%s:%d", intf, vid)
	if err := f.record(step); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d", intf, vid), nil
}

func (f *fakeConfigurer) SetUp(intf string) error {
	return f.record("up:" + intf)
}

func (f *fakeConfigurer) AddAddr(intf, cidr string) error {
	return f.record(fmt.Sprintf("addr:%s:%s", intf, cidr))
}

func TestConfigureTagged(t *testing.T) {
	fake := &fakeConfigurer{}
	host := &types.Host{Name: "tab1", Intf: "tab1-eth0", VLAN: 100, IP: "10.0.0.1/24"}

	require.NoError(t, ConfigureTagged(fake, host))

	assert.Equal(t, []string{
		"flush:tab1-eth0:2",
		"flush:tab1-eth0:10",
		"vlan:tab1-eth0:100",
		"up:tab1-eth0.100",
		"addr:tab1-eth0.100:10.0.0.1/24",
	}, fake.calls)

	// Canonical interface rebound to the sub-interface.
	assert.Equal(t, "tab1-eth0.100", host.Intf)
}

func TestConfigureTaggedAbortsOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		failStep  string
		wantCalls int
	}{
		{name: "flush ipv4 fails", failStep: "flush:tab1-eth0:2", wantCalls: 1},
		{name: "flush ipv6 fails", failStep: "flush:tab1-eth0:10", wantCalls: 2},
		{name: "vlan create fails", failStep: "vlan:tab1-eth0:100", wantCalls: 3},
		{name: "set up fails", failStep: "up:tab1-eth0.100", wantCalls: 4},
		{name: "addr assign fails", failStep: "addr:tab1-eth0.100:10.0.0.1/24", wantCalls: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeConfigurer{failStep: tt.failStep}
			host := &types.Host{Name: "tab1", Intf: "tab1-eth0", VLAN: 100, IP: "10.0.0.1/24"}

			err := ConfigureTagged(fake, host)
			require.Error(t, err)

			var hce *HostConfigError
			require.ErrorAs(t, err, &hce)
			assert.Equal(t, "tab1", hce.Host)
			assert.ErrorIs(t, err, errInjected)

			// No steps run past the failing one.
			assert.Len(t, fake.calls, tt.wantCalls)

			// Interface not rebound on failure.
			assert.Equal(t, "tab1-eth0", host.Intf)
		})
	}
}

func TestConfigureTaggedRejectsUntagged(t *testing.T) {
	fake := &fakeConfigurer{}
	host := &types.Host{Name: "uab1", Intf: "uab1-eth0"}

	err := ConfigureTagged(fake, host)
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}
