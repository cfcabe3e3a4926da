package tcp

import (
	"context"
	stderrors "errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NetCVGuy/ScanFetch/errors"
)

func listerOf(ifaces ...NetInterface) InterfaceLister {
	return func() ([]NetInterface, error) { return ifaces, nil }
}

var (
	eth0 = NetInterface{Name: "eth0", Addrs: []net.IP{net.ParseIP("192.168.1.10").To4()}}
	eth1 = NetInterface{Name: "eth1", Addrs: []net.IP{net.ParseIP("10.0.0.2").To4()}}
)

func TestSelectListenAddress(t *testing.T) {
	tests := []struct {
		name     string
		override string
		address  string
		lister   InterfaceLister
		want     string
		wantErr  error
	}{
		{name: "no interfaces binds wildcard", lister: listerOf(), want: WildcardAddress},
		{name: "single interface auto-selected", lister: listerOf(eth0), want: "192.168.1.10"},
		{name: "several interfaces fail fast", lister: listerOf(eth0, eth1), wantErr: errors.ErrAmbiguousInterface},
		{name: "override by name", override: "ETH1", lister: listerOf(eth0, eth1), want: "10.0.0.2"},
		{name: "override by address", override: "192.168.1.10", lister: listerOf(eth0, eth1), want: "192.168.1.10"},
		{name: "override unknown ip bound as given", override: "127.0.0.1", lister: listerOf(eth0, eth1), want: "127.0.0.1"},
		{name: "override wildcard", override: "0.0.0.0", lister: listerOf(eth0, eth1), want: "0.0.0.0"},
		{name: "unknown name falls back to single interface", override: "wlan9", lister: listerOf(eth0), want: "192.168.1.10"},
		{name: "unknown name with several interfaces fails", override: "wlan9", lister: listerOf(eth0, eth1), wantErr: errors.ErrAmbiguousInterface},
		{name: "unknown name without interfaces binds wildcard", override: "wlan9", lister: listerOf(), want: WildcardAddress},
		{name: "scanner ip ignored while interfaces exist", address: "10.99.99.99", lister: listerOf(eth0), want: "192.168.1.10"},
		{name: "scanner ip bound without interfaces", address: "127.0.0.1", lister: listerOf(), want: "127.0.0.1"},
		{name: "star address binds wildcard", address: "*", lister: listerOf(), want: WildcardAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectListenAddress(tt.override, tt.address, tt.lister, nil)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectListenAddress_ListerError(t *testing.T) {
	_, err := SelectListenAddress("", "", func() ([]NetInterface, error) {
		return nil, stderrors.New("no netlink")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no netlink")
}

func TestServerOpen_AmbiguousInterfaceIsFatal(t *testing.T) {
	ep := NewEndpoint(Config{Name: "dock", Role: RoleServer}, nil, listerOf(eth0, eth1))
	err := ep.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrAmbiguousInterface)
	assert.Equal(t, PhaseIdle, ep.State().Phase)
}

func TestServerOpen_IgnoresScannerAddressWhileInterfacesExist(t *testing.T) {
	lo := NetInterface{Name: "lo0", Addrs: []net.IP{net.ParseIP("127.0.0.1").To4()}}
	ep := NewEndpoint(Config{Name: "dock", Role: RoleServer, Address: "10.99.99.99"}, nil, listerOf(lo))
	require.NoError(t, ep.Open(context.Background()))
	defer ep.Close()

	assert.Equal(t, PhaseListening, ep.State().Phase)
	host, _, err := net.SplitHostPort(ep.(*serverEndpoint).LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}

func TestServerOpen_UnknownInterfaceFallsBack(t *testing.T) {
	lo := NetInterface{Name: "lo0", Addrs: []net.IP{net.ParseIP("127.0.0.1").To4()}}
	ep := NewEndpoint(Config{Name: "dock", Role: RoleServer, ListenInterface: "wlan9"}, nil, listerOf(lo))
	require.NoError(t, ep.Open(context.Background()))
	defer ep.Close()
	assert.Equal(t, PhaseListening, ep.State().Phase)
}
