package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanInstance(t *testing.T) {
	if got := cleanInstance(`dmrmodem\ on\ shack`); got != "dmrmodem on shack" {
		t.Fatalf("unexpected instance %q", got)
	}
}

func TestHostFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry(`dmrmodem\ on\ shack`, Service, Domain)
	e.HostName = "shack.local."
	e.Port = 55000
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"baud=4800"}

	h := hostFromEntry(e)
	assert.Equal(t, "dmrmodem on shack", h.Instance)
	assert.Equal(t, []string{"baud=4800"}, h.TXT)
	require.Len(t, h.Addresses, 2)

	ep, err := h.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "tcp://192.168.1.20:55000", ep)
}

func TestEndpointFallsBackToIPv6(t *testing.T) {
	h := Host{Addresses: []net.IP{net.ParseIP("fe80::1")}, Port: 55000}
	ep, err := h.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "tcp://[fe80::1]:55000", ep)

	_, err = Host{Instance: "x"}.Endpoint()
	assert.Error(t, err)
}

func TestSortHosts(t *testing.T) {
	hosts := []Host{{Instance: "b", Port: 1}, {Instance: "a", Port: 9}, {Instance: "a", Port: 2}}
	sortHosts(hosts)
	assert.Equal(t, []Host{{Instance: "a", Port: 2}, {Instance: "a", Port: 9}, {Instance: "b", Port: 1}}, hosts)
}
