/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package netinfo

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLocalIP(t *testing.T) {
	assert := require.New(t)

	local := []string{
		"10.0.0.5", "172.16.1.1", "172.31.255.255", "192.168.1.20",
		"127.0.0.1", "169.254.10.10", "224.0.0.251", "::1",
		"fe80::1", "ff02::fb", "fd00::1234",
	}
	for _, s := range local {
		assert.True(IsLocalIP(net.ParseIP(s)), s)
	}

	public := []string{
		"8.8.8.8", "93.184.216.34", "172.32.0.1", "198.51.100.3",
		"2606:4700::1111",
	}
	for _, s := range public {
		assert.False(IsLocalIP(net.ParseIP(s)), s)
	}
}

func TestIsLocalDomain(t *testing.T) {
	assert := require.New(t)

	for _, d := range []string{
		"localhost", "printer.local", "router.lan", "nas.home",
		"ad.corp", "foo.test", "single-label", "10.0.0.1",
		"host.internal", "",
	} {
		assert.True(IsLocalDomain(d), d)
	}
	for _, d := range []string{
		"example.com", "a.b.evil.com", "xn--e1afmkfd.xn--p1ai",
	} {
		assert.False(IsLocalDomain(d), d)
	}
}

func TestNormalizeDomain(t *testing.T) {
	assert := require.New(t)
	assert.Equal("example.com", NormalizeDomain("Example.COM."))
	assert.Equal("example.com", NormalizeDomain(" example.com "))
}

func TestCanonicalOutbound(t *testing.T) {
	assert := require.New(t)

	key, toServer, abnormal := CanonicalFlow(
		net.ParseIP("10.0.0.5"), net.ParseIP("93.184.216.34"),
		54321, 443, "TCP")
	assert.Equal(FlowKey{"10.0.0.5", "93.184.216.34", 443, "TCP"}, key)
	assert.True(toServer)
	assert.False(abnormal)

	// The reply maps to the same key, opposite direction.
	rkey, rToServer, rAbnormal := CanonicalFlow(
		net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5"),
		443, 54321, "TCP")
	assert.Equal(key, rkey)
	assert.False(rToServer)
	assert.False(rAbnormal)
}

func TestCanonicalAbnormal(t *testing.T) {
	assert := require.New(t)

	key, toServer, abnormal := CanonicalFlow(
		net.ParseIP("198.51.100.3"), net.ParseIP("203.0.113.9"),
		5000, 443, "TCP")
	assert.Equal(FlowKey{"198.51.100.3", "203.0.113.9", 443, "TCP"}, key)
	assert.True(toServer)
	assert.True(abnormal)

	rkey, rToServer, rAbnormal := CanonicalFlow(
		net.ParseIP("203.0.113.9"), net.ParseIP("198.51.100.3"),
		443, 5000, "TCP")
	assert.Equal(key, rkey)
	assert.False(rToServer)
	assert.True(rAbnormal)
}

func TestLANInternalTieBreak(t *testing.T) {
	assert := require.New(t)

	a := net.ParseIP("192.168.1.10")
	b := net.ParseIP("192.168.1.20")

	// Ephemeral side is the client.
	key, toServer, _ := CanonicalFlow(a, b, 50000, 8000, "TCP")
	assert.Equal(FlowKey{"192.168.1.10", "192.168.1.20", 8000, "TCP"}, key)
	assert.True(toServer)

	// Well-known side is the server.
	key, _, _ = CanonicalFlow(a, b, 8000, 443, "TCP")
	assert.Equal(FlowKey{"192.168.1.10", "192.168.1.20", 443, "TCP"}, key)

	// Privileged side is the server.
	key, _, _ = CanonicalFlow(a, b, 5000, 515, "TCP")
	assert.Equal(FlowKey{"192.168.1.10", "192.168.1.20", 515, "TCP"}, key)

	// Both well-known: the lower port is the server.
	key, toServer, _ = CanonicalFlow(a, b, 443, 80, "TCP")
	assert.Equal(FlowKey{"192.168.1.10", "192.168.1.20", 80, "TCP"}, key)
	assert.True(toServer)

	// Equal ports: address order decides, and both directions agree.
	key, _, _ = CanonicalFlow(a, b, 9000, 9000, "UDP")
	rkey, _, _ := CanonicalFlow(b, a, 9000, 9000, "UDP")
	assert.Equal(key, rkey)
}

func TestReverseTraceStableKeys(t *testing.T) {
	assert := require.New(t)

	type pkt struct {
		src, dst     string
		sport, dport uint16
	}
	pkts := []pkt{
		{"10.0.0.5", "93.184.216.34", 54321, 443},
		{"93.184.216.34", "10.0.0.5", 443, 54321},
		{"10.0.0.5", "93.184.216.34", 54321, 443},
	}

	var fwd []FlowKey
	for _, p := range pkts {
		k, _, _ := CanonicalFlow(net.ParseIP(p.src), net.ParseIP(p.dst),
			p.sport, p.dport, "TCP")
		fwd = append(fwd, k)
	}
	for i := len(pkts) - 1; i >= 0; i-- {
		p := pkts[i]
		k, _, _ := CanonicalFlow(net.ParseIP(p.src), net.ParseIP(p.dst),
			p.sport, p.dport, "TCP")
		assert.Equal(fwd[i], k)
	}
}
