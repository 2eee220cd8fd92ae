/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package netinfo provides address classification and flow direction
// inference for captured LAN traffic.
package netinfo

import (
	"bytes"
	"net"
	"strings"
)

var privateNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
	} {
		_, n, _ := net.ParseCIDR(cidr)
		privateNets = append(privateNets, n)
	}
}

// IsLocalIP reports whether ip belongs to the local side of the gateway:
// RFC1918 (or IPv6 ULA), loopback, link-local, or multicast.
func IsLocalIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// localTLDs are suffixes that mark a name as private to the site.  Names
// carrying one of these never reach threat feeds or WHOIS.
var localTLDs = []string{
	".local", ".localhost", ".internal", ".lan", ".home", ".corp",
	".localdomain", ".arpa", ".test", ".example", ".invalid",
}

var localHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"broadcasthost":         true,
}

// IsLocalDomain reports whether domain is local/private and should be
// excluded from indicator matching and enrichment.
func IsLocalDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" || localHostnames[d] {
		return true
	}
	if !strings.Contains(d, ".") {
		// Single-label names are always site-internal.
		return true
	}
	if ip := net.ParseIP(strings.Split(d, ":")[0]); ip != nil {
		return true
	}
	for _, tld := range localTLDs {
		if strings.HasSuffix(d, tld) {
			return true
		}
	}
	return false
}

// NormalizeDomain lowercases a DNS name and strips the trailing root dot.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

// FlowKey identifies a bidirectional L4 conversation.  The client is the
// local endpoint for ordinary LAN-to-WAN flows; both directions of a
// conversation canonicalize to the same key.
type FlowKey struct {
	ClientIP   string
	ServerIP   string
	ServerPort uint16
	Proto      string
}

const ephemeralFloor = 49152

var wellKnownPorts = map[uint16]bool{
	80: true, 443: true, 22: true, 21: true, 25: true, 53: true,
	110: true, 143: true, 993: true, 995: true,
	3306: true, 5432: true, 8080: true, 8443: true,
}

// serverSide applies the port heuristics when address classes don't settle
// the question.  Returns true if the src side is the server.  The rules are
// evaluated in order and are symmetric, so a reply packet picks the same
// server.
func serverSide(srcIP, dstIP net.IP, srcPort, dstPort uint16) bool {
	srcEph := srcPort >= ephemeralFloor
	dstEph := dstPort >= ephemeralFloor
	if srcEph != dstEph {
		// The ephemeral side is the client.
		return dstEph
	}

	srcWK := wellKnownPorts[srcPort]
	dstWK := wellKnownPorts[dstPort]
	if srcWK != dstWK {
		return srcWK
	}

	srcPriv := srcPort < 1024
	dstPriv := dstPort < 1024
	if srcPriv != dstPriv {
		return srcPriv
	}

	if srcPort != dstPort {
		return srcPort < dstPort
	}
	// Equal ports: fall back to address order so both directions agree.
	return bytes.Compare(srcIP.To16(), dstIP.To16()) < 0
}

// CanonicalFlow classifies a packet and returns its canonical flow key,
// whether the packet travels client-to-server, and whether the flow is
// abnormal (neither endpoint local).
func CanonicalFlow(srcIP, dstIP net.IP, srcPort, dstPort uint16, proto string) (key FlowKey, toServer, abnormal bool) {
	srcLocal := IsLocalIP(srcIP)
	dstLocal := IsLocalIP(dstIP)

	var srcIsServer bool
	switch {
	case srcLocal && !dstLocal:
		srcIsServer = false
	case !srcLocal && dstLocal:
		srcIsServer = true
	default:
		// LAN-internal and WAN-to-WAN conversations have no address
		// class to lean on; infer the server from the ports.
		abnormal = !srcLocal && !dstLocal
		srcIsServer = serverSide(srcIP, dstIP, srcPort, dstPort)
	}

	if srcIsServer {
		key = FlowKey{
			ClientIP:   dstIP.String(),
			ServerIP:   srcIP.String(),
			ServerPort: srcPort,
			Proto:      proto,
		}
		return key, false, abnormal
	}
	key = FlowKey{
		ClientIP:   srcIP.String(),
		ServerIP:   dstIP.String(),
		ServerPort: dstPort,
		Proto:      proto,
	}
	return key, true, abnormal
}
