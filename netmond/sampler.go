/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Packet sampler.  Reads frames from the capture interface, decodes
// them once, and fans the results out to the DNS and flow monitors.
package main

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	// Requires libpcap
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/peanutyost/Network-Logging/nl_common/dnscap"
)

const (
	defaultInterface = "eth0"
	defaultSnaplen   = 65535
)

const (
	idxEth int = iota
	idxIpv4
	idxIpv6
	idxUDP
	idxTCP
	idxDNS
	idxMAX
)

// packetRecord is the per-packet summary handed to the flow monitor.
type packetRecord struct {
	srcIP   net.IP
	dstIP   net.IP
	srcPort uint16
	dstPort uint16
	proto   string
	length  int
	ts      time.Time
}

var (
	decodeLayers []gopacket.DecodingLayer
	parser       *gopacket.DecodingLayerParser

	captureMtx    sync.Mutex
	captureHandle *pcap.Handle

	samplerDone = make(chan struct{})

	dnsChan  = make(chan dnscap.Event, 2048)
	flowChan = make(chan packetRecord, 8192)
)

func samplerActive() bool {
	select {
	case <-samplerDone:
		return false
	default:
		return true
	}
}

// closeCapture closes the live handle, whichever of the capture loop
// and the finalizer gets there first.
func closeCapture() {
	captureMtx.Lock()
	if captureHandle != nil {
		captureHandle.Close()
		captureHandle = nil
	}
	captureMtx.Unlock()
}

// buildBPF assembles the capture filter.  An explicit filter from the
// environment wins; otherwise the configured ports are OR'd together,
// and port 53 is always included so DNS extraction keeps working.
func buildBPF() string {
	if environ.CaptureBPFFilter != "" {
		return environ.CaptureBPFFilter
	}

	ports := []string{"port 53"}
	for _, p := range strings.Split(environ.CapturePorts, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "53" {
			continue
		}
		if _, err := strconv.Atoi(p); err != nil {
			slog.Warnf("ignoring bad capture port %q", p)
			continue
		}
		ports = append(ports, "port "+p)
	}
	if len(ports) == 1 && environ.CapturePorts == "" {
		// No port list configured: capture everything.
		return ""
	}
	return strings.Join(ports, " or ")
}

func dupIP(ip net.IP) net.IP {
	return append(net.IP(nil), ip...)
}

func decodeOnePacket(data []byte, ci gopacket.CaptureInfo) {
	var srcIP, dstIP net.IP
	var srcPort, dstPort uint16
	var proto string
	var dns *layers.DNS

	packetsCaptured.Inc()

	decoded := []gopacket.LayerType{}
	if err := parser.DecodeLayers(data, &decoded); err != nil {
		packetsUndecoded.Inc()
		return
	}

	for _, typ := range decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			ipv4 := decodeLayers[idxIpv4].(*layers.IPv4)
			srcIP = ipv4.SrcIP
			dstIP = ipv4.DstIP
		case layers.LayerTypeIPv6:
			ipv6 := decodeLayers[idxIpv6].(*layers.IPv6)
			srcIP = ipv6.SrcIP
			dstIP = ipv6.DstIP
		case layers.LayerTypeUDP:
			udp := decodeLayers[idxUDP].(*layers.UDP)
			srcPort = uint16(udp.SrcPort)
			dstPort = uint16(udp.DstPort)
			proto = "UDP"
		case layers.LayerTypeTCP:
			tcp := decodeLayers[idxTCP].(*layers.TCP)
			srcPort = uint16(tcp.SrcPort)
			dstPort = uint16(tcp.DstPort)
			proto = "TCP"
		case layers.LayerTypeDNS:
			dns = decodeLayers[idxDNS].(*layers.DNS)
		}
	}
	if srcIP == nil || proto == "" {
		return
	}

	// The decode layers are reused for the next packet, so everything
	// leaving this function must be extracted or copied first.
	if dns != nil {
		for _, ev := range dnscap.Extract(dns, srcIP, dstIP, ci.Timestamp) {
			select {
			case dnsChan <- ev:
				dnsEventsSeen.WithLabelValues(string(ev.Type)).Inc()
			default:
				dnsEventsDropped.Inc()
			}
		}
	}

	rec := packetRecord{
		srcIP:   dupIP(srcIP),
		dstIP:   dupIP(dstIP),
		srcPort: srcPort,
		dstPort: dstPort,
		proto:   proto,
		length:  ci.Length,
		ts:      ci.Timestamp,
	}
	select {
	case flowChan <- rec:
	default:
		flowUpdatesDropped.Inc()
	}
}

func openCapture(iface string) (*pcap.Handle, error) {
	snaplen := environ.CaptureSnaplen
	if snaplen <= 0 {
		snaplen = defaultSnaplen
	}
	handle, err := pcap.OpenLive(iface, int32(snaplen), true,
		pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "pcap.OpenLive(%s)", iface)
	}
	if filter := buildBPF(); filter != "" {
		if err = handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, "bad filter %q", filter)
		}
		slog.Infof("capturing on %s with filter %q", iface, filter)
	} else {
		slog.Infof("capturing on %s, unfiltered", iface)
	}
	return handle, nil
}

func captureLoop(iface string) {
	warned := false
	for samplerActive() {
		handle, err := openCapture(iface)
		if err != nil {
			if !warned {
				slog.Errorf("%v", err)
				warned = true
			}
			time.Sleep(5 * time.Second)
			continue
		}
		warned = false

		captureMtx.Lock()
		captureHandle = handle
		captureMtx.Unlock()
		if !samplerActive() {
			// Shutdown raced the open; the finalizer may have missed
			// this handle.
			closeCapture()
			return
		}

		for {
			data, ci, err := handle.ReadPacketData()
			if err != nil {
				if samplerActive() {
					slog.Errorf("reading packet data: %v", err)
				}
				break
			}
			decodeOnePacket(data, ci)
		}
		closeCapture()
	}
}

func samplerInit() error {
	decodeLayers = make([]gopacket.DecodingLayer, idxMAX)
	decodeLayers[idxEth] = &layers.Ethernet{}
	decodeLayers[idxIpv4] = &layers.IPv4{}
	decodeLayers[idxIpv6] = &layers.IPv6{}
	decodeLayers[idxUDP] = &layers.UDP{}
	decodeLayers[idxTCP] = &layers.TCP{}
	decodeLayers[idxDNS] = &layers.DNS{}

	parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		decodeLayers...)
	parser.IgnoreUnsupported = true

	iface := environ.CaptureInterface
	if iface == "" {
		iface = defaultInterface
	}

	go captureLoop(iface)
	return nil
}

func samplerFini() {
	slog.Infof("shutting down sampler")
	close(samplerDone)
	closeCapture()
}

func init() {
	addMonitor("sampler", samplerInit, samplerFini)
}
