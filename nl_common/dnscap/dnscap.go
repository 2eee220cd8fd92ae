/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package dnscap turns decoded DNS frames into loggable events.
package dnscap

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"

	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
)

// EventType distinguishes queries from responses.
type EventType string

// DNS event types.
const (
	Query    EventType = "query"
	Response EventType = "response"
)

// Event is a single observed DNS query or response.  A response carries the
// serialized answer set; an empty set (NXDOMAIN and friends) is still an
// event.
type Event struct {
	Type      EventType
	Domain    string
	Qtype     string
	SrcIP     string
	DstIP     string
	Answers   []string
	Timestamp time.Time
}

// TypeString returns the mnemonic for a DNS RR type, or TYPE<n> for types
// without one.
func TypeString(t uint16) string {
	return dns.Type(t).String()
}

// Extract converts one decoded DNS message into zero or more events.  A
// query yields one event per question; a response yields a single event
// whose qtype comes from the first question.
func Extract(msg *layers.DNS, srcIP, dstIP net.IP, ts time.Time) []Event {
	if msg == nil {
		return nil
	}

	src := srcIP.String()
	dst := dstIP.String()

	if !msg.QR {
		events := make([]Event, 0, len(msg.Questions))
		for _, q := range msg.Questions {
			domain := netinfo.NormalizeDomain(string(q.Name))
			if domain == "" {
				continue
			}
			events = append(events, Event{
				Type:      Query,
				Domain:    domain,
				Qtype:     TypeString(uint16(q.Type)),
				SrcIP:     src,
				DstIP:     dst,
				Timestamp: ts,
			})
		}
		return events
	}

	if len(msg.Questions) == 0 {
		return nil
	}
	domain := netinfo.NormalizeDomain(string(msg.Questions[0].Name))
	if domain == "" {
		return nil
	}

	ev := Event{
		Type:      Response,
		Domain:    domain,
		Qtype:     TypeString(uint16(msg.Questions[0].Type)),
		SrcIP:     src,
		DstIP:     dst,
		Answers:   make([]string, 0, len(msg.Answers)),
		Timestamp: ts,
	}
	for _, rr := range msg.Answers {
		if s := serializeAnswer(&rr); s != "" {
			ev.Answers = append(ev.Answers, s)
		}
	}
	return []Event{ev}
}

// serializeAnswer renders one answer RR.  A and AAAA records are plain
// addresses; everything else is prefixed with its type mnemonic.
func serializeAnswer(rr *layers.DNSResourceRecord) string {
	switch rr.Type {
	case layers.DNSTypeA, layers.DNSTypeAAAA:
		if rr.IP == nil {
			return ""
		}
		return rr.IP.String()
	case layers.DNSTypeCNAME:
		return "CNAME:" + netinfo.NormalizeDomain(string(rr.CNAME))
	case layers.DNSTypeNS:
		return "NS:" + netinfo.NormalizeDomain(string(rr.NS))
	case layers.DNSTypePTR:
		return "PTR:" + netinfo.NormalizeDomain(string(rr.PTR))
	case layers.DNSTypeMX:
		return fmt.Sprintf("MX:%d %s", rr.MX.Preference,
			netinfo.NormalizeDomain(string(rr.MX.Name)))
	case layers.DNSTypeTXT:
		parts := make([]string, 0, len(rr.TXTs))
		for _, t := range rr.TXTs {
			parts = append(parts, string(t))
		}
		return "TXT:" + strings.Join(parts, "")
	case layers.DNSTypeSRV:
		return fmt.Sprintf("SRV:%d %d %d %s", rr.SRV.Priority,
			rr.SRV.Weight, rr.SRV.Port,
			netinfo.NormalizeDomain(string(rr.SRV.Name)))
	case layers.DNSTypeSOA:
		return "SOA:" + netinfo.NormalizeDomain(string(rr.SOA.MName))
	default:
		return TypeString(uint16(rr.Type)) + ":" + string(rr.Data)
	}
}

// Addrs extracts the plain A/AAAA addresses from a serialized answer set.
func Addrs(answers []string) []string {
	var addrs []string
	for _, a := range answers {
		if ip := net.ParseIP(a); ip != nil {
			addrs = append(addrs, ip.String())
		}
	}
	return addrs
}
