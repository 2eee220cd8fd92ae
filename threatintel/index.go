/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package threatintel maintains the threat indicator index and raises
// alerts when observed DNS activity matches it.
package threatintel

import (
	"net"
	"strings"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
)

// Match identifies the indicator that fired.
type Match struct {
	FeedName      string
	IndicatorType string
	Indicator     string
}

// Index is an immutable snapshot of the indicator and whitelist sets.
// Lookups are lock-free; the Manager swaps in a fresh Index after every
// feed update or whitelist change.
type Index struct {
	domains   map[string]string // indicator -> feed name
	ips       map[string]string
	wlDomains map[string]bool
	wlIPs     map[string]bool
}

// NewIndex builds a snapshot from the stored indicators and whitelist.
func NewIndex(indicators []loggerdb.ThreatIndicator, whitelist []loggerdb.WhitelistEntry) *Index {
	idx := &Index{
		domains:   make(map[string]string, len(indicators)),
		ips:       make(map[string]string),
		wlDomains: map[string]bool{},
		wlIPs:     map[string]bool{},
	}
	for _, ind := range indicators {
		switch ind.IndicatorType {
		case loggerdb.IndicatorDomain:
			if d := netinfo.NormalizeDomain(ind.Domain.ValueOrZero()); d != "" {
				idx.domains[d] = ind.FeedName
			}
		case loggerdb.IndicatorIP:
			if ip := ind.IP.ValueOrZero(); ip != "" {
				idx.ips[ip] = ind.FeedName
			}
		}
	}
	for _, w := range whitelist {
		switch w.IndicatorType {
		case loggerdb.IndicatorDomain:
			if d := w.Indicator(); d != "" {
				idx.wlDomains[d] = true
			}
		case loggerdb.IndicatorIP:
			if ip := w.Indicator(); ip != "" {
				idx.wlIPs[ip] = true
			}
		}
	}
	return idx
}

// Size returns the number of indexed indicators.
func (idx *Index) Size() int {
	return len(idx.domains) + len(idx.ips)
}

// WhitelistedDomain reports whether the domain or any parent of it is
// whitelisted.
func (idx *Index) WhitelistedDomain(domain string) bool {
	for _, candidate := range suffixes(netinfo.NormalizeDomain(domain)) {
		if idx.wlDomains[candidate] {
			return true
		}
	}
	return false
}

// WhitelistedIP reports whether the address is whitelisted.  Local
// addresses are implicitly whitelisted.
func (idx *Index) WhitelistedIP(ip string) bool {
	if parsed := net.ParseIP(ip); parsed != nil && netinfo.IsLocalIP(parsed) {
		return true
	}
	return idx.wlIPs[ip]
}

// MatchDomain checks the domain and each of its parents against the
// indicator set, so an indicator for evil.example.com also catches
// cdn.evil.example.com.  Whitelisted domains never match.
func (idx *Index) MatchDomain(domain string) *Match {
	domain = netinfo.NormalizeDomain(domain)
	if domain == "" || idx.WhitelistedDomain(domain) {
		return nil
	}
	for _, candidate := range suffixes(domain) {
		if feed, ok := idx.domains[candidate]; ok {
			return &Match{
				FeedName:      feed,
				IndicatorType: loggerdb.IndicatorDomain,
				Indicator:     candidate,
			}
		}
	}
	return nil
}

// MatchIP checks one address against the indicator set.  Local and
// whitelisted addresses never match.
func (idx *Index) MatchIP(ip string) *Match {
	if idx.WhitelistedIP(ip) {
		return nil
	}
	if feed, ok := idx.ips[ip]; ok {
		return &Match{
			FeedName:      feed,
			IndicatorType: loggerdb.IndicatorIP,
			Indicator:     ip,
		}
	}
	return nil
}

// suffixes returns the domain and each parent down to, but not
// including, the bare TLD.
func suffixes(domain string) []string {
	if domain == "" {
		return nil
	}
	var out []string
	for {
		if !strings.Contains(domain, ".") {
			// A single label is a TLD; matching it would flag
			// every domain underneath.
			return out
		}
		out = append(out, domain)
		domain = domain[strings.Index(domain, ".")+1:]
	}
}
