/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package threatfeed downloads and parses public threat intelligence
// feeds into plain domain and IP indicator lists.
package threatfeed

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
)

// Kind selects the line format of a feed.
type Kind string

// Feed line formats.
const (
	// URLList feeds carry one URL per line; the indicator is the host.
	URLList Kind = "url_list"
	// DomainList feeds carry one domain per line.
	DomainList Kind = "domain_list"
	// IPList feeds carry an address optionally followed by a score.
	IPList Kind = "ip_list"
	// Mixed feeds carry either a domain or an address per line.
	Mixed Kind = "mixed"
)

// Feed describes one indicator source.
type Feed struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`

	// MinScore drops IPList entries whose score is below the
	// threshold.  Zero keeps everything.
	MinScore int `json:"min_score,omitempty"`
}

// Result is a parsed feed: deduplicated indicators with local names and
// addresses already removed.
type Result struct {
	Domains []string
	IPs     []string
}

// Defaults returns the built-in feed set.
func Defaults() []Feed {
	return []Feed{
		{
			Name: "urlhaus",
			URL:  "https://urlhaus.abuse.ch/downloads/text/",
			Kind: URLList,
		},
		{
			Name: "phishing_army",
			URL:  "https://phishing.army/download/phishing_army_blocklist_extended.txt",
			Kind: DomainList,
		},
		{
			Name:     "ipsum",
			URL:      "https://raw.githubusercontent.com/stamparm/ipsum/master/ipsum.txt",
			Kind:     IPList,
			MinScore: 3,
		},
	}
}

// Feeds larger than this are considered broken upstream.
const maxFeedBytes = 64 << 20

const fetchTimeout = 30 * time.Second

// Fetch downloads and parses one feed.
func Fetch(ctx context.Context, client *http.Client, feed Feed) (*Result, error) {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", feed.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for feed %s", feed.Name)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download feed %s", feed.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("feed %s returned status %d",
			feed.Name, resp.StatusCode)
	}
	res, err := Parse(feed, io.LimitReader(resp.Body, maxFeedBytes))
	return res, errors.Wrapf(err, "parse feed %s", feed.Name)
}

// Parse reads one feed body line by line.  Comments and blank lines are
// skipped; indicators naming local domains or addresses are dropped.
func Parse(feed Feed, r io.Reader) (*Result, error) {
	res := &Result{}
	seenDomains := map[string]bool{}
	seenIPs := map[string]bool{}

	addDomain := func(domain string) {
		domain = netinfo.NormalizeDomain(domain)
		if domain == "" || seenDomains[domain] ||
			netinfo.IsLocalDomain(domain) {
			return
		}
		seenDomains[domain] = true
		res.Domains = append(res.Domains, domain)
	}
	addIP := func(ip net.IP) {
		s := ip.String()
		if seenIPs[s] || netinfo.IsLocalIP(ip) {
			return
		}
		seenIPs[s] = true
		res.IPs = append(res.IPs, s)
	}
	addEither := func(value string) {
		if ip := net.ParseIP(value); ip != nil {
			addIP(ip)
		} else {
			addDomain(value)
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, ";") {
			continue
		}

		switch feed.Kind {
		case URLList:
			host := hostOf(line)
			if host != "" {
				addEither(host)
			}
		case DomainList:
			addDomain(line)
		case IPList:
			fields := strings.Fields(line)
			ip := net.ParseIP(fields[0])
			if ip == nil {
				continue
			}
			if feed.MinScore > 0 && len(fields) > 1 {
				score, err := strconv.Atoi(fields[1])
				if err == nil && score < feed.MinScore {
					continue
				}
			}
			addIP(ip)
		case Mixed:
			addEither(line)
		default:
			return nil, errors.Errorf("unknown feed kind %q", feed.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read feed body")
	}
	return res, nil
}

// hostOf extracts the hostname from one URL line, tolerating bare
// host[:port] entries with no scheme.
func hostOf(line string) string {
	u, err := url.Parse(line)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + line)
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
