/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// WHOIS monitor.  Resolves registration data for domains seen in DNS
// responses, with a long database cache so registries aren't hammered.
package main

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
)

const (
	whoisQueueDepth = 256
	whoisWorkers    = 2

	// Cached registration data is considered current for this long.
	whoisRefreshAge = 60 * 24 * time.Hour

	whoisDialTimeout = 10 * time.Second
	whoisRootServer  = "whois.iana.org"
)

var (
	whoisQueue = make(chan string, whoisQueueDepth)
	whoisDone  = make(chan struct{})
	whoisWg    sync.WaitGroup

	// Drops repeated enqueues of the same domain between database
	// cache checks.
	whoisRecent = gcache.New(4096).LRU().Expiration(time.Hour).Build()
)

// registrableDomain trims a hostname down to the name actually carried
// by the registry.  Two labels is an approximation; multi-label TLDs
// like co.uk will query the wrong name and cache whatever comes back.
func registrableDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// enqueueWhois schedules a lookup for the domain's registrable parent.
// The queue is bounded; under pressure new domains are dropped rather
// than stalling DNS ingest.
func enqueueWhois(domain string) {
	base := registrableDomain(domain)
	if base == "" || !strings.Contains(base, ".") {
		return
	}
	if _, err := whoisRecent.Get(base); err == nil {
		return
	}
	whoisRecent.Set(base, true)

	select {
	case whoisQueue <- base:
	default:
		whoisLookups.WithLabelValues("queue_full").Inc()
	}
}

func queryWhoisServer(server, query string) (string, error) {
	conn, err := net.DialTimeout("tcp", server+":43", whoisDialTimeout)
	if err != nil {
		return "", errors.Wrapf(err, "dial %s", server)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(whoisDialTimeout))

	if _, err = conn.Write([]byte(query + "\r\n")); err != nil {
		return "", errors.Wrapf(err, "query %s", server)
	}
	body, err := ioutil.ReadAll(conn)
	if err != nil {
		return "", errors.Wrapf(err, "read from %s", server)
	}
	return string(body), nil
}

// referralServer extracts the "refer:" line from an IANA response.
func referralServer(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "refer:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "refer:"))
		}
	}
	return ""
}

func lookupWhois(domain string) (string, string, error) {
	body, err := queryWhoisServer(whoisRootServer, domain)
	if err != nil {
		return "", "", err
	}
	server := referralServer(body)
	if server == "" {
		// No referral; the IANA response is all we'll get.
		return body, whoisRootServer, nil
	}
	body, err = queryWhoisServer(server, domain)
	if err != nil {
		return "", "", err
	}
	return body, server, nil
}

func processWhois(domain string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rec, err := db.WhoisByDomain(ctx, domain)
	if err == nil && time.Since(rec.UpdatedAt) < whoisRefreshAge {
		whoisLookups.WithLabelValues("cached").Inc()
		return
	} else if err != nil && !loggerdb.IsNotFound(err) {
		slog.Errorf("whois cache check for %s: %v", domain, err)
		return
	}

	body, server, err := lookupWhois(domain)
	if err != nil {
		whoisLookups.WithLabelValues("error").Inc()
		slog.Debugf("whois lookup for %s: %v", domain, err)
		return
	}

	data, err := json.Marshal(map[string]string{
		"raw":    body,
		"server": server,
	})
	if err == nil {
		err = db.SaveWhois(ctx, domain, data, time.Now().UTC())
	}
	if err != nil {
		slog.Errorf("saving whois for %s: %v", domain, err)
		return
	}
	whoisLookups.WithLabelValues("ok").Inc()
}

func whoisWorker() {
	defer whoisWg.Done()
	for {
		select {
		case domain := <-whoisQueue:
			processWhois(domain)
		case <-whoisDone:
			return
		}
	}
}

func whoisInit() error {
	for i := 0; i < whoisWorkers; i++ {
		whoisWg.Add(1)
		go whoisWorker()
	}
	return nil
}

func whoisFini() {
	slog.Infof("shutting down whois monitor")
	close(whoisDone)
	whoisWg.Wait()
}

func init() {
	addMonitor("whois", whoisInit, whoisFini)
}
