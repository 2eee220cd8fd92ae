/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// DNS monitor.  Persists extracted DNS events, maintains the
// domain-to-address memory that flow binding depends on, and runs each
// event through the threat index.
package main

import (
	"context"
	"time"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/dnscap"
	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
)

const dnsIngestTimeout = 10 * time.Second

var (
	dnsmonDone = make(chan struct{})
	dnsmonIdle = make(chan struct{})
)

func ingestDNSEvent(ev *dnscap.Event) {
	ctx, cancel := context.WithTimeout(context.Background(),
		dnsIngestTimeout)
	defer cancel()

	err := db.AppendDNSEvent(ctx, &loggerdb.DNSEvent{
		EventType:     string(ev.Type),
		Domain:        ev.Domain,
		QueryType:     ev.Qtype,
		SourceIP:      ev.SrcIP,
		DestinationIP: ev.DstIP,
		Answers:       loggerdb.StringList(ev.Answers),
		Timestamp:     ev.Timestamp,
	})
	if err != nil {
		slog.Errorf("recording DNS event: %v", err)
	}

	// The querying client is the source of a query but the destination
	// of a response.
	clientIP := ev.SrcIP
	var addrs []string

	switch ev.Type {
	case dnscap.Query:
		// A repeated query refreshes the lookup's recency without
		// touching its answer set.
		err = db.TouchDNSLookup(ctx, ev.Domain, ev.Qtype, ev.Timestamp)
	case dnscap.Response:
		clientIP = ev.DstIP
		addrs = dnscap.Addrs(ev.Answers)
		if len(addrs) > 0 {
			// Only an answer that actually carries addresses may
			// replace the remembered set; an empty response would
			// erase a binding flows still depend on.
			err = db.UpsertDNSLookup(ctx, ev.Domain, ev.Qtype,
				addrs, ev.Timestamp)
		} else {
			err = db.TouchDNSLookup(ctx, ev.Domain, ev.Qtype,
				ev.Timestamp)
		}
		if err == nil && !netinfo.IsLocalDomain(ev.Domain) {
			enqueueWhois(ev.Domain)
		}
	}
	if err != nil {
		slog.Errorf("updating lookup for %s: %v", ev.Domain, err)
	}

	threats.CheckEvent(ctx, ev.Domain, ev.Qtype, clientIP, addrs)
}

func dnsmonLoop() {
	defer close(dnsmonIdle)
	for {
		select {
		case ev := <-dnsChan:
			ingestDNSEvent(&ev)
		case <-dnsmonDone:
			for {
				select {
				case ev := <-dnsChan:
					ingestDNSEvent(&ev)
					continue
				default:
				}
				break
			}
			return
		}
	}
}

func dnsmonInit() error {
	go dnsmonLoop()
	return nil
}

func dnsmonFini() {
	slog.Infof("shutting down DNS monitor")
	close(dnsmonDone)
	<-dnsmonIdle
}

func init() {
	addMonitor("dnsmon", dnsmonInit, dnsmonFini)
}
