/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Flow monitor.  Aggregates per-packet records into bidirectional
// client/server flows and periodically flushes the deltas to the
// database, binding each flow to the domain whose DNS answer produced
// the server address.
package main

import (
	"context"
	"time"

	"github.com/guregu/null"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
)

const (
	flowFlushInterval = time.Minute

	flowFlushTimeout = 30 * time.Second
)

// bindingWindow is how far back a DNS answer may lie and still bind a
// flow.  It tracks the orphan reporting window so an address counts as
// orphaned only once its last answer has aged out of that window.
func bindingWindow() time.Duration {
	return time.Duration(orphanedDays()) * 24 * time.Hour
}

// flowStats accumulates one flow's traffic for the current interval.
type flowStats struct {
	bytesToServer int64
	bytesToClient int64
	packets       int64
	firstSeen     time.Time
	lastSeen      time.Time
	abnormal      bool
}

type flowTable map[netinfo.FlowKey]*flowStats

var (
	flowmonDone = make(chan struct{})
	flowmonIdle = make(chan struct{})
)

// record folds one packet into the table under its canonical flow key,
// so both directions of a conversation land in the same entry.
func (t flowTable) record(rec *packetRecord) {
	key, toServer, abnormal := netinfo.CanonicalFlow(rec.srcIP, rec.dstIP,
		rec.srcPort, rec.dstPort, rec.proto)

	st := t[key]
	if st == nil {
		st = &flowStats{firstSeen: rec.ts, lastSeen: rec.ts}
		t[key] = st
	}
	if toServer {
		st.bytesToServer += int64(rec.length)
	} else {
		st.bytesToClient += int64(rec.length)
	}
	st.packets++
	if rec.ts.Before(st.firstSeen) {
		st.firstSeen = rec.ts
	}
	if rec.ts.After(st.lastSeen) {
		st.lastSeen = rec.ts
	}
	st.abnormal = st.abnormal || abnormal
}

// bindDomain finds the domain for a flow's server address.  Abnormal
// flows never bind; a normal flow may only bind to a lookup that
// existed when the flow started, or a fresh DNS answer could claim
// connections that predate it.
func bindDomain(ctx context.Context, key netinfo.FlowKey, st *flowStats) null.String {
	if st.abnormal {
		return null.String{}
	}
	since := st.lastSeen.Add(-bindingWindow())

	domain, err := db.DomainByIP(ctx, key.ServerIP, since, &st.firstSeen)
	if err != nil {
		if !loggerdb.IsNotFound(err) {
			slog.Errorf("domain lookup for %s: %v", key.ServerIP, err)
		}
		return null.String{}
	}
	return null.StringFrom(domain)
}

// flushTable writes one interval's deltas out.  Entries the store
// rejects are returned so the caller can carry them into the next
// interval instead of losing their accounting.
func flushTable(table flowTable) flowTable {
	if len(table) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		flowFlushTimeout)
	defer cancel()

	flushed := 0
	var failed flowTable
	for key, st := range table {
		update := &loggerdb.FlowUpdate{
			SourceIP:        key.ClientIP,
			DestinationIP:   key.ServerIP,
			DestinationPort: int(key.ServerPort),
			Protocol:        key.Proto,
			Domain:          bindDomain(ctx, key, st),
			BytesSent:       st.bytesToServer,
			BytesReceived:   st.bytesToClient,
			PacketCount:     st.packets,
			FirstSeen:       st.firstSeen,
			LastUpdate:      st.lastSeen,
			IsAbnormal:      st.abnormal,
		}
		if err := db.UpsertTrafficFlow(ctx, update); err != nil {
			slog.Errorf("flushing flow %v: %v", key, err)
			if failed == nil {
				failed = make(flowTable)
			}
			failed[key] = st
			continue
		}
		flushed++
	}
	flowsFlushed.Add(float64(flushed))
	slog.Debugf("flushed %d flows", flushed)
	return failed
}

// flowmonLoop is the single writer for the flow table.  The table is
// swapped out wholesale at each flush so recording never waits on the
// database.
func flowmonLoop() {
	defer close(flowmonIdle)

	ticker := time.NewTicker(flowFlushInterval)
	defer ticker.Stop()

	table := make(flowTable)
	for {
		select {
		case rec := <-flowChan:
			table.record(&rec)
			flowsActive.Set(float64(len(table)))

		case <-ticker.C:
			old := table
			table = make(flowTable)
			// The flush runs on this goroutine, so nothing records
			// into the fresh table until it finishes; failed entries
			// can be re-seated without merging.
			for key, st := range flushTable(old) {
				table[key] = st
			}
			flowsActive.Set(float64(len(table)))

		case <-flowmonDone:
			// Drain whatever the sampler managed to queue, then
			// write the final interval out.
			for {
				select {
				case rec := <-flowChan:
					table.record(&rec)
					continue
				default:
				}
				break
			}
			if failed := flushTable(table); len(failed) > 0 {
				slog.Warnf("dropping %d unflushed flows at shutdown",
					len(failed))
			}
			return
		}
	}
}

func flowmonInit() error {
	go flowmonLoop()
	return nil
}

func flowmonFini() {
	slog.Infof("shutting down flow monitor")
	close(flowmonDone)
	<-flowmonIdle
}

func init() {
	addMonitor("flowmon", flowmonInit, flowmonFini)
}
