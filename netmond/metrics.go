/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
)

var (
	packetsCaptured = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmond_packets_captured",
			Help: "Number of packets read from the capture handle.",
		})
	packetsUndecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmond_packets_undecoded",
			Help: "Number of packets the layer parser could not decode.",
		})
	dnsEventsSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmond_dns_events",
			Help: "Number of DNS events extracted, by type.",
		}, []string{"type"})
	dnsEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmond_dns_events_dropped",
			Help: "Number of DNS events dropped on channel overflow.",
		})
	flowUpdatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmond_flow_updates_dropped",
			Help: "Number of packet records dropped on channel overflow.",
		})
	flowsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmond_flows_flushed",
			Help: "Number of flow rows written by the periodic flush.",
		})
	flowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netmond_flows_active",
			Help: "Number of flows accumulating in the current interval.",
		})
	threatAlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmond_threat_alerts",
			Help: "Number of threat alerts raised, by feed.",
		}, []string{"feed"})
	whoisLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmond_whois_lookups",
			Help: "Number of WHOIS lookups, by outcome.",
		}, []string{"outcome"})
)

func countAlert(alert *loggerdb.ThreatAlert) {
	threatAlertsRaised.WithLabelValues(alert.FeedName).Inc()
}

func metricsInit() error {
	prometheus.MustRegister(packetsCaptured, packetsUndecoded,
		dnsEventsSeen, dnsEventsDropped, flowUpdatesDropped,
		flowsFlushed, flowsActive, threatAlertsRaised, whoisLookups)
	return nil
}

func init() {
	addMonitor("metrics", metricsInit, nil)
}
