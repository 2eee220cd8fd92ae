/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package loggerdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func testDB(t *testing.T) DataStore {
	ds, err := NewSqlite(":memory:")
	require.NoError(t, err)
	require.NoError(t, ds.CreateTables(ctx))
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestDNSLookupUpsert(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	assert.NoError(ds.UpsertDNSLookup(ctx, "example.com", "A",
		[]string{"93.184.216.34"}, t0))
	assert.NoError(ds.UpsertDNSLookup(ctx, "example.com", "A",
		[]string{"93.184.216.35"}, t1))

	l, err := ds.DNSLookupByDomain(ctx, "example.com")
	assert.NoError(err)
	// first_seen is immutable; last_seen advances; the answer set is
	// replaced wholesale.
	assert.Equal(t0, l.FirstSeen.UTC())
	assert.Equal(t1, l.LastSeen.UTC())
	assert.Equal(StringList{"93.184.216.35"}, l.ResolvedIPs)

	// An out-of-order update must not move last_seen backwards.
	assert.NoError(ds.TouchDNSLookup(ctx, "example.com", "A", t0))
	l, err = ds.DNSLookupByDomain(ctx, "example.com")
	assert.NoError(err)
	assert.Equal(t1, l.LastSeen.UTC())

	_, err = ds.DNSLookupByDomain(ctx, "nosuch.example")
	assert.True(IsNotFound(err))
}

func TestDomainByIP(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	assert.NoError(ds.UpsertDNSLookup(ctx, "old.example.com", "A",
		[]string{"203.0.113.7"}, t0))
	assert.NoError(ds.UpsertDNSLookup(ctx, "new.example.com", "A",
		[]string{"203.0.113.7"}, t1))

	// Multiple domains share the IP; the most recently seen wins.
	domain, err := ds.DomainByIP(ctx, "203.0.113.7", t0, nil)
	assert.NoError(err)
	assert.Equal("new.example.com", domain)

	// A recency horizon past t0 excludes the older binding only.
	domain, err = ds.DomainByIP(ctx, "203.0.113.7", t0.Add(30*time.Minute), nil)
	assert.NoError(err)
	assert.Equal("new.example.com", domain)

	// A flow that started before the newer lookup existed cannot bind
	// to it.
	before := t0.Add(10 * time.Minute)
	domain, err = ds.DomainByIP(ctx, "203.0.113.7", t0, &before)
	assert.NoError(err)
	assert.Equal("old.example.com", domain)

	_, err = ds.DomainByIP(ctx, "198.51.100.99", t0, nil)
	assert.True(IsNotFound(err))
}

func TestSearchDomains(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	now := time.Now().UTC()
	assert.NoError(ds.UpsertDNSLookup(ctx, "cdn.example.com", "A", nil, now))
	assert.NoError(ds.UpsertDNSLookup(ctx, "example.net", "A", nil, now))
	assert.NoError(ds.UpsertDNSLookup(ctx, "other.org", "A", nil, now))

	found, err := ds.SearchDomains(ctx, "EXAMPLE", 10)
	assert.NoError(err)
	assert.Len(found, 2)

	found, err = ds.SearchDomains(ctx, "example", 1)
	assert.NoError(err)
	assert.Len(found, 1)
}

func TestDNSEvents(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []DNSEvent{
		{EventType: "query", Domain: "a.example.com", QueryType: "A",
			SourceIP: "10.0.0.5", DestinationIP: "10.0.0.1",
			Timestamp: t0},
		{EventType: "response", Domain: "a.example.com", QueryType: "A",
			SourceIP: "10.0.0.1", DestinationIP: "10.0.0.5",
			Answers:   StringList{"93.184.216.34"},
			Timestamp: t0.Add(time.Second)},
		{EventType: "query", Domain: "b.example.com", QueryType: "AAAA",
			SourceIP: "10.0.0.6", DestinationIP: "10.0.0.1",
			Timestamp: t0.Add(2 * time.Second)},
	}
	for i := range events {
		assert.NoError(ds.AppendDNSEvent(ctx, &events[i]))
	}

	got, err := ds.DNSEvents(ctx, DNSEventFilter{Domain: "a.example.com"})
	assert.NoError(err)
	assert.Len(got, 2)
	// Newest first.
	assert.Equal("response", got[0].EventType)
	assert.Equal(StringList{"93.184.216.34"}, got[0].Answers)

	got, err = ds.DNSEvents(ctx, DNSEventFilter{EventType: "query",
		SourceIP: "10.0.0.6"})
	assert.NoError(err)
	assert.Len(got, 1)
	assert.Equal("b.example.com", got[0].Domain)

	// Streaming visits events oldest first.
	var domains []string
	err = ds.ForEachDNSEvent(ctx, t0, func(ev *DNSEvent) error {
		domains = append(domains, ev.Domain)
		return nil
	})
	assert.NoError(err)
	assert.Equal([]string{"a.example.com", "a.example.com",
		"b.example.com"}, domains)
}

func TestTrafficFlowUpsert(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	// First flush has no domain binding yet.
	assert.NoError(ds.UpsertTrafficFlow(ctx, &FlowUpdate{
		SourceIP: "10.0.0.5", DestinationIP: "93.184.216.34",
		DestinationPort: 443, Protocol: "TCP",
		BytesSent: 100, BytesReceived: 2000, PacketCount: 10,
		FirstSeen: t0, LastUpdate: t0,
	}))

	// Second flush binds the domain and accumulates.
	assert.NoError(ds.UpsertTrafficFlow(ctx, &FlowUpdate{
		SourceIP: "10.0.0.5", DestinationIP: "93.184.216.34",
		DestinationPort: 443, Protocol: "TCP",
		Domain:    null.StringFrom("example.com"),
		BytesSent: 50, BytesReceived: 500, PacketCount: 5,
		FirstSeen: t1, LastUpdate: t1,
	}))

	flows, err := ds.TrafficByDomain(ctx, "example.com", nil, nil)
	assert.NoError(err)
	assert.Len(flows, 1)
	f := flows[0]
	assert.EqualValues(150, f.BytesSent)
	assert.EqualValues(2500, f.BytesReceived)
	assert.EqualValues(15, f.PacketCount)
	assert.Equal(t0, f.FirstSeen.UTC())
	assert.Equal(t1, f.LastUpdate.UTC())
	assert.False(f.IsOrphaned)
	assert.False(f.IsAbnormal)

	// A later flush without a binding cannot unbind the domain.
	assert.NoError(ds.UpsertTrafficFlow(ctx, &FlowUpdate{
		SourceIP: "10.0.0.5", DestinationIP: "93.184.216.34",
		DestinationPort: 443, Protocol: "TCP",
		BytesSent: 1, PacketCount: 1, IsAbnormal: true,
		FirstSeen: t1, LastUpdate: t1,
	}))
	flows, err = ds.TrafficByDomain(ctx, "example.com", nil, nil)
	assert.NoError(err)
	assert.Len(flows, 1)
	assert.False(flows[0].IsOrphaned)
	// is_abnormal is sticky once set.
	assert.True(flows[0].IsAbnormal)
}

func TestOrphanedIPs(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	add := func(src, dst string, port int, sent, recv int64, domain null.String) {
		assert.NoError(ds.UpsertTrafficFlow(ctx, &FlowUpdate{
			SourceIP: src, DestinationIP: dst,
			DestinationPort: port, Protocol: "TCP",
			Domain:    domain,
			BytesSent: sent, BytesReceived: recv, PacketCount: 1,
			FirstSeen: t0, LastUpdate: t0,
		}))
	}
	add("10.0.0.5", "198.51.100.1", 443, 100, 100, null.String{})
	add("10.0.0.6", "198.51.100.1", 8443, 50, 50, null.String{})
	add("10.0.0.5", "198.51.100.2", 443, 5000, 5000, null.String{})
	add("10.0.0.5", "93.184.216.34", 443, 9999, 9999,
		null.StringFrom("example.com"))

	orphans, err := ds.OrphanedIPs(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	assert.NoError(err)
	assert.Len(orphans, 2)
	// Ordered by total bytes, largest first; bound flows excluded.
	assert.Equal("198.51.100.2", orphans[0].DestinationIP)
	assert.EqualValues(10000, orphans[0].TotalBytes)
	assert.Equal("198.51.100.1", orphans[1].DestinationIP)
	assert.EqualValues(2, orphans[1].ConnectionCount)
	assert.EqualValues(150, orphans[1].TotalBytesSent)

	// Outside the window there is nothing.
	orphans, err = ds.OrphanedIPs(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour))
	assert.NoError(err)
	assert.Empty(orphans)
}

func TestTopDomains(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	flows := []FlowUpdate{
		{SourceIP: "10.0.0.5", DestinationIP: "93.184.216.34",
			DestinationPort: 443, Protocol: "TCP",
			Domain: null.StringFrom("big.example.com"),
			BytesSent: 100, BytesReceived: 10000, PacketCount: 20,
			FirstSeen: t0, LastUpdate: t0},
		{SourceIP: "10.0.0.5", DestinationIP: "93.184.216.40",
			DestinationPort: 443, Protocol: "TCP",
			Domain: null.StringFrom("small.example.com"),
			BytesSent: 10, BytesReceived: 100, PacketCount: 4,
			FirstSeen: t0, LastUpdate: t0},
		{SourceIP: "10.0.0.5", DestinationIP: "198.51.100.9",
			DestinationPort: 443, Protocol: "TCP",
			BytesSent: 99999, BytesReceived: 99999, PacketCount: 9,
			FirstSeen: t0, LastUpdate: t0},
	}
	for i := range flows {
		assert.NoError(ds.UpsertTrafficFlow(ctx, &flows[i]))
	}

	top, err := ds.TopDomains(ctx, 10, nil, nil)
	assert.NoError(err)
	assert.Len(top, 2)
	assert.Equal("big.example.com", top[0].Domain)
	assert.EqualValues(10100, top[0].TotalBytes)
	assert.Equal("small.example.com", top[1].Domain)
}

func TestThreatIndicators(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	n, err := ds.ReplaceThreatIndicators(ctx, "urlhaus",
		[]string{"evil.example.com", "bad.example.net"},
		[]string{"203.0.113.66"})
	assert.NoError(err)
	assert.Equal(3, n)

	ind, err := ds.MatchThreatDomain(ctx, "evil.example.com")
	assert.NoError(err)
	assert.Equal("urlhaus", ind.FeedName)
	assert.Equal(IndicatorDomain, ind.IndicatorType)

	ind, err = ds.MatchThreatIP(ctx, "203.0.113.66")
	assert.NoError(err)
	assert.Equal(IndicatorIP, ind.IndicatorType)

	_, err = ds.MatchThreatDomain(ctx, "fine.example.com")
	assert.True(IsNotFound(err))

	// Replacing swaps the feed's indicator set atomically.
	n, err = ds.ReplaceThreatIndicators(ctx, "urlhaus",
		[]string{"worse.example.org"}, nil)
	assert.NoError(err)
	assert.Equal(1, n)

	_, err = ds.MatchThreatDomain(ctx, "evil.example.com")
	assert.True(IsNotFound(err))

	all, err := ds.AllThreatIndicators(ctx)
	assert.NoError(err)
	assert.Len(all, 1)
}

func TestThreatAlerts(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	id, err := ds.AppendThreatAlert(ctx, &ThreatAlert{
		FeedName:      "urlhaus",
		IndicatorType: IndicatorDomain,
		Domain:        null.StringFrom("evil.example.com"),
		QueryType:     "A",
		SourceIP:      "10.0.0.5",
	})
	assert.NoError(err)
	assert.NotZero(id)

	_, err = ds.AppendThreatAlert(ctx, &ThreatAlert{
		FeedName:      "ipsum",
		IndicatorType: IndicatorIP,
		IP:            null.StringFrom("203.0.113.66"),
		SourceIP:      "10.0.0.6",
	})
	assert.NoError(err)

	unresolved := false
	alerts, err := ds.ThreatAlerts(ctx, 10, nil, &unresolved)
	assert.NoError(err)
	assert.Len(alerts, 2)

	keys, err := ds.ThreatAlertKeys(ctx)
	assert.NoError(err)
	assert.Len(keys, 2)
	assert.Contains(keys, AlertKey{FeedName: "urlhaus",
		IndicatorType: IndicatorDomain, Indicator: "evil.example.com"})

	assert.NoError(ds.ResolveThreatAlert(ctx, id))
	alerts, err = ds.ThreatAlerts(ctx, 10, nil, &unresolved)
	assert.NoError(err)
	assert.Len(alerts, 1)

	err = ds.ResolveThreatAlert(ctx, 99999)
	assert.True(IsNotFound(err))
}

func TestResolveAlertsByIndicator(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	for _, d := range []string{"evil.example.com", "sub.evil.example.com",
		"notevil.example.com"} {
		_, err := ds.AppendThreatAlert(ctx, &ThreatAlert{
			FeedName:      "urlhaus",
			IndicatorType: IndicatorDomain,
			Domain:        null.StringFrom(d),
		})
		assert.NoError(err)
	}

	// Whitelisting a domain resolves its alerts and its subdomains',
	// but not lookalikes.
	n, err := ds.ResolveAlertsByIndicator(ctx, "evil.example.com", "")
	assert.NoError(err)
	assert.EqualValues(2, n)

	unresolved := false
	alerts, err := ds.ThreatAlerts(ctx, 10, nil, &unresolved)
	assert.NoError(err)
	assert.Len(alerts, 1)
	assert.Equal("notevil.example.com", alerts[0].Domain.String)
}

func TestThreatFeeds(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	feed := &ThreatFeed{
		FeedName:  "urlhaus",
		SourceURL: "https://urlhaus.abuse.ch/downloads/text/",
		Enabled:   true,
	}
	assert.NoError(ds.UpsertThreatFeed(ctx, feed))

	feed.LastUpdate = null.TimeFrom(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	feed.IndicatorCount = 42
	assert.NoError(ds.UpsertThreatFeed(ctx, feed))

	feeds, err := ds.ThreatFeeds(ctx)
	assert.NoError(err)
	assert.Len(feeds, 1)
	assert.EqualValues(42, feeds[0].IndicatorCount)
	assert.True(feeds[0].LastUpdate.Valid)

	assert.NoError(ds.SetThreatFeedEnabled(ctx, "urlhaus", false))
	feeds, err = ds.ThreatFeeds(ctx)
	assert.NoError(err)
	assert.False(feeds[0].Enabled)

	err = ds.SetThreatFeedEnabled(ctx, "nosuch", true)
	assert.True(IsNotFound(err))
}

func TestWhitelist(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	id, existing, err := ds.AddWhitelistEntry(ctx, &WhitelistEntry{
		IndicatorType: IndicatorDomain,
		Domain:        null.StringFrom("Safe.Example.COM"),
		Reason:        null.StringFrom("internal service"),
	})
	assert.NoError(err)
	assert.False(existing)

	// Re-adding the same indicator reports the existing row.
	id2, existing, err := ds.AddWhitelistEntry(ctx, &WhitelistEntry{
		IndicatorType: IndicatorDomain,
		Domain:        null.StringFrom("safe.example.com"),
	})
	assert.NoError(err)
	assert.True(existing)
	assert.Equal(id, id2)

	entries, err := ds.WhitelistEntries(ctx)
	assert.NoError(err)
	assert.Len(entries, 1)
	assert.Equal("safe.example.com", entries[0].Indicator())

	assert.NoError(ds.RemoveWhitelistEntry(ctx, id))
	err = ds.RemoveWhitelistEntry(ctx, id)
	assert.True(IsNotFound(err))
}

func TestWhois(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	data := json.RawMessage(`{"registrar":"Example Registrar"}`)
	assert.NoError(ds.SaveWhois(ctx, "Example.COM", data, t0))

	rec, err := ds.WhoisByDomain(ctx, "example.com")
	assert.NoError(err)
	assert.JSONEq(string(data), string(rec.Data))
	assert.Equal(t0, rec.UpdatedAt.UTC())

	// Refresh replaces the blob and bumps the update time.
	t1 := t0.Add(24 * time.Hour)
	data = json.RawMessage(`{"registrar":"Other Registrar"}`)
	assert.NoError(ds.SaveWhois(ctx, "example.com", data, t1))
	rec, err = ds.WhoisByDomain(ctx, "example.com")
	assert.NoError(err)
	assert.Equal(t1, rec.UpdatedAt.UTC())

	_, err = ds.WhoisByDomain(ctx, "nosuch.example")
	assert.True(IsNotFound(err))
}

func TestUsers(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	id, err := ds.CreateUser(ctx, &User{
		Username:       "admin",
		Email:          "admin@example.com",
		HashedPassword: "$2a$10$notarealhash",
		IsAdmin:        true,
		IsActive:       true,
	})
	assert.NoError(err)

	u, err := ds.UserByUsername(ctx, "admin")
	assert.NoError(err)
	assert.Equal(id, u.ID)
	assert.True(u.IsAdmin)

	u, err = ds.UserByID(ctx, id)
	assert.NoError(err)
	assert.Equal("admin", u.Username)

	_, err = ds.UserByUsername(ctx, "nobody")
	assert.True(IsNotFound(err))
}

func TestSettings(t *testing.T) {
	assert := require.New(t)
	ds := testDB(t)

	_, err := ds.GetSetting(ctx, "capture")
	assert.True(IsNotFound(err))

	assert.NoError(ds.SetSetting(ctx, "capture",
		json.RawMessage(`{"ports":[80,443]}`)))
	v, err := ds.GetSetting(ctx, "capture")
	assert.NoError(err)
	assert.JSONEq(`{"ports":[80,443]}`, string(v))

	assert.NoError(ds.SetSetting(ctx, "capture",
		json.RawMessage(`{"ports":[8080]}`)))
	v, err = ds.GetSetting(ctx, "capture")
	assert.NoError(err)
	assert.JSONEq(`{"ports":[8080]}`, string(v))
}
