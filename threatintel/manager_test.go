/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package threatintel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
)

var ctx = context.Background()

func testManager(t *testing.T) (*Manager, loggerdb.DataStore) {
	ds, err := loggerdb.NewSqlite(":memory:")
	require.NoError(t, err)
	require.NoError(t, ds.CreateTables(ctx))
	t.Cleanup(func() { ds.Close() })

	m := NewManager(ds, zap.NewNop().Sugar())
	require.NoError(t, m.Bootstrap(ctx))
	return m, ds
}

func feedServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
	t.Cleanup(srv.Close)
	return srv
}

func addFeed(t *testing.T, ds loggerdb.DataStore, name, url string) {
	require.NoError(t, ds.UpsertThreatFeed(ctx, &loggerdb.ThreatFeed{
		FeedName:  name,
		SourceURL: url,
		Enabled:   true,
		Config:    null.StringFrom(`{"kind":"domain_list"}`),
	}))
}

func TestFeedClientTimeout(t *testing.T) {
	m, _ := testManager(t)
	require.Equal(t, 30*time.Second, m.client.Timeout)
}

func TestBootstrapRegistersDefaults(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	feeds, err := ds.ThreatFeeds(ctx)
	assert.NoError(err)
	assert.Len(feeds, 3)
	assert.Zero(m.Index().Size())

	// Bootstrapping again must not clobber existing feed state.
	assert.NoError(ds.SetThreatFeedEnabled(ctx, "urlhaus", false))
	assert.NoError(m.Bootstrap(ctx))
	feeds, err = ds.ThreatFeeds(ctx)
	assert.NoError(err)
	for _, f := range feeds {
		if f.FeedName == "urlhaus" {
			assert.False(f.Enabled)
		}
	}
}

func TestUpdateFeed(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	srv := feedServer(t, "evil.example.com\nbad.example.net\n")
	addFeed(t, ds, "testfeed", srv.URL)

	row, err := m.UpdateFeed(ctx, "testfeed", false)
	assert.NoError(err)
	assert.EqualValues(2, row.IndicatorCount)
	assert.True(row.LastUpdate.Valid)
	assert.False(row.LastError.Valid)

	// The index picks up the new indicators immediately.
	assert.NotNil(m.Index().MatchDomain("evil.example.com"))

	// A second update inside the throttle window is refused...
	_, err = m.UpdateFeed(ctx, "testfeed", false)
	assert.Equal(ErrThrottled, errors.Cause(err))

	// ...unless forced.
	_, err = m.UpdateFeed(ctx, "testfeed", true)
	assert.NoError(err)

	_, err = m.UpdateFeed(ctx, "nosuch", false)
	assert.Equal(ErrUnknownFeed, errors.Cause(err))

	assert.NoError(ds.SetThreatFeedEnabled(ctx, "testfeed", false))
	_, err = m.UpdateFeed(ctx, "testfeed", true)
	assert.Equal(ErrFeedDisabled, errors.Cause(err))
}

func TestUpdateFeedThrottleBoundary(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	srv := feedServer(t, "evil.example.com\n")
	setAge := func(age time.Duration) {
		assert.NoError(ds.UpsertThreatFeed(ctx, &loggerdb.ThreatFeed{
			FeedName:   "testfeed",
			SourceURL:  srv.URL,
			Enabled:    true,
			Config:     null.StringFrom(`{"kind":"domain_list"}`),
			LastUpdate: null.TimeFrom(time.Now().UTC().Add(-age)),
		}))
	}

	// A hair inside the window is refused.
	setAge(updateThrottle - time.Second)
	_, err := m.UpdateFeed(ctx, "testfeed", false)
	assert.Equal(ErrThrottled, errors.Cause(err))

	// At exactly the window's edge the update proceeds.
	setAge(updateThrottle)
	_, err = m.UpdateFeed(ctx, "testfeed", false)
	assert.NoError(err)
}

func TestUpdateFeedIdenticalContent(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	srv := feedServer(t, "evil.example.com\nbad.example.net\n")
	addFeed(t, ds, "testfeed", srv.URL)

	row, err := m.UpdateFeed(ctx, "testfeed", false)
	assert.NoError(err)
	assert.EqualValues(2, row.IndicatorCount)

	// Re-fetching unchanged content neither grows the count nor leaves
	// duplicate rows behind.
	row, err = m.UpdateFeed(ctx, "testfeed", true)
	assert.NoError(err)
	assert.EqualValues(2, row.IndicatorCount)

	all, err := ds.AllThreatIndicators(ctx)
	assert.NoError(err)
	assert.Len(all, 2)
}

func TestUpdateFeedFailureKeepsIndicators(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	srv := feedServer(t, "evil.example.com\n")
	addFeed(t, ds, "testfeed", srv.URL)
	_, err := m.UpdateFeed(ctx, "testfeed", false)
	assert.NoError(err)

	// Point the feed at a broken endpoint; the old indicator set must
	// survive the failed refresh and the error must be recorded.
	bad := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "oops", http.StatusInternalServerError)
		}))
	defer bad.Close()
	addFeed(t, ds, "testfeed", bad.URL)

	_, err = m.UpdateFeed(ctx, "testfeed", true)
	assert.Error(err)

	assert.NotNil(m.Index().MatchDomain("evil.example.com"))
	row, err := m.feedByName(ctx, "testfeed")
	assert.NoError(err)
	assert.True(row.LastError.Valid)
}

func TestCheckEvent(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	_, err := ds.ReplaceThreatIndicators(ctx, "testfeed",
		[]string{"evil.example.com"}, []string{"203.0.113.66"})
	assert.NoError(err)
	assert.NoError(m.Refresh(ctx))

	var observed []*loggerdb.ThreatAlert
	m.OnAlert = func(a *loggerdb.ThreatAlert) {
		observed = append(observed, a)
	}

	// Query domain matches; one resolved address matches.
	n := m.CheckEvent(ctx, "sub.evil.example.com", "A", "10.0.0.5",
		[]string{"93.184.216.34", "203.0.113.66"})
	assert.Equal(2, n)
	assert.Len(observed, 2)
	assert.Equal("evil.example.com", observed[0].Domain.String)
	assert.Equal("203.0.113.66", observed[1].IP.String)
	assert.Equal("10.0.0.5", observed[0].SourceIP)

	n = m.CheckEvent(ctx, "fine.example.org", "A", "10.0.0.5", nil)
	assert.Zero(n)
}

func TestScanHistorical(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []loggerdb.DNSEvent{
		{EventType: "query", Domain: "evil.example.com", QueryType: "A",
			SourceIP: "10.0.0.5", DestinationIP: "10.0.0.1",
			Timestamp: t0},
		{EventType: "query", Domain: "evil.example.com", QueryType: "A",
			SourceIP: "10.0.0.6", DestinationIP: "10.0.0.1",
			Timestamp: t0.Add(time.Minute)},
		{EventType: "response", Domain: "other.example.org",
			QueryType: "A", SourceIP: "10.0.0.1",
			DestinationIP: "10.0.0.5",
			Answers:       loggerdb.StringList{"203.0.113.66"},
			Timestamp:     t0.Add(2 * time.Minute)},
	}
	for i := range events {
		assert.NoError(ds.AppendDNSEvent(ctx, &events[i]))
	}

	_, err := ds.ReplaceThreatIndicators(ctx, "testfeed",
		[]string{"evil.example.com"}, []string{"203.0.113.66"})
	assert.NoError(err)
	assert.NoError(m.Refresh(ctx))

	stats, err := m.ScanHistorical(ctx, t0)
	assert.NoError(err)
	assert.EqualValues(3, stats.EventsScanned)
	assert.EqualValues(2, stats.DomainsChecked)
	assert.EqualValues(1, stats.IPsChecked)
	// The repeated evil.example.com query yields only one alert.
	assert.EqualValues(2, stats.AlertsCreated)

	// A second scan finds the same matches already alerted.
	stats, err = m.ScanHistorical(ctx, t0)
	assert.NoError(err)
	assert.Zero(stats.AlertsCreated)

	// The summary of the latest scan is persisted.
	record, err := m.LastScan(ctx)
	assert.NoError(err)
	assert.EqualValues(3, record.Stats.EventsScanned)
	assert.Zero(record.Stats.AlertsCreated)
	assert.False(record.CompletedAt.IsZero())
}

func TestEmitAlertWhitelistRecheck(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	_, err := ds.ReplaceThreatIndicators(ctx, "testfeed",
		[]string{"evil.example.com"}, nil)
	assert.NoError(err)
	assert.NoError(m.Refresh(ctx))

	stale := m.Index()
	match := stale.MatchDomain("evil.example.com")
	assert.NotNil(match)

	// The whitelist lands after the match was made but before the alert
	// is written.
	_, err = m.AddWhitelist(ctx, &loggerdb.WhitelistEntry{
		IndicatorType: loggerdb.IndicatorDomain,
		Domain:        null.StringFrom("evil.example.com"),
	})
	assert.NoError(err)

	assert.False(m.emitAlert(ctx, match, "A", "10.0.0.5"))
	alerts, err := ds.ThreatAlerts(ctx, 10, nil, nil)
	assert.NoError(err)
	assert.Empty(alerts)
}

func TestAddWhitelist(t *testing.T) {
	assert := require.New(t)
	m, ds := testManager(t)

	_, err := ds.ReplaceThreatIndicators(ctx, "testfeed",
		[]string{"evil.example.com"}, nil)
	assert.NoError(err)
	assert.NoError(m.Refresh(ctx))

	n := m.CheckEvent(ctx, "evil.example.com", "A", "10.0.0.5", nil)
	assert.Equal(1, n)

	res, err := m.AddWhitelist(ctx, &loggerdb.WhitelistEntry{
		IndicatorType: loggerdb.IndicatorDomain,
		Domain:        null.StringFrom("evil.example.com"),
	})
	assert.NoError(err)
	assert.False(res.Existing)
	assert.EqualValues(1, res.ResolvedAlerts)

	// The whitelist suppresses further matches without another feed
	// update.
	n = m.CheckEvent(ctx, "evil.example.com", "A", "10.0.0.5", nil)
	assert.Zero(n)

	// Removing the entry re-arms the indicator.
	assert.NoError(m.RemoveWhitelist(ctx, res.ID))
	n = m.CheckEvent(ctx, "evil.example.com", "A", "10.0.0.5", nil)
	assert.Equal(1, n)
}
