/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guregu/null"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/peanutyost/Network-Logging/data/threatfeed"
	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/dnscap"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrThrottled    = errors.New("feed was updated recently")
	ErrFeedDisabled = errors.New("feed is disabled")
	ErrScanActive   = errors.New("historical scan already running")
	ErrUnknownFeed  = errors.New("unknown feed")
)

const (
	// A feed refresh within this window of the previous one is
	// refused unless forced.
	updateThrottle = 3 * time.Hour

	// Scheduler timing.
	updateWarmup   = 30 * time.Second
	updateInterval = 24 * time.Hour
)

// ScanStats summarizes one historical rescan.
type ScanStats struct {
	EventsScanned  int64 `json:"events_scanned"`
	DomainsChecked int64 `json:"domains_checked"`
	IPsChecked     int64 `json:"ips_checked"`
	AlertsCreated  int64 `json:"alerts_created"`
}

// ScanRecord is the persisted summary of the most recent rescan.
type ScanRecord struct {
	CompletedAt time.Time `json:"completed_at"`
	Since       time.Time `json:"since"`
	Stats       ScanStats `json:"stats"`
}

const lastScanKey = "last_historical_scan"

// WhitelistResult reports the outcome of a whitelist addition.
type WhitelistResult struct {
	ID             int64 `json:"id"`
	Existing       bool  `json:"existing"`
	ResolvedAlerts int64 `json:"resolved_alerts"`
}

// Manager owns the indicator index and the feed update lifecycle.
type Manager struct {
	db     loggerdb.DataStore
	slog   *zap.SugaredLogger
	client *http.Client

	index    atomic.Value // *Index
	updateMu sync.Mutex
	scanning int32

	// OnAlert, when set, observes every alert as it is recorded.
	OnAlert func(*loggerdb.ThreatAlert)
}

// NewManager creates a Manager; call Bootstrap before use.
func NewManager(db loggerdb.DataStore, slog *zap.SugaredLogger) *Manager {
	m := &Manager{
		db:     db,
		slog:   slog,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	m.index.Store(NewIndex(nil, nil))
	return m
}

// Bootstrap registers the default feeds that aren't already configured
// and loads the indicator index from the database.
func (m *Manager) Bootstrap(ctx context.Context) error {
	existing, err := m.db.ThreatFeeds(ctx)
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, f := range existing {
		known[f.FeedName] = true
	}
	for _, def := range threatfeed.Defaults() {
		if known[def.Name] {
			continue
		}
		cfg, err := json.Marshal(def)
		if err != nil {
			return errors.Wrap(err, "encode feed config")
		}
		err = m.db.UpsertThreatFeed(ctx, &loggerdb.ThreatFeed{
			FeedName:  def.Name,
			SourceURL: def.URL,
			Enabled:   true,
			Config:    null.StringFrom(string(cfg)),
		})
		if err != nil {
			return err
		}
		m.slog.Infof("registered threat feed %s", def.Name)
	}
	return m.Refresh(ctx)
}

// Refresh rebuilds the in-memory index from the database and publishes
// it atomically.
func (m *Manager) Refresh(ctx context.Context) error {
	indicators, err := m.db.AllThreatIndicators(ctx)
	if err != nil {
		return err
	}
	whitelist, err := m.db.WhitelistEntries(ctx)
	if err != nil {
		return err
	}
	idx := NewIndex(indicators, whitelist)
	m.index.Store(idx)
	m.slog.Debugf("threat index refreshed: %d indicators", idx.Size())
	return nil
}

// Index returns the current indicator snapshot.
func (m *Manager) Index() *Index {
	return m.index.Load().(*Index)
}

func (m *Manager) feedByName(ctx context.Context, name string) (*loggerdb.ThreatFeed, error) {
	feeds, err := m.db.ThreatFeeds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range feeds {
		if feeds[i].FeedName == name {
			return &feeds[i], nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownFeed, "%s", name)
}

func feedDescriptor(row *loggerdb.ThreatFeed) (threatfeed.Feed, error) {
	feed := threatfeed.Feed{
		Name: row.FeedName,
		URL:  row.SourceURL,
		Kind: threatfeed.Mixed,
	}
	if row.Config.Valid {
		if err := json.Unmarshal([]byte(row.Config.String), &feed); err != nil {
			return feed, errors.Wrapf(err, "feed %s config", row.FeedName)
		}
		feed.Name = row.FeedName
		feed.URL = row.SourceURL
	}
	return feed, nil
}

// UpdateFeed downloads one feed and replaces its indicators.  Updates
// within the throttle window are refused unless forced.
func (m *Manager) UpdateFeed(ctx context.Context, name string, force bool) (*loggerdb.ThreatFeed, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	row, err := m.feedByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !row.Enabled {
		return nil, errors.Wrapf(ErrFeedDisabled, "%s", name)
	}
	if !force && row.LastUpdate.Valid &&
		time.Since(row.LastUpdate.Time) < updateThrottle {
		return nil, errors.Wrapf(ErrThrottled, "%s", name)
	}

	desc, err := feedDescriptor(row)
	if err != nil {
		return nil, err
	}

	res, err := threatfeed.Fetch(ctx, m.client, desc)
	if err != nil {
		// Keep the previous indicator set; just record the failure.
		row.LastError = null.StringFrom(err.Error())
		if dberr := m.db.UpsertThreatFeed(ctx, row); dberr != nil {
			m.slog.Errorf("recording feed error: %v", dberr)
		}
		return nil, err
	}

	count, err := m.db.ReplaceThreatIndicators(ctx, name,
		res.Domains, res.IPs)
	if err != nil {
		return nil, err
	}

	row.LastUpdate = null.TimeFrom(time.Now().UTC())
	row.IndicatorCount = int64(count)
	row.LastError = null.String{}
	if err = m.db.UpsertThreatFeed(ctx, row); err != nil {
		return nil, err
	}
	if err = m.Refresh(ctx); err != nil {
		return nil, err
	}
	m.slog.Infof("feed %s updated: %d indicators", name, count)
	return row, nil
}

// UpdateAll refreshes every enabled feed in turn.  Throttled feeds are
// skipped quietly; other failures are logged and do not stop the pass.
func (m *Manager) UpdateAll(ctx context.Context, force bool) {
	feeds, err := m.db.ThreatFeeds(ctx)
	if err != nil {
		m.slog.Errorf("listing feeds: %v", err)
		return
	}
	for _, f := range feeds {
		if !f.Enabled {
			continue
		}
		if _, err := m.UpdateFeed(ctx, f.FeedName, force); err != nil {
			if errors.Cause(err) == ErrThrottled {
				continue
			}
			m.slog.Errorf("updating feed %s: %v", f.FeedName, err)
		}
	}
}

// Scheduler periodically refreshes all feeds until ctx is cancelled.  A
// short warmup delay keeps startup I/O off the capture path.
func (m *Manager) Scheduler(ctx context.Context) {
	warmup := time.NewTimer(updateWarmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}
	m.UpdateAll(ctx, false)

	tick := time.NewTicker(updateInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.UpdateAll(ctx, false)
		}
	}
}

func (m *Manager) emitAlert(ctx context.Context, match *Match, queryType, sourceIP string) bool {
	// The match may come from an older snapshot; re-check against the
	// current whitelist before anything is written.
	idx := m.Index()
	if match.IndicatorType == loggerdb.IndicatorIP {
		if idx.WhitelistedIP(match.Indicator) {
			return false
		}
	} else if idx.WhitelistedDomain(match.Indicator) {
		return false
	}

	alert := &loggerdb.ThreatAlert{
		FeedName:      match.FeedName,
		IndicatorType: match.IndicatorType,
		QueryType:     queryType,
		SourceIP:      sourceIP,
	}
	if match.IndicatorType == loggerdb.IndicatorIP {
		alert.IP = null.StringFrom(match.Indicator)
	} else {
		alert.Domain = null.StringFrom(match.Indicator)
	}

	id, err := m.db.AppendThreatAlert(ctx, alert)
	if err != nil {
		m.slog.Errorf("recording threat alert: %v", err)
		return false
	}
	alert.ID = id
	m.slog.Warnw("threat indicator matched",
		"feed", match.FeedName,
		"type", match.IndicatorType,
		"indicator", match.Indicator,
		"source", sourceIP)
	if m.OnAlert != nil {
		m.OnAlert(alert)
	}
	return true
}

// CheckEvent runs one live DNS event through the index: the queried
// domain plus any resolved addresses.  It returns the number of alerts
// raised.
func (m *Manager) CheckEvent(ctx context.Context, domain, queryType, sourceIP string, addrs []string) int {
	idx := m.Index()
	alerts := 0
	if match := idx.MatchDomain(domain); match != nil {
		if m.emitAlert(ctx, match, queryType, sourceIP) {
			alerts++
		}
	}
	for _, addr := range addrs {
		if match := idx.MatchIP(addr); match != nil {
			if m.emitAlert(ctx, match, queryType, sourceIP) {
				alerts++
			}
		}
	}
	return alerts
}

// ScanHistorical replays the stored DNS event log against the current
// index.  Indicators that already have an alert on file are skipped, so
// repeated scans do not pile up duplicates.  Only one scan runs at a
// time.
func (m *Manager) ScanHistorical(ctx context.Context, since time.Time) (*ScanStats, error) {
	if !atomic.CompareAndSwapInt32(&m.scanning, 0, 1) {
		return nil, ErrScanActive
	}
	defer atomic.StoreInt32(&m.scanning, 0)

	alerted := map[loggerdb.AlertKey]bool{}
	keys, err := m.db.ThreatAlertKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		alerted[k] = true
	}

	idx := m.Index()
	stats := &ScanStats{}
	domainsSeen := map[string]bool{}
	ipsSeen := map[string]bool{}

	emit := func(match *Match, ev *loggerdb.DNSEvent) {
		key := loggerdb.AlertKey{
			FeedName:      match.FeedName,
			IndicatorType: match.IndicatorType,
			Indicator:     match.Indicator,
		}
		if alerted[key] {
			return
		}
		if m.emitAlert(ctx, match, ev.QueryType, ev.SourceIP) {
			alerted[key] = true
			stats.AlertsCreated++
		}
	}

	err = m.db.ForEachDNSEvent(ctx, since, func(ev *loggerdb.DNSEvent) error {
		stats.EventsScanned++
		if !domainsSeen[ev.Domain] {
			domainsSeen[ev.Domain] = true
			stats.DomainsChecked++
		}
		if match := idx.MatchDomain(ev.Domain); match != nil {
			emit(match, ev)
		}
		for _, addr := range dnscap.Addrs(ev.Answers) {
			if !ipsSeen[addr] {
				ipsSeen[addr] = true
				stats.IPsChecked++
			}
			if match := idx.MatchIP(addr); match != nil {
				emit(match, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.slog.Infof("historical scan: %d events, %d alerts",
		stats.EventsScanned, stats.AlertsCreated)

	record, err := json.Marshal(&ScanRecord{
		CompletedAt: time.Now().UTC(),
		Since:       since,
		Stats:       *stats,
	})
	if err == nil {
		err = m.db.SetSetting(ctx, lastScanKey, record)
	}
	if err != nil {
		m.slog.Errorf("recording scan summary: %v", err)
	}
	return stats, nil
}

// LastScan returns the persisted summary of the most recent historical
// scan, or a NotFoundError if none has completed.
func (m *Manager) LastScan(ctx context.Context) (*ScanRecord, error) {
	raw, err := m.db.GetSetting(ctx, lastScanKey)
	if err != nil {
		return nil, err
	}
	record := &ScanRecord{}
	if err = json.Unmarshal(raw, record); err != nil {
		return nil, errors.Wrap(err, "decode scan summary")
	}
	return record, nil
}

// AddWhitelist records a whitelist entry, resolves any open alerts it
// covers, and refreshes the index.
func (m *Manager) AddWhitelist(ctx context.Context, entry *loggerdb.WhitelistEntry) (*WhitelistResult, error) {
	id, existing, err := m.db.AddWhitelistEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	resolved, err := m.db.ResolveAlertsByIndicator(ctx,
		entry.Domain.ValueOrZero(), entry.IP.ValueOrZero())
	if err != nil {
		return nil, err
	}
	if err = m.Refresh(ctx); err != nil {
		return nil, err
	}
	return &WhitelistResult{
		ID:             id,
		Existing:       existing,
		ResolvedAlerts: resolved,
	}, nil
}

// RemoveWhitelist deletes a whitelist entry and refreshes the index.
func (m *Manager) RemoveWhitelist(ctx context.Context, id int64) error {
	if err := m.db.RemoveWhitelistEntry(ctx, id); err != nil {
		return err
	}
	return m.Refresh(ctx)
}
