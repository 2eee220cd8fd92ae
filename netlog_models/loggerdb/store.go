/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package loggerdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const indicatorBatchSize = 500

// store carries the backend-independent query implementations.  The two
// backends embed it and supply the dialect hooks plus the handful of
// queries whose SQL genuinely differs.
type store struct {
	db *sqlx.DB

	// isUniqueViolation classifies driver-specific constraint errors.
	isUniqueViolation func(error) bool

	// insertID runs an INSERT and reports the new row id; lib/pq needs
	// RETURNING while go-sqlite3 uses LastInsertId.
	insertID func(ctx context.Context, query string, args ...interface{}) (int64, error)
}

func (s *store) q(query string) string {
	return s.db.Rebind(query)
}

// Ping verifies the connection.
func (s *store) Ping() error {
	return s.db.Ping()
}

// Close releases the connection pool.
func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) TouchDNSLookup(ctx context.Context, domain, queryType string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dns_lookups SET last_seen = ?
		WHERE domain = ? AND query_type = ? AND last_seen < ?`),
		seen.UTC(), domain, queryType, seen.UTC())
	return errors.Wrap(err, "touch dns_lookup")
}

func (s *store) UpsertDNSLookup(ctx context.Context, domain, queryType string, resolvedIPs []string, seen time.Time) error {
	ts := seen.UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dns_lookups (domain, query_type, resolved_ips, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, query_type) DO UPDATE SET
			resolved_ips = excluded.resolved_ips,
			last_seen = CASE
				WHEN excluded.last_seen > dns_lookups.last_seen
				THEN excluded.last_seen
				ELSE dns_lookups.last_seen
			END`),
		domain, queryType, StringList(resolvedIPs), ts, ts)
	return errors.Wrap(err, "upsert dns_lookup")
}

func (s *store) DNSLookupByDomain(ctx context.Context, domain string) (*DNSLookup, error) {
	var l DNSLookup
	err := s.db.GetContext(ctx, &l, s.q(`
		SELECT * FROM dns_lookups
		WHERE domain = ?
		ORDER BY last_seen DESC LIMIT 1`), domain)
	if err == sql.ErrNoRows {
		return nil, NotFound("no DNS lookup for domain %s", domain)
	} else if err != nil {
		return nil, errors.Wrap(err, "get dns_lookup")
	}
	return &l, nil
}

func (s *store) RecentDNSLookups(ctx context.Context, limit int, since *time.Time) ([]DNSLookup, error) {
	query := `SELECT * FROM dns_lookups`
	args := []interface{}{}
	if since != nil {
		query += ` WHERE last_seen >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY last_seen DESC LIMIT ?`
	args = append(args, limit)

	lookups := []DNSLookup{}
	err := s.db.SelectContext(ctx, &lookups, s.q(query), args...)
	return lookups, errors.Wrap(err, "recent dns_lookups")
}

func (s *store) AppendDNSEvent(ctx context.Context, ev *DNSEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dns_events (event_type, domain, query_type,
			source_ip, destination_ip, answers, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.EventType, ev.Domain, ev.QueryType, ev.SourceIP,
		ev.DestinationIP, ev.Answers, ev.Timestamp.UTC())
	return errors.Wrap(err, "append dns_event")
}

func (s *store) DNSEvents(ctx context.Context, filter DNSEventFilter) ([]DNSEvent, error) {
	query := `SELECT * FROM dns_events WHERE 1 = 1`
	args := []interface{}{}
	if filter.Since != nil {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UTC())
	}
	if filter.SourceIP != "" {
		query += ` AND source_ip = ?`
		args = append(args, filter.SourceIP)
	}
	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	events := []DNSEvent{}
	err := s.db.SelectContext(ctx, &events, s.q(query), args...)
	return events, errors.Wrap(err, "query dns_events")
}

func (s *store) ForEachDNSEvent(ctx context.Context, since time.Time, fn func(*DNSEvent) error) error {
	rows, err := s.db.QueryxContext(ctx, s.q(`
		SELECT * FROM dns_events WHERE ts >= ? ORDER BY ts`), since.UTC())
	if err != nil {
		return errors.Wrap(err, "stream dns_events")
	}
	defer rows.Close()

	for rows.Next() {
		var ev DNSEvent
		if err := rows.StructScan(&ev); err != nil {
			return errors.Wrap(err, "scan dns_event")
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "stream dns_events")
}

func (s *store) UpsertTrafficFlow(ctx context.Context, f *FlowUpdate) error {
	isOrphaned := !f.Domain.Valid
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO traffic_flows (
			source_ip, destination_ip, destination_port, protocol,
			domain, bytes_sent, bytes_received, packet_count,
			first_seen, last_update, is_orphaned, is_abnormal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_ip, destination_ip, destination_port, protocol)
		DO UPDATE SET
			bytes_sent = traffic_flows.bytes_sent + excluded.bytes_sent,
			bytes_received = traffic_flows.bytes_received + excluded.bytes_received,
			packet_count = traffic_flows.packet_count + excluded.packet_count,
			last_update = excluded.last_update,
			domain = COALESCE(traffic_flows.domain, excluded.domain),
			is_orphaned = COALESCE(traffic_flows.domain, excluded.domain) IS NULL,
			first_seen = CASE
				WHEN excluded.first_seen < traffic_flows.first_seen
				THEN excluded.first_seen
				ELSE traffic_flows.first_seen
			END,
			is_abnormal = traffic_flows.is_abnormal OR excluded.is_abnormal`),
		f.SourceIP, f.DestinationIP, f.DestinationPort, f.Protocol,
		f.Domain, f.BytesSent, f.BytesReceived, f.PacketCount,
		f.FirstSeen.UTC(), f.LastUpdate.UTC(), isOrphaned, f.IsAbnormal)
	return errors.Wrap(err, "upsert traffic_flow")
}

func (s *store) TrafficByDomain(ctx context.Context, domain string, start, end *time.Time) ([]TrafficFlow, error) {
	query := `SELECT * FROM traffic_flows WHERE domain = ?`
	args := []interface{}{domain}
	if start != nil {
		query += ` AND last_update >= ?`
		args = append(args, start.UTC())
	}
	if end != nil {
		query += ` AND last_update <= ?`
		args = append(args, end.UTC())
	}
	query += ` ORDER BY last_update DESC`

	flows := []TrafficFlow{}
	err := s.db.SelectContext(ctx, &flows, s.q(query), args...)
	return flows, errors.Wrap(err, "traffic by domain")
}

func (s *store) OrphanedIPs(ctx context.Context, start, end time.Time) ([]OrphanedIP, error) {
	results := []OrphanedIP{}
	err := s.db.SelectContext(ctx, &results, s.q(`
		SELECT
			destination_ip,
			SUM(bytes_sent) AS total_bytes_sent,
			SUM(bytes_received) AS total_bytes_received,
			SUM(bytes_sent + bytes_received) AS total_bytes,
			SUM(packet_count) AS total_packets,
			COUNT(*) AS connection_count,
			MIN(first_seen) AS first_seen,
			MAX(last_update) AS last_seen
		FROM traffic_flows
		WHERE is_orphaned AND last_update >= ? AND last_update <= ?
		GROUP BY destination_ip
		ORDER BY total_bytes DESC`), start.UTC(), end.UTC())
	return results, errors.Wrap(err, "orphaned ips")
}

func (s *store) TopDomains(ctx context.Context, limit int, start, end *time.Time) ([]DomainTraffic, error) {
	query := `
		SELECT
			domain,
			COUNT(*) AS flow_count,
			SUM(bytes_sent + bytes_received) AS total_bytes,
			SUM(bytes_sent) AS bytes_sent,
			SUM(bytes_received) AS bytes_received,
			SUM(packet_count) AS total_packets,
			MAX(last_update) AS last_seen
		FROM traffic_flows
		WHERE domain IS NOT NULL`
	args := []interface{}{}
	if start != nil {
		query += ` AND last_update >= ?`
		args = append(args, start.UTC())
	}
	if end != nil {
		query += ` AND last_update <= ?`
		args = append(args, end.UTC())
	}
	query += ` GROUP BY domain ORDER BY total_bytes DESC LIMIT ?`
	args = append(args, limit)

	results := []DomainTraffic{}
	err := s.db.SelectContext(ctx, &results, s.q(query), args...)
	return results, errors.Wrap(err, "top domains")
}

func (s *store) DashboardStats(ctx context.Context, hours int) (*DashboardStats, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats := DashboardStats{PeriodHours: hours}

	err := s.db.GetContext(ctx, &stats.DNSQueries, s.q(`
		SELECT COUNT(*) FROM dns_events WHERE ts >= ?`), cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "dashboard dns count")
	}

	err = s.db.QueryRowxContext(ctx, s.q(`
		SELECT COUNT(*), COALESCE(SUM(bytes_sent + bytes_received), 0)
		FROM traffic_flows WHERE last_update >= ?`), cutoff).
		Scan(&stats.FlowCount, &stats.TotalBytes)
	if err != nil {
		return nil, errors.Wrap(err, "dashboard flow totals")
	}

	active := time.Now().UTC().Add(-5 * time.Minute)
	err = s.db.GetContext(ctx, &stats.ActiveConnections, s.q(`
		SELECT COUNT(*) FROM traffic_flows WHERE last_update >= ?`), active)
	if err != nil {
		return nil, errors.Wrap(err, "dashboard active flows")
	}
	return &stats, nil
}

func (s *store) ReplaceThreatIndicators(ctx context.Context, feedName string, domains, ips []string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin indicator replace")
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		s.q(`DELETE FROM threat_indicators WHERE feed_name = ?`),
		feedName); err != nil {
		return 0, errors.Wrap(err, "delete indicators")
	}

	now := time.Now().UTC()
	insert := func(indicatorType string, values []string) error {
		for start := 0; start < len(values); start += indicatorBatchSize {
			end := start + indicatorBatchSize
			if end > len(values) {
				end = len(values)
			}
			batch := values[start:end]

			placeholders := make([]string, 0, len(batch))
			args := make([]interface{}, 0, len(batch)*5)
			for _, v := range batch {
				placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
				var domain, ip null.String
				if indicatorType == IndicatorDomain {
					domain = null.StringFrom(v)
				} else {
					ip = null.StringFrom(v)
				}
				args = append(args, feedName, indicatorType,
					domain, ip, now)
			}
			query := fmt.Sprintf(`
				INSERT INTO threat_indicators
					(feed_name, indicator_type, domain, ip, created_at)
				VALUES %s`, strings.Join(placeholders, ", "))
			if _, err := tx.ExecContext(ctx, s.q(query), args...); err != nil {
				return errors.Wrap(err, "insert indicators")
			}
		}
		return nil
	}

	if err = insert(IndicatorDomain, domains); err != nil {
		return 0, err
	}
	if err = insert(IndicatorIP, ips); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit indicator replace")
	}
	return len(domains) + len(ips), nil
}

func (s *store) AllThreatIndicators(ctx context.Context) ([]ThreatIndicator, error) {
	indicators := []ThreatIndicator{}
	err := s.db.SelectContext(ctx, &indicators,
		`SELECT * FROM threat_indicators`)
	return indicators, errors.Wrap(err, "all indicators")
}

func (s *store) MatchThreatDomain(ctx context.Context, domain string) (*ThreatIndicator, error) {
	var ind ThreatIndicator
	err := s.db.GetContext(ctx, &ind, s.q(`
		SELECT * FROM threat_indicators
		WHERE indicator_type = ? AND domain = ? LIMIT 1`),
		IndicatorDomain, strings.ToLower(domain))
	if err == sql.ErrNoRows {
		return nil, NotFound("no indicator for domain %s", domain)
	} else if err != nil {
		return nil, errors.Wrap(err, "match domain indicator")
	}
	return &ind, nil
}

func (s *store) MatchThreatIP(ctx context.Context, ip string) (*ThreatIndicator, error) {
	var ind ThreatIndicator
	err := s.db.GetContext(ctx, &ind, s.q(`
		SELECT * FROM threat_indicators
		WHERE indicator_type = ? AND ip = ? LIMIT 1`),
		IndicatorIP, ip)
	if err == sql.ErrNoRows {
		return nil, NotFound("no indicator for ip %s", ip)
	} else if err != nil {
		return nil, errors.Wrap(err, "match ip indicator")
	}
	return &ind, nil
}

func (s *store) AppendThreatAlert(ctx context.Context, alert *ThreatAlert) (int64, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, s.q(`
		INSERT INTO threat_alerts (feed_name, indicator_type, domain, ip,
			query_type, source_ip, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.FeedName, alert.IndicatorType, alert.Domain, alert.IP,
		alert.QueryType, alert.SourceIP, false, alert.CreatedAt.UTC())
	return id, errors.Wrap(err, "append threat_alert")
}

func (s *store) ThreatAlerts(ctx context.Context, limit int, since *time.Time, resolved *bool) ([]ThreatAlert, error) {
	query := `SELECT * FROM threat_alerts WHERE 1 = 1`
	args := []interface{}{}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	if resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, *resolved)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	alerts := []ThreatAlert{}
	err := s.db.SelectContext(ctx, &alerts, s.q(query), args...)
	return alerts, errors.Wrap(err, "query threat_alerts")
}

func (s *store) ThreatAlertKeys(ctx context.Context) ([]AlertKey, error) {
	keys := []AlertKey{}
	err := s.db.SelectContext(ctx, &keys, `
		SELECT DISTINCT feed_name, indicator_type,
			COALESCE(domain, ip, '') AS indicator
		FROM threat_alerts`)
	return keys, errors.Wrap(err, "alert keys")
}

func (s *store) ResolveThreatAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE threat_alerts SET resolved = ?, resolved_at = ?
		WHERE id = ? AND NOT resolved`),
		true, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "resolve threat_alert")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err = s.db.GetContext(ctx, &exists, s.q(
			`SELECT COUNT(*) FROM threat_alerts WHERE id = ?`), id)
		if err == nil && exists == 0 {
			return NotFound("no alert with id %d", id)
		}
	}
	return nil
}

// ResolveAlertsByIndicator resolves open alerts matching the given domain
// (including its subdomains) or IP.  Either argument may be empty.
func (s *store) ResolveAlertsByIndicator(ctx context.Context, domain, ip string) (int64, error) {
	now := time.Now().UTC()
	var total int64

	if domain != "" {
		d := strings.ToLower(domain)
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE threat_alerts SET resolved = ?, resolved_at = ?
			WHERE NOT resolved AND (domain = ? OR domain LIKE ?)`),
			true, now, d, "%."+d)
		if err != nil {
			return total, errors.Wrap(err, "resolve alerts by domain")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if ip != "" {
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE threat_alerts SET resolved = ?, resolved_at = ?
			WHERE NOT resolved AND ip = ?`),
			true, now, ip)
		if err != nil {
			return total, errors.Wrap(err, "resolve alerts by ip")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *store) UpsertThreatFeed(ctx context.Context, feed *ThreatFeed) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO threat_feeds (feed_name, source_url, enabled,
			last_update, indicator_count, last_error, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_name) DO UPDATE SET
			source_url = excluded.source_url,
			enabled = excluded.enabled,
			last_update = excluded.last_update,
			indicator_count = excluded.indicator_count,
			last_error = excluded.last_error,
			config = excluded.config`),
		feed.FeedName, feed.SourceURL, feed.Enabled, feed.LastUpdate,
		feed.IndicatorCount, feed.LastError, feed.Config)
	return errors.Wrap(err, "upsert threat_feed")
}

func (s *store) ThreatFeeds(ctx context.Context) ([]ThreatFeed, error) {
	feeds := []ThreatFeed{}
	err := s.db.SelectContext(ctx, &feeds,
		`SELECT * FROM threat_feeds ORDER BY feed_name`)
	return feeds, errors.Wrap(err, "list threat_feeds")
}

func (s *store) SetThreatFeedEnabled(ctx context.Context, feedName string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE threat_feeds SET enabled = ? WHERE feed_name = ?`),
		enabled, feedName)
	if err != nil {
		return errors.Wrap(err, "toggle threat_feed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("no feed named %s", feedName)
	}
	return nil
}

func (s *store) AddWhitelistEntry(ctx context.Context, entry *WhitelistEntry) (int64, bool, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Domain.Valid {
		entry.Domain = null.StringFrom(strings.ToLower(entry.Domain.String))
	}

	id, err := s.insertID(ctx, s.q(`
		INSERT INTO threat_whitelist (indicator_type, domain, ip, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		entry.IndicatorType, entry.Domain, entry.IP, entry.Reason,
		entry.CreatedAt.UTC())
	if err == nil {
		return id, false, nil
	}
	if !s.isUniqueViolation(errors.Cause(err)) {
		return 0, false, errors.Wrap(err, "add whitelist entry")
	}

	// Already whitelisted; hand back the existing row's id.
	var existing WhitelistEntry
	query := `SELECT * FROM threat_whitelist WHERE indicator_type = ?`
	args := []interface{}{entry.IndicatorType}
	if entry.Domain.Valid {
		query += ` AND domain = ?`
		args = append(args, entry.Domain)
	} else {
		query += ` AND ip = ?`
		args = append(args, entry.IP)
	}
	if err := s.db.GetContext(ctx, &existing, s.q(query), args...); err != nil {
		return 0, false, errors.Wrap(err, "find existing whitelist entry")
	}
	return existing.ID, true, nil
}

func (s *store) RemoveWhitelistEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM threat_whitelist WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "remove whitelist entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("no whitelist entry with id %d", id)
	}
	return nil
}

func (s *store) WhitelistEntries(ctx context.Context) ([]WhitelistEntry, error) {
	entries := []WhitelistEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM threat_whitelist ORDER BY id`)
	return entries, errors.Wrap(err, "list whitelist")
}

func (s *store) SaveWhois(ctx context.Context, domain string, data json.RawMessage, updated time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO whois_data (domain, whois_data, whois_updated_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			whois_data = excluded.whois_data,
			whois_updated_at = excluded.whois_updated_at`),
		strings.ToLower(domain), string(data), updated.UTC(), updated.UTC())
	return errors.Wrap(err, "save whois")
}

func (s *store) WhoisByDomain(ctx context.Context, domain string) (*WhoisRecord, error) {
	var rec WhoisRecord
	err := s.db.GetContext(ctx, &rec, s.q(`
		SELECT * FROM whois_data WHERE domain = ?`),
		strings.ToLower(domain))
	if err == sql.ErrNoRows {
		return nil, NotFound("no whois data for %s", domain)
	} else if err != nil {
		return nil, errors.Wrap(err, "get whois")
	}
	return &rec, nil
}

func (s *store) CreateUser(ctx context.Context, u *User) (int64, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, s.q(`
		INSERT INTO users (username, email, hashed_password,
			is_admin, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.Username, u.Email, u.HashedPassword, u.IsAdmin, u.IsActive,
		u.CreatedAt.UTC())
	return id, errors.Wrap(err, "create user")
}

func (s *store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		s.q(`SELECT * FROM users WHERE username = ?`), username)
	if err == sql.ErrNoRows {
		return nil, NotFound("no user %s", username)
	} else if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

func (s *store) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		s.q(`SELECT * FROM users WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, NotFound("no user with id %d", id)
	} else if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

func (s *store) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		s.q(`SELECT value FROM settings WHERE key = ?`), key)
	if err == sql.ErrNoRows {
		return nil, NotFound("no setting %s", key)
	} else if err != nil {
		return nil, errors.Wrap(err, "get setting")
	}
	return json.RawMessage(value), nil
}

func (s *store) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, string(value))
	return errors.Wrap(err, "set setting")
}
