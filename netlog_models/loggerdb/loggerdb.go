/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package loggerdb is the persistence layer for the network logger: DNS
// events and lookup summaries, aggregated traffic flows, threat
// intelligence, WHOIS cache, users, and settings.
//
// DataStore facilitates mocking the database; PostgresDB and SqliteDB are
// the real backends, side by side.
package loggerdb

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null"
	"github.com/pkg/errors"
)

// DataStore enumerates every operation the daemon and the API need from
// the database.
type DataStore interface {
	CreateTables(ctx context.Context) error

	// DNS lookup summaries, one row per (domain, query_type).
	UpsertDNSLookup(ctx context.Context, domain, queryType string, resolvedIPs []string, seen time.Time) error
	TouchDNSLookup(ctx context.Context, domain, queryType string, seen time.Time) error
	DNSLookupByDomain(ctx context.Context, domain string) (*DNSLookup, error)
	DomainByIP(ctx context.Context, ip string, since time.Time, firstSeenBefore *time.Time) (string, error)
	SearchDomains(ctx context.Context, query string, limit int) ([]DNSLookup, error)
	RecentDNSLookups(ctx context.Context, limit int, since *time.Time) ([]DNSLookup, error)

	// Append-only DNS event log.
	AppendDNSEvent(ctx context.Context, ev *DNSEvent) error
	DNSEvents(ctx context.Context, filter DNSEventFilter) ([]DNSEvent, error)
	ForEachDNSEvent(ctx context.Context, since time.Time, fn func(*DNSEvent) error) error

	// Traffic flows.
	UpsertTrafficFlow(ctx context.Context, f *FlowUpdate) error
	TrafficByDomain(ctx context.Context, domain string, start, end *time.Time) ([]TrafficFlow, error)
	OrphanedIPs(ctx context.Context, start, end time.Time) ([]OrphanedIP, error)
	TopDomains(ctx context.Context, limit int, start, end *time.Time) ([]DomainTraffic, error)
	DashboardStats(ctx context.Context, hours int) (*DashboardStats, error)

	// Threat intelligence.
	ReplaceThreatIndicators(ctx context.Context, feedName string, domains, ips []string) (int, error)
	AllThreatIndicators(ctx context.Context) ([]ThreatIndicator, error)
	MatchThreatDomain(ctx context.Context, domain string) (*ThreatIndicator, error)
	MatchThreatIP(ctx context.Context, ip string) (*ThreatIndicator, error)
	AppendThreatAlert(ctx context.Context, alert *ThreatAlert) (int64, error)
	ThreatAlerts(ctx context.Context, limit int, since *time.Time, resolved *bool) ([]ThreatAlert, error)
	ThreatAlertKeys(ctx context.Context) ([]AlertKey, error)
	ResolveThreatAlert(ctx context.Context, id int64) error
	ResolveAlertsByIndicator(ctx context.Context, domain, ip string) (int64, error)
	UpsertThreatFeed(ctx context.Context, feed *ThreatFeed) error
	ThreatFeeds(ctx context.Context) ([]ThreatFeed, error)
	SetThreatFeedEnabled(ctx context.Context, feedName string, enabled bool) error

	// Whitelist.
	AddWhitelistEntry(ctx context.Context, entry *WhitelistEntry) (id int64, existing bool, err error)
	RemoveWhitelistEntry(ctx context.Context, id int64) error
	WhitelistEntries(ctx context.Context) ([]WhitelistEntry, error)

	// WHOIS cache.
	SaveWhois(ctx context.Context, domain string, data json.RawMessage, updated time.Time) error
	WhoisByDomain(ctx context.Context, domain string) (*WhoisRecord, error)

	// Users.
	CreateUser(ctx context.Context, u *User) (int64, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByID(ctx context.Context, id int64) (*User, error)

	// Settings.
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error

	Ping() error
	Close() error
}

// NotFoundError is returned when the requested resource is not present in
// the database.
type NotFoundError struct {
	s string
}

func (e NotFoundError) Error() string {
	return e.s
}

// NotFound constructs a NotFoundError.
func NotFound(format string, args ...interface{}) NotFoundError {
	return NotFoundError{s: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := errors.Cause(err).(NotFoundError)
	return ok
}

// StringList is a JSON-encoded array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.Errorf("cannot scan %T into StringList", src)
	}
}

// ScanTime is a timestamp read back from an aggregate expression.
// SQLite loses the column affinity on MIN/MAX results and hands the
// driver's text form back, so the scanner accepts both.
type ScanTime struct {
	time.Time
}

var scanTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
}

// Scan implements sql.Scanner.
func (t *ScanTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return errors.Errorf("cannot scan %T into ScanTime", src)
	}
}

func (t *ScanTime) parse(s string) error {
	for _, layout := range scanTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return errors.Errorf("cannot parse timestamp %q", s)
}

// DNSLookup is the summary row for one (domain, query_type) pair.
// FirstSeen never changes after insert; LastSeen only advances.
type DNSLookup struct {
	ID          int64      `db:"id" json:"id"`
	Domain      string     `db:"domain" json:"domain"`
	QueryType   string     `db:"query_type" json:"query_type"`
	ResolvedIPs StringList `db:"resolved_ips" json:"resolved_ips"`
	FirstSeen   time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen    time.Time  `db:"last_seen" json:"last_seen"`
}

// DNSEvent is one observed query or response.
type DNSEvent struct {
	ID            int64      `db:"id" json:"id"`
	EventType     string     `db:"event_type" json:"event_type"`
	Domain        string     `db:"domain" json:"domain"`
	QueryType     string     `db:"query_type" json:"query_type"`
	SourceIP      string     `db:"source_ip" json:"source_ip"`
	DestinationIP string     `db:"destination_ip" json:"destination_ip"`
	Answers       StringList `db:"answers" json:"answers"`
	Timestamp     time.Time  `db:"ts" json:"timestamp"`
}

// DNSEventFilter restricts a DNSEvents query.
type DNSEventFilter struct {
	Limit     int
	Since     *time.Time
	SourceIP  string
	Domain    string
	EventType string
}

// TrafficFlow is one canonical client/server conversation.
type TrafficFlow struct {
	ID              int64       `db:"id" json:"id"`
	SourceIP        string      `db:"source_ip" json:"source_ip"`
	DestinationIP   string      `db:"destination_ip" json:"destination_ip"`
	DestinationPort int         `db:"destination_port" json:"destination_port"`
	Protocol        string      `db:"protocol" json:"protocol"`
	Domain          null.String `db:"domain" json:"domain"`
	BytesSent       int64       `db:"bytes_sent" json:"bytes_sent"`
	BytesReceived   int64       `db:"bytes_received" json:"bytes_received"`
	PacketCount     int64       `db:"packet_count" json:"packet_count"`
	FirstSeen       time.Time   `db:"first_seen" json:"first_seen"`
	LastUpdate      time.Time   `db:"last_update" json:"last_update"`
	IsOrphaned      bool        `db:"is_orphaned" json:"is_orphaned"`
	IsAbnormal      bool        `db:"is_abnormal" json:"is_abnormal"`
}

// FlowUpdate carries one flush delta for a flow.  Counters are summed into
// the existing row; FirstSeen takes the minimum; the domain binding is
// sticky once set.
type FlowUpdate struct {
	SourceIP        string
	DestinationIP   string
	DestinationPort int
	Protocol        string
	Domain          null.String
	BytesSent       int64
	BytesReceived   int64
	PacketCount     int64
	FirstSeen       time.Time
	LastUpdate      time.Time
	IsAbnormal      bool
}

// OrphanedIP aggregates flows that never acquired a DNS binding, grouped
// by destination.
type OrphanedIP struct {
	DestinationIP      string    `db:"destination_ip" json:"destination_ip"`
	TotalBytesSent     int64     `db:"total_bytes_sent" json:"total_bytes_sent"`
	TotalBytesReceived int64     `db:"total_bytes_received" json:"total_bytes_received"`
	TotalBytes         int64     `db:"total_bytes" json:"total_bytes"`
	TotalPackets       int64     `db:"total_packets" json:"total_packets"`
	ConnectionCount    int64     `db:"connection_count" json:"connection_count"`
	FirstSeen          ScanTime  `db:"first_seen" json:"first_seen"`
	LastSeen           ScanTime  `db:"last_seen" json:"last_seen"`
}

// DomainTraffic is a per-domain traffic rollup.
type DomainTraffic struct {
	Domain        string    `db:"domain" json:"domain"`
	FlowCount     int64     `db:"flow_count" json:"flow_count"`
	TotalBytes    int64     `db:"total_bytes" json:"total_bytes"`
	BytesSent     int64     `db:"bytes_sent" json:"bytes_sent"`
	BytesReceived int64     `db:"bytes_received" json:"bytes_received"`
	TotalPackets  int64     `db:"total_packets" json:"total_packets"`
	LastSeen      ScanTime  `db:"last_seen" json:"last_seen"`
}

// DashboardStats summarizes recent activity.
type DashboardStats struct {
	DNSQueries        int64 `db:"dns_queries" json:"dns_queries"`
	TotalBytes        int64 `db:"total_bytes" json:"total_bytes"`
	FlowCount         int64 `db:"flow_count" json:"flow_count"`
	ActiveConnections int64 `db:"active_connections" json:"active_connections"`
	PeriodHours       int   `json:"period_hours"`
}

// Indicator types.
const (
	IndicatorDomain = "domain"
	IndicatorIP     = "ip"
)

// ThreatIndicator is one feed entry; unique over (feed, type, domain, ip).
type ThreatIndicator struct {
	ID            int64       `db:"id" json:"id"`
	FeedName      string      `db:"feed_name" json:"feed_name"`
	IndicatorType string      `db:"indicator_type" json:"indicator_type"`
	Domain        null.String `db:"domain" json:"domain"`
	IP            null.String `db:"ip" json:"ip"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// ThreatFeed is feed metadata; indicators live in threat_indicators.
type ThreatFeed struct {
	FeedName       string      `db:"feed_name" json:"feed_name"`
	SourceURL      string      `db:"source_url" json:"source_url"`
	Enabled        bool        `db:"enabled" json:"enabled"`
	LastUpdate     null.Time   `db:"last_update" json:"last_update"`
	IndicatorCount int64       `db:"indicator_count" json:"indicator_count"`
	LastError      null.String `db:"last_error" json:"last_error"`
	Config         null.String `db:"config" json:"config"`
}

// ThreatAlert is one alert log row.
type ThreatAlert struct {
	ID            int64       `db:"id" json:"id"`
	FeedName      string      `db:"feed_name" json:"feed_name"`
	IndicatorType string      `db:"indicator_type" json:"indicator_type"`
	Domain        null.String `db:"domain" json:"domain"`
	IP            null.String `db:"ip" json:"ip"`
	QueryType     string      `db:"query_type" json:"query_type"`
	SourceIP      string      `db:"source_ip" json:"source_ip"`
	Resolved      bool        `db:"resolved" json:"resolved"`
	ResolvedAt    null.Time   `db:"resolved_at" json:"resolved_at"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// AlertKey identifies the (indicator, feed, type) triple of an alert, used
// by the historical rescan to avoid duplicates.
type AlertKey struct {
	FeedName      string `db:"feed_name"`
	IndicatorType string `db:"indicator_type"`
	Indicator     string `db:"indicator"`
}

// WhitelistEntry suppresses alerts for one indicator; at most one row per
// normalized indicator.
type WhitelistEntry struct {
	ID            int64       `db:"id" json:"id"`
	IndicatorType string      `db:"indicator_type" json:"indicator_type"`
	Domain        null.String `db:"domain" json:"domain"`
	IP            null.String `db:"ip" json:"ip"`
	Reason        null.String `db:"reason" json:"reason"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// Indicator returns the entry's normalized indicator value.
func (w *WhitelistEntry) Indicator() string {
	if w.IndicatorType == IndicatorIP {
		return w.IP.ValueOrZero()
	}
	return strings.ToLower(w.Domain.ValueOrZero())
}

// WhoisRecord is cached WHOIS data for one domain.
type WhoisRecord struct {
	ID        int64           `db:"id" json:"id"`
	Domain    string          `db:"domain" json:"domain"`
	Data      json.RawMessage `db:"whois_data" json:"whois_data"`
	UpdatedAt time.Time       `db:"whois_updated_at" json:"whois_updated_at"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// User is an API account.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	Email          string    `db:"email" json:"email"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	IsAdmin        bool      `db:"is_admin" json:"is_admin"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// New opens a store of the configured type.  dsn is a lib/pq connection
// string for "postgresql" and a file path for "sqlite".
func New(dbType, dsn string) (DataStore, error) {
	switch strings.ToLower(dbType) {
	case "postgresql", "postgres":
		return NewPostgres(dsn)
	case "sqlite", "sqlite3":
		return NewSqlite(dsn)
	default:
		return nil, errors.Errorf("unsupported database type %q", dbType)
	}
}
