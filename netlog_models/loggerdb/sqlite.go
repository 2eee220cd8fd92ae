/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package loggerdb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SqliteDB implements DataStore on SQLite, for single-box deployments and
// tests.
type SqliteDB struct {
	store
}

// NewSqlite opens (creating if necessary) a SQLite database at path.  Pass
// ":memory:" for an ephemeral store.
func NewSqlite(path string) (*SqliteDB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_loc=UTC&_busy_timeout=10000&_journal_mode=WAL"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect sqlite")
	}
	// The driver serializes writes anyway; a single connection avoids
	// SQLITE_BUSY and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &SqliteDB{store: store{db: db}}
	s.isUniqueViolation = func(err error) bool {
		sqErr, ok := err.(sqlite3.Error)
		return ok && sqErr.Code == sqlite3.ErrConstraint
	}
	s.insertID = func(ctx context.Context, query string, args ...interface{}) (int64, error) {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dns_lookups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	resolved_ips TEXT NOT NULL DEFAULT '[]',
	first_seen TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL,
	UNIQUE (domain, query_type)
);
CREATE INDEX IF NOT EXISTS dns_lookups_last_seen ON dns_lookups (last_seen);

CREATE TABLE IF NOT EXISTS dns_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	destination_ip TEXT NOT NULL,
	answers TEXT NOT NULL DEFAULT '[]',
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS dns_events_ts ON dns_events (ts);
CREATE INDEX IF NOT EXISTS dns_events_domain ON dns_events (domain);

CREATE TABLE IF NOT EXISTS traffic_flows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_ip TEXT NOT NULL,
	destination_ip TEXT NOT NULL,
	destination_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	domain TEXT,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	packet_count INTEGER NOT NULL DEFAULT 0,
	first_seen TIMESTAMP NOT NULL,
	last_update TIMESTAMP NOT NULL,
	is_orphaned BOOLEAN NOT NULL DEFAULT 0,
	is_abnormal BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE (source_ip, destination_ip, destination_port, protocol)
);
CREATE INDEX IF NOT EXISTS traffic_flows_last_update
	ON traffic_flows (last_update);
CREATE INDEX IF NOT EXISTS traffic_flows_domain ON traffic_flows (domain);

CREATE TABLE IF NOT EXISTS threat_indicators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_name TEXT NOT NULL,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS threat_indicators_domain
	ON threat_indicators (domain);
CREATE INDEX IF NOT EXISTS threat_indicators_ip ON threat_indicators (ip);
CREATE INDEX IF NOT EXISTS threat_indicators_feed
	ON threat_indicators (feed_name);

CREATE TABLE IF NOT EXISTS threat_feeds (
	feed_name TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	last_update TIMESTAMP,
	indicator_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	config TEXT
);

CREATE TABLE IF NOT EXISTS threat_alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_name TEXT NOT NULL,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	query_type TEXT NOT NULL DEFAULT '',
	source_ip TEXT NOT NULL DEFAULT '',
	resolved BOOLEAN NOT NULL DEFAULT 0,
	resolved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS threat_alerts_created ON threat_alerts (created_at);

CREATE TABLE IF NOT EXISTS threat_whitelist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	reason TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS threat_whitelist_indicator
	ON threat_whitelist (indicator_type, COALESCE(domain, ''), COALESCE(ip, ''));

CREATE TABLE IF NOT EXISTS whois_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL UNIQUE,
	whois_data TEXT,
	whois_updated_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	hashed_password TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// CreateTables creates the schema if not already present.
func (s *SqliteDB) CreateTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return errors.Wrap(err, "create sqlite schema")
}

// DomainByIP returns the domain most recently observed resolving to ip.
// Candidates must have been seen at or after since; when firstSeenBefore
// is set, lookups first seen after that instant are excluded so a flow
// that predates the DNS answer cannot be bound to it.
func (s *SqliteDB) DomainByIP(ctx context.Context, ip string, since time.Time, firstSeenBefore *time.Time) (string, error) {
	query := `
		SELECT domain FROM dns_lookups
		WHERE EXISTS (
			SELECT 1 FROM json_each(dns_lookups.resolved_ips)
			WHERE json_each.value = ?
		) AND last_seen >= ?`
	args := []interface{}{ip, since.UTC()}
	if firstSeenBefore != nil {
		query += ` AND first_seen <= ?`
		args = append(args, firstSeenBefore.UTC())
	}
	query += ` ORDER BY last_seen DESC, first_seen DESC LIMIT 1`

	var domain string
	err := s.db.GetContext(ctx, &domain, query, args...)
	if err == sql.ErrNoRows {
		return "", NotFound("no domain for ip %s", ip)
	} else if err != nil {
		return "", errors.Wrap(err, "domain by ip")
	}
	return domain, nil
}

// SearchDomains returns lookups whose domain contains the query substring.
// SQLite LIKE is case-insensitive for ASCII, matching the postgres ILIKE
// behavior.
func (s *SqliteDB) SearchDomains(ctx context.Context, query string, limit int) ([]DNSLookup, error) {
	lookups := []DNSLookup{}
	err := s.db.SelectContext(ctx, &lookups, `
		SELECT * FROM dns_lookups
		WHERE domain LIKE ?
		ORDER BY last_seen DESC LIMIT ?`,
		"%"+query+"%", limit)
	return lookups, errors.Wrap(err, "search domains")
}
