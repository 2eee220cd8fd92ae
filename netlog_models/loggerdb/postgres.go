/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package loggerdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresDB implements DataStore on PostgreSQL.
type PostgresDB struct {
	store
}

// NewPostgres connects to a PostgreSQL database using a lib/pq connection
// string.
func NewPostgres(dsn string) (*PostgresDB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	p := &PostgresDB{store: store{db: db}}
	p.isUniqueViolation = func(err error) bool {
		pqErr, ok := err.(*pq.Error)
		return ok && pqErr.Code == "23505"
	}
	p.insertID = func(ctx context.Context, query string, args ...interface{}) (int64, error) {
		var id int64
		err := db.GetContext(ctx, &id, query+" RETURNING id", args...)
		return id, err
	}
	return p, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dns_lookups (
	id BIGSERIAL PRIMARY KEY,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	resolved_ips JSONB NOT NULL DEFAULT '[]',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	UNIQUE (domain, query_type)
);
CREATE INDEX IF NOT EXISTS dns_lookups_last_seen ON dns_lookups (last_seen);
CREATE INDEX IF NOT EXISTS dns_lookups_resolved_ips
	ON dns_lookups USING GIN (resolved_ips);

CREATE TABLE IF NOT EXISTS dns_events (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	destination_ip TEXT NOT NULL,
	answers JSONB NOT NULL DEFAULT '[]',
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dns_events_ts ON dns_events (ts);
CREATE INDEX IF NOT EXISTS dns_events_domain ON dns_events (domain);

CREATE TABLE IF NOT EXISTS traffic_flows (
	id BIGSERIAL PRIMARY KEY,
	source_ip TEXT NOT NULL,
	destination_ip TEXT NOT NULL,
	destination_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	domain TEXT,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	packet_count BIGINT NOT NULL DEFAULT 0,
	first_seen TIMESTAMPTZ NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	is_orphaned BOOLEAN NOT NULL DEFAULT FALSE,
	is_abnormal BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (source_ip, destination_ip, destination_port, protocol)
);
CREATE INDEX IF NOT EXISTS traffic_flows_last_update
	ON traffic_flows (last_update);
CREATE INDEX IF NOT EXISTS traffic_flows_domain ON traffic_flows (domain);
CREATE INDEX IF NOT EXISTS traffic_flows_orphaned
	ON traffic_flows (destination_ip) WHERE is_orphaned;

CREATE TABLE IF NOT EXISTS threat_indicators (
	id BIGSERIAL PRIMARY KEY,
	feed_name TEXT NOT NULL,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS threat_indicators_domain
	ON threat_indicators (domain) WHERE domain IS NOT NULL;
CREATE INDEX IF NOT EXISTS threat_indicators_ip
	ON threat_indicators (ip) WHERE ip IS NOT NULL;
CREATE INDEX IF NOT EXISTS threat_indicators_feed
	ON threat_indicators (feed_name);

CREATE TABLE IF NOT EXISTS threat_feeds (
	feed_name TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_update TIMESTAMPTZ,
	indicator_count BIGINT NOT NULL DEFAULT 0,
	last_error TEXT,
	config TEXT
);

CREATE TABLE IF NOT EXISTS threat_alerts (
	id BIGSERIAL PRIMARY KEY,
	feed_name TEXT NOT NULL,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	query_type TEXT NOT NULL DEFAULT '',
	source_ip TEXT NOT NULL DEFAULT '',
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS threat_alerts_created ON threat_alerts (created_at);

CREATE TABLE IF NOT EXISTS threat_whitelist (
	id BIGSERIAL PRIMARY KEY,
	indicator_type TEXT NOT NULL,
	domain TEXT,
	ip TEXT,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS threat_whitelist_indicator
	ON threat_whitelist (indicator_type, COALESCE(domain, ''), COALESCE(ip, ''));

CREATE TABLE IF NOT EXISTS whois_data (
	id BIGSERIAL PRIMARY KEY,
	domain TEXT NOT NULL UNIQUE,
	whois_data TEXT,
	whois_updated_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	hashed_password TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// CreateTables creates the schema if not already present.
func (p *PostgresDB) CreateTables(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return errors.Wrap(err, "create postgres schema")
}

// DomainByIP returns the domain most recently observed resolving to ip.
// Candidates must have been seen at or after since; when firstSeenBefore
// is set, lookups first seen after that instant are excluded so a flow
// that predates the DNS answer cannot be bound to it.
func (p *PostgresDB) DomainByIP(ctx context.Context, ip string, since time.Time, firstSeenBefore *time.Time) (string, error) {
	needle, err := json.Marshal([]string{ip})
	if err != nil {
		return "", errors.Wrap(err, "encode ip needle")
	}

	query := `
		SELECT domain FROM dns_lookups
		WHERE resolved_ips @> ?::jsonb AND last_seen >= ?`
	args := []interface{}{string(needle), since.UTC()}
	if firstSeenBefore != nil {
		query += ` AND first_seen <= ?`
		args = append(args, firstSeenBefore.UTC())
	}
	query += ` ORDER BY last_seen DESC, first_seen DESC LIMIT 1`

	var domain string
	err = p.db.GetContext(ctx, &domain, p.q(query), args...)
	if err == sql.ErrNoRows {
		return "", NotFound("no domain for ip %s", ip)
	} else if err != nil {
		return "", errors.Wrap(err, "domain by ip")
	}
	return domain, nil
}

// SearchDomains returns lookups whose domain contains the query substring,
// case-insensitively.
func (p *PostgresDB) SearchDomains(ctx context.Context, query string, limit int) ([]DNSLookup, error) {
	lookups := []DNSLookup{}
	err := p.db.SelectContext(ctx, &lookups, p.q(`
		SELECT * FROM dns_lookups
		WHERE domain ILIKE ?
		ORDER BY last_seen DESC LIMIT ?`),
		"%"+query+"%", limit)
	return lookups, errors.Wrap(err, "search domains")
}
