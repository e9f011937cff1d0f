package sqlstore

import (
	"strconv"
	"strings"
)

// dialect holds the differences between SQLite and PostgreSQL
type dialect struct {
	name       string
	migrations []string
	forUpdate  string
	numbered   bool
}

var sqliteDialect = dialect{
	name: "sqlite3",
	migrations: []string{
		migrationCampaigns,
		migrationRecipients,
		`CREATE TABLE IF NOT EXISTS send_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,` + attemptColumns,
		migrationIndexes,
	},
}

var postgresDialect = dialect{
	name: "postgres",
	migrations: []string{
		migrationCampaigns,
		migrationRecipients,
		`CREATE TABLE IF NOT EXISTS send_attempts (
    id BIGSERIAL PRIMARY KEY,` + attemptColumns,
		migrationIndexes,
	},
	forUpdate: " FOR UPDATE",
	numbered:  true,
}

// rebind rewrites ? placeholders as $n for PostgreSQL
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    status TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    pending INTEGER NOT NULL DEFAULT 0,
    sending INTEGER NOT NULL DEFAULT 0,
    sent INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    permanently_failed INTEGER NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    started_at BIGINT NOT NULL DEFAULT 0,
    completed_at BIGINT NOT NULL DEFAULT 0
)`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    id BIGINT NOT NULL,
    email TEXT NOT NULL,
    email_key TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_error_class TEXT NOT NULL DEFAULT '',
    last_attempt_at BIGINT NOT NULL DEFAULT 0,
    next_attempt_at BIGINT NOT NULL DEFAULT 0,
    sent_at BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (campaign_id, id),
    UNIQUE (campaign_id, email_key)
)`

const attemptColumns = `
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    recipient_id BIGINT NOT NULL,
    number INTEGER NOT NULL,
    ts BIGINT NOT NULL,
    outcome TEXT NOT NULL,
    class TEXT NOT NULL DEFAULT '',
    code INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    latency_ns BIGINT NOT NULL DEFAULT 0
)`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_recipients_pending
    ON recipients (campaign_id, status, next_attempt_at)`
