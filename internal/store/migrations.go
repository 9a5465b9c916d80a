package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS last_run (
	integration_id TEXT PRIMARY KEY,
	version        INTEGER NOT NULL,
	cursor         TEXT NOT NULL DEFAULT '{}',
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
	id             TEXT PRIMARY KEY,
	integration_id TEXT NOT NULL,
	mirror_id      TEXT NOT NULL,
	name           TEXT NOT NULL,
	occurred       TEXT NOT NULL DEFAULT '',
	severity       INTEGER NOT NULL DEFAULT 0,
	details        TEXT NOT NULL DEFAULT '',
	labels         TEXT NOT NULL DEFAULT '[]',
	attachments    TEXT NOT NULL DEFAULT '[]',
	raw_json       TEXT NOT NULL DEFAULT '',
	closed         INTEGER NOT NULL DEFAULT 0,
	mirror_error   TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (integration_id, mirror_id)
);

CREATE INDEX IF NOT EXISTS idx_incidents_integration ON incidents(integration_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	type        INTEGER NOT NULL,
	format      TEXT NOT NULL DEFAULT '',
	contents    TEXT NOT NULL DEFAULT '',
	note        INTEGER NOT NULL DEFAULT 0,
	file_id     TEXT REFERENCES files(id),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entries_incident ON entries(incident_id);

CREATE TABLE IF NOT EXISTS mirror_state (
	integration_id TEXT PRIMARY KEY,
	last_mirror    DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
