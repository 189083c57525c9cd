package sqlstore

import "strings"

// schema is written in the common subset of SQLite, MySQL and PostgreSQL:
// timestamps and JSON are TEXT, keys are bounded VARCHARs so MySQL can index
// them, and all constraints are declared inline.
const schema = `
CREATE TABLE IF NOT EXISTS mappings (
    job_id VARCHAR(128) NOT NULL,
    step_name VARCHAR(64) NOT NULL,
    external_id VARCHAR(255) NOT NULL,
    internal_id VARCHAR(255) NOT NULL,
    created_at VARCHAR(40) NOT NULL,
    PRIMARY KEY (job_id, step_name, external_id)
);

CREATE TABLE IF NOT EXISTS job_data (
    job_id VARCHAR(128) NOT NULL,
    data_key VARCHAR(128) NOT NULL,
    value TEXT NOT NULL,
    updated_at VARCHAR(40) NOT NULL,
    PRIMARY KEY (job_id, data_key)
);

CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(128) NOT NULL PRIMARY KEY,
    workspace_slug VARCHAR(128) NOT NULL,
    project_id VARCHAR(128) NOT NULL,
    source VARCHAR(64) NOT NULL,
    credential_id VARCHAR(128) NOT NULL DEFAULT '',
    config TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    error TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    cancelled_at VARCHAR(40),
    created_at VARCHAR(40) NOT NULL,
    updated_at VARCHAR(40) NOT NULL
);

CREATE TABLE IF NOT EXISTS job_states (
    job_id VARCHAR(128) NOT NULL PRIMARY KEY,
    state TEXT NOT NULL,
    updated_at VARCHAR(40) NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_connections (
    id VARCHAR(128) NOT NULL PRIMARY KEY,
    workspace_id VARCHAR(128) NOT NULL,
    workspace_slug VARCHAR(128) NOT NULL,
    connection_type VARCHAR(64) NOT NULL,
    base_url VARCHAR(255) NOT NULL DEFAULT '',
    credential_id VARCHAR(128) NOT NULL,
    disabled_at VARCHAR(40),
    UNIQUE (workspace_slug, connection_type)
);

CREATE TABLE IF NOT EXISTS credentials (
    id VARCHAR(128) NOT NULL PRIMARY KEY,
    workspace_id VARCHAR(128) NOT NULL,
    user_id VARCHAR(128) NOT NULL,
    source VARCHAR(64) NOT NULL,
    source_access_token TEXT NOT NULL,
    target_access_token TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_connections (
    id VARCHAR(128) NOT NULL PRIMARY KEY,
    workspace_connection_id VARCHAR(128) NOT NULL,
    workspace_id VARCHAR(128) NOT NULL,
    workspace_slug VARCHAR(128) NOT NULL,
    project_id VARCHAR(128) NOT NULL,
    issue_id VARCHAR(128) NOT NULL,
    entity_id VARCHAR(128) NOT NULL,
    entity_slug VARCHAR(255) NOT NULL,
    entity_type VARCHAR(64) NOT NULL,
    type VARCHAR(64) NOT NULL,
    config TEXT NOT NULL,
    disabled_at VARCHAR(40),
    created_at VARCHAR(40) NOT NULL,
    updated_at VARCHAR(40) NOT NULL,
    UNIQUE (type, entity_id, project_id, issue_id, entity_type)
)
`

func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
