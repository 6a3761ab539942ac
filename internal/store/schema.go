package store

import "strings"

// schemaTemplate uses {{ID}}, {{TS}} and {{JSON}} for the column types that
// differ between SQLite and PostgreSQL.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS projects (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	ecosystem TEXT NOT NULL,
	created_at {{TS}} NOT NULL,
	updated_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id {{ID}},
	external_id TEXT NOT NULL UNIQUE,
	summary TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	modified {{TS}},
	details {{JSON}},
	created_at {{TS}} NOT NULL,
	updated_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS project_dependencies (
	id {{ID}},
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	dependency_id BIGINT NOT NULL REFERENCES dependencies(id),
	version TEXT NOT NULL,
	last_scanned_at {{TS}},
	scan_result {{JSON}},
	UNIQUE(project_id, dependency_id, version)
);

CREATE TABLE IF NOT EXISTS project_dependency_vulnerabilities (
	project_dependency_id BIGINT NOT NULL REFERENCES project_dependencies(id) ON DELETE CASCADE,
	vulnerability_id BIGINT NOT NULL REFERENCES vulnerabilities(id),
	PRIMARY KEY (project_dependency_id, vulnerability_id)
);

CREATE INDEX IF NOT EXISTS idx_project_dependencies_project ON project_dependencies(project_id);
CREATE INDEX IF NOT EXISTS idx_project_dependencies_dependency ON project_dependencies(dependency_id);
CREATE INDEX IF NOT EXISTS idx_pdv_vulnerability ON project_dependency_vulnerabilities(vulnerability_id);
`

func schema(d Dialect) string {
	var r *strings.Replacer
	if d == DialectPostgres {
		r = strings.NewReplacer(
			"{{ID}}", "BIGSERIAL PRIMARY KEY",
			"{{TS}}", "TIMESTAMPTZ",
			"{{JSON}}", "JSONB",
		)
	} else {
		r = strings.NewReplacer(
			"{{ID}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{TS}}", "TIMESTAMP",
			"{{JSON}}", "TEXT",
		)
	}
	return r.Replace(schemaTemplate)
}
