package migrate

// Catalog returns the engine's own migration set: the table family listed
// in spec §3. Authoring further application-specific migrations is the
// caller's job (spec §1 scopes migration SQL authorship to the external
// Migration Runner collaborator); this catalog only creates what the
// storage engine itself requires to function.
func Catalog() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "core node table",
			SQL: `
CREATE TABLE nodes (
	id            TEXT PRIMARY KEY CHECK (length(id) BETWEEN 1 AND 100),
	name          TEXT NOT NULL DEFAULT '' CHECK (length(name) <= 1000),
	content       TEXT NOT NULL DEFAULT '',
	doc_type      TEXT,
	owner_id      TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	node_type     TEXT NOT NULL DEFAULT 'node' CHECK (node_type IN ('node','field','reference')),
	is_system_node INTEGER NOT NULL DEFAULT 0,
	fields_json   TEXT NOT NULL DEFAULT '{}',
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_nodes_owner ON nodes(owner_id);
CREATE INDEX idx_nodes_type ON nodes(node_type);
CREATE INDEX idx_nodes_created ON nodes(created_at);
CREATE INDEX idx_nodes_system ON nodes(is_system_node);
`,
		},
		{
			Version:     2,
			Description: "hierarchy edges",
			SQL: `
CREATE TABLE hierarchy_edges (
	parent_id TEXT NOT NULL REFERENCES nodes(id),
	child_id  TEXT NOT NULL REFERENCES nodes(id),
	position  INTEGER NOT NULL CHECK (position >= 0),
	PRIMARY KEY (parent_id, child_id),
	CHECK (parent_id != child_id)
);
CREATE INDEX idx_hierarchy_child ON hierarchy_edges(child_id);
CREATE UNIQUE INDEX idx_hierarchy_parent_position ON hierarchy_edges(parent_id, position);
`,
		},
		{
			Version:     3,
			Description: "references",
			SQL: `
CREATE TABLE node_references (
	source_id      TEXT NOT NULL REFERENCES nodes(id),
	target_id      TEXT NOT NULL REFERENCES nodes(id),
	reference_type TEXT NOT NULL,
	context        TEXT,
	PRIMARY KEY (source_id, target_id, reference_type)
);
CREATE INDEX idx_references_target ON node_references(target_id);
`,
		},
		{
			Version:     4,
			Description: "node stats",
			SQL: `
CREATE TABLE node_stats (
	node_id              TEXT PRIMARY KEY REFERENCES nodes(id),
	access_count         INTEGER NOT NULL DEFAULT 0,
	incoming_ref_count   INTEGER NOT NULL DEFAULT 0,
	direct_child_count   INTEGER NOT NULL DEFAULT 0,
	depth                INTEGER NOT NULL DEFAULT 0
);
`,
		},
		{
			Version:     5,
			Description: "full text search",
			SQL: `
CREATE VIRTUAL TABLE nodes_fts USING fts5(
	id UNINDEXED,
	name,
	content,
	tags
);
`,
		},
		{
			Version:     6,
			Description: "import ledger",
			SQL: `
CREATE TABLE imports (
	id            TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	file_hash     TEXT NOT NULL,
	node_count    INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	ended_at      TEXT,
	status        TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','completed','failed')),
	error         TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
`,
		},
	}
}
