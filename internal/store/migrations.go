package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions and messages",
		SQL: `
			CREATE TABLE sessions (
				id          TEXT PRIMARY KEY,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE TABLE messages (
				seq          INTEGER PRIMARY KEY AUTOINCREMENT,
				id           TEXT NOT NULL DEFAULT '',
				session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role         TEXT NOT NULL,
				content      TEXT NOT NULL,
				created_at   TEXT NOT NULL,
				is_streaming INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_messages_session ON messages (session_id, seq);
			CREATE UNIQUE INDEX idx_messages_id ON messages (session_id, id) WHERE id <> '';
		`,
	},
	{
		Version: 2,
		Name:    "create approval audit log",
		SQL: `
			CREATE TABLE approvals (
				tool_use_id  TEXT PRIMARY KEY,
				session_id   TEXT NOT NULL,
				job_id       TEXT NOT NULL,
				tool_name    TEXT NOT NULL,
				tool_input   TEXT,
				status       TEXT NOT NULL,
				created_at   TEXT NOT NULL,
				timeout_at   TEXT NOT NULL,
				decided_at   TEXT,
				approved_by  TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_approvals_session ON approvals (session_id, created_at);

			CREATE TABLE approval_transitions (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				tool_use_id  TEXT NOT NULL REFERENCES approvals(tool_use_id) ON DELETE CASCADE,
				status       TEXT NOT NULL,
				approved_by  TEXT NOT NULL DEFAULT '',
				recorded_at  TEXT NOT NULL
			);

			CREATE INDEX idx_transitions_tool_use ON approval_transitions (tool_use_id, id);
		`,
	},
}
