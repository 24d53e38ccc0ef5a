package inspect

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// backendSchema mirrors the tables the OpSight backend creates in sqlite.
const backendSchema = `
CREATE TABLE user_groups (
	id INTEGER NOT NULL,
	name VARCHAR(100) NOT NULL,
	description VARCHAR(500),
	created_at DATETIME,
	PRIMARY KEY (id),
	UNIQUE (name)
);
CREATE TABLE users (
	id INTEGER NOT NULL,
	username VARCHAR(50) NOT NULL,
	hashed_password VARCHAR(255),
	role VARCHAR(20) NOT NULL,
	identity_type VARCHAR(10),
	organization VARCHAR(100),
	group_id INTEGER,
	is_active BOOLEAN,
	PRIMARY KEY (id),
	FOREIGN KEY(group_id) REFERENCES user_groups (id)
);
CREATE TABLE tasks (
	id INTEGER NOT NULL,
	title VARCHAR(200) NOT NULL,
	task_type VARCHAR(8) NOT NULL,
	assignment_type VARCHAR(8) NOT NULL,
	assigned_to BIGINT,
	target_group_id BIGINT,
	status VARCHAR(10),
	priority VARCHAR(6),
	created_by BIGINT NOT NULL,
	PRIMARY KEY (id),
	FOREIGN KEY(assigned_to) REFERENCES users (id),
	FOREIGN KEY(target_group_id) REFERENCES user_groups (id),
	FOREIGN KEY(created_by) REFERENCES users (id)
);
CREATE TABLE ai_agents (
	id INTEGER NOT NULL,
	name VARCHAR(100) NOT NULL,
	provider VARCHAR(10) NOT NULL,
	model_name VARCHAR(100) NOT NULL,
	created_by INTEGER NOT NULL,
	PRIMARY KEY (id)
);
CREATE TABLE ai_functions (
	id INTEGER NOT NULL,
	name VARCHAR(100) NOT NULL,
	function_type VARCHAR(21) NOT NULL,
	agent_id INTEGER NOT NULL,
	PRIMARY KEY (id),
	FOREIGN KEY(agent_id) REFERENCES ai_agents (id)
);
CREATE TABLE ai_call_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	function_id INTEGER NOT NULL REFERENCES ai_functions (id),
	agent_id INTEGER NOT NULL REFERENCES ai_agents (id),
	user_id INTEGER NOT NULL REFERENCES users (id),
	request_data JSON NOT NULL,
	status VARCHAR(12) NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT
);
`

// backendSeed contains one dangling group reference (bob), one dangling
// assignee (task 4), an unknown role (carol) and an unknown call status
// (call log 3). Upper-case enum values are legal.
const backendSeed = `
INSERT INTO user_groups (id, name) VALUES (1, '1组'), (2, '北京分部');
INSERT INTO users (id, username, role, identity_type, organization, group_id, is_active) VALUES
	(1, 'admin', 'super_admin', NULL, 'OpSight', NULL, 1),
	(2, 'alice', 'user', 'cc', 'OpSight', 1, 1),
	(3, 'bob', 'ADMIN', 'ss', 'OpSight', 9, 1),
	(4, 'carol', 'manager', 'lp', 'OpSight', 2, 0);
INSERT INTO tasks (id, title, task_type, assignment_type, assigned_to, target_group_id, status, priority, created_by) VALUES
	(1, '日报提交', 'checkbox', 'all', NULL, NULL, 'pending', 'medium', 1),
	(2, '签单', 'AMOUNT', 'user', 2, NULL, 'processing', 'high', 1),
	(3, '组任务', 'quantity', 'group', NULL, 1, 'done', 'low', 1),
	(4, '孤儿任务', 'jielong', 'user', 42, NULL, 'pending', 'urgent', 1);
INSERT INTO ai_agents (id, name, provider, model_name, created_by) VALUES (1, 'default', 'openai', 'gpt-4o-mini', 1);
INSERT INTO ai_functions (id, name, function_type, agent_id) VALUES (1, 'emotion', 'emotion_analysis', 1);
INSERT INTO ai_call_logs (function_id, agent_id, user_id, request_data, status, duration_ms) VALUES
	(1, 1, 1, '{"q":"hi"}', 'success', 120),
	(1, 1, 2, '{}', 'FAILED', 50),
	(1, 1, 1, '{}', 'exploded', 10);
`

// newFixtureDB writes a seeded backend database and returns its path.
func newFixtureDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simple_app.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(backendSchema)
	require.NoError(t, err)
	_, err = db.Exec(backendSeed)
	require.NoError(t, err)
	return path
}

// openFixture opens a Store over a freshly seeded database.
func openFixture(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Driver: "sqlite",
		DSN:    newFixtureDB(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
