package main

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/opsight/opscheck/internal/config"
	"github.com/opsight/opscheck/internal/diag"
	"github.com/opsight/opscheck/internal/probe"
)

const fixtureSQL = `
CREATE TABLE user_groups (id INTEGER PRIMARY KEY, name VARCHAR(100) NOT NULL);
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	username VARCHAR(50) NOT NULL,
	role VARCHAR(20) NOT NULL,
	identity_type VARCHAR(10),
	group_id INTEGER REFERENCES user_groups (id)
);
CREATE TABLE ai_agents (id INTEGER PRIMARY KEY, name VARCHAR(100) NOT NULL, provider VARCHAR(10) NOT NULL);
CREATE TABLE ai_call_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL REFERENCES ai_agents (id),
	status VARCHAR(12) NOT NULL
);
INSERT INTO user_groups VALUES (1, '1组');
INSERT INTO users VALUES (1, 'admin', 'super_admin', NULL, NULL), (2, 'alice', 'user', 'cc', 1), (3, 'bob', 'user', 'ss', 7);
INSERT INTO ai_agents VALUES (1, 'default', 'openai');
INSERT INTO ai_call_logs (agent_id, status) VALUES (1, 'success'), (1, 'success'), (1, 'timeout');
`

func newFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simple_app.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(fixtureSQL); err != nil {
		t.Fatalf("seed fixture: %v", err)
	}
	return path
}

// runApp runs the CLI with an isolated HOME and returns stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runAppLogged(t, append([]string{"--silent"}, args...)...)
	return stdout, err
}

// runAppLogged is runApp with logging left on; it also returns stderr.
func runAppLogged(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"opscheck"}, args...))
	return stdout.String(), stderr.String(), err
}

// --- helpers ---

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"table", "json", "ndjson", "yaml"} {
		if !validFormat(f) {
			t.Errorf("format %q should be valid", f)
		}
	}
	for _, f := range []string{"csv", "sqlite", ""} {
		if validFormat(f) {
			t.Errorf("format %q should be invalid", f)
		}
	}
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", in: nil, want: nil},
		{name: "pairs", in: []string{"username=admin", "role = user"}, want: map[string]any{"username": "admin", "role": " user"}},
		{name: "value with equals", in: []string{"request_data={\"a\"=1}"}, want: map[string]any{"request_data": "{\"a\"=1}"}},
		{name: "empty value", in: []string{"organization="}, want: map[string]any{"organization": ""}},
		{name: "no equals", in: []string{"username"}, wantErr: true},
		{name: "no key", in: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWhere(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWhere: %v", err)
			}
			if diff := cmp.Diff(tt.want, map[string]any(got)); diff != "" {
				t.Errorf("parseWhere mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCell(t *testing.T) {
	assert.Equal(t, "NULL", cell(nil))
	assert.Equal(t, "42", cell(int64(42)))
	assert.Equal(t, "组", cell("组"))
}

func TestIntegrityRules(t *testing.T) {
	cfg := config.RulesConfig{
		References: []config.ReferenceRule{{Collection: "reports", Field: "reviewer_id", Target: "accounts", TargetField: "id"}},
		Enums:      []config.EnumRule{{Collection: "reports", Field: "mood", Values: []string{"good", "bad"}}},
	}

	only := integrityRules(cfg, false)
	assert.Len(t, only.References, 1)
	assert.Len(t, only.Enums, 1)
	assert.Empty(t, only.NotNull)

	merged := integrityRules(cfg, true)
	assert.Len(t, merged.References, 12)
	assert.Len(t, merged.Enums, 9)
	assert.Equal(t, "reviewer_id", merged.References[11].Field)
}

func TestProbePlan(t *testing.T) {
	cfg := &config.Config{Service: config.ServiceConfig{Username: "admin", Password: "admin123"}}
	plan := probePlan(cfg)
	assert.Equal(t, "admin", plan.Credentials.Username)
	assert.Equal(t, probe.DefaultProbes(), plan.Probes)

	cfg.Probes = []config.ProbeConfig{{Name: "tasks", Method: "GET", Path: "/tasks", ExpectStatus: 200}}
	plan = probePlan(cfg)
	require.Len(t, plan.Probes, 1)
	assert.Equal(t, "/tasks", plan.Probes[0].Path)
}

// --- store commands ---

func TestApp_InvalidFormat(t *testing.T) {
	_, err := runApp(t, "--format", "csv", "tables")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Errorf("err = %v, want invalid format", err)
	}
}

func TestApp_MissingStore(t *testing.T) {
	_, err := runApp(t, "--dsn", filepath.Join(t.TempDir(), "none.db"), "tables")
	require.Error(t, err)
	assert.Equal(t, diag.ExitConnection, diag.ExitCode(err))
}

func TestApp_Tables(t *testing.T) {
	out, err := runApp(t, "--dsn", newFixture(t), "--format", "json", "tables")
	require.NoError(t, err)

	var got []tableCount
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	want := []tableCount{{"ai_agents", 1}, {"ai_call_logs", 3}, {"user_groups", 1}, {"users", 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}
}

func TestApp_SchemaTable(t *testing.T) {
	out, err := runApp(t, "--dsn", newFixture(t), "schema", "accounts")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "FIELD"))
	assert.Contains(t, lines[5], "user_groups.id")
}

func TestApp_ListAdmin(t *testing.T) {
	out, err := runApp(t, "--dsn", newFixture(t), "-f", "json", "list", "--where", "username=admin", "accounts")
	require.NoError(t, err)

	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "super_admin", recs[0]["role"])
}

func TestApp_ListNDJSONWithLimit(t *testing.T) {
	out, err := runApp(t, "--dsn", newFixture(t), "-f", "ndjson", "list", "--limit", "2", "call_logs")
	require.NoError(t, err)

	sc := bufio.NewScanner(strings.NewReader(out))
	n := 0
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestApp_ListUnknownCollectionIsNotFatal(t *testing.T) {
	_, err := runApp(t, "--dsn", newFixture(t), "list", "reports")
	require.Error(t, err)
	assert.True(t, diag.IsNotFound(err))
	assert.Equal(t, diag.ExitOK, diag.ExitCode(err))
}

func TestApp_SummarizeYAML(t *testing.T) {
	out, err := runApp(t, "--dsn", newFixture(t), "-f", "yaml", "summarize", "--by", "status", "call_logs")
	require.NoError(t, err)

	var got struct {
		Field   string `yaml:"field"`
		Total   int    `yaml:"total"`
		Buckets []struct {
			Value string `yaml:"value"`
			Count int    `yaml:"count"`
		} `yaml:"buckets"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Total)
	require.Len(t, got.Buckets, 2)
	assert.Equal(t, "success", got.Buckets[0].Value)
	assert.Equal(t, 2, got.Buckets[0].Count)
}

func TestApp_CheckStrict(t *testing.T) {
	dsn := newFixture(t)

	out, err := runApp(t, "--dsn", dsn, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "dangling_reference")
	assert.Contains(t, out, "skipped:")

	_, err = runApp(t, "--dsn", dsn, "check", "--strict")
	require.Error(t, err)
	assert.Equal(t, diag.ExitFailure, diag.ExitCode(err))
}

func TestApp_CheckConfigRulesOnly(t *testing.T) {
	dsn := newFixture(t)
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	cfgBody := `
[[rules.enum]]
collection = "agents"
field = "provider"
values = ["OpenAI", "claude"]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o600))

	out, err := runApp(t, "--config", cfgPath, "--dsn", dsn, "-f", "json", "check", "--no-defaults", "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, `"checked": 1`)
}

func TestApp_PurgeDryRunThenConfirm(t *testing.T) {
	dsn := newFixture(t)
	backup := filepath.Join(t.TempDir(), "backup.db")

	out, err := runApp(t, "--dsn", dsn, "purge", "call_logs")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete")

	out, err = runApp(t, "--dsn", dsn, "-f", "json", "list", "call_logs")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 3, "dry run must not delete")

	out, err = runApp(t, "--dsn", dsn, "-f", "json", "purge", "--confirm", "--backup", backup, "call_logs")
	require.NoError(t, err)
	var got []purgeCount
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []purgeCount{{Collection: "call_logs", Records: 3, Action: "deleted"}}, got)

	// the backup still holds the rows
	out, err = runApp(t, "--dsn", backup, "-f", "json", "tables")
	require.NoError(t, err)
	assert.Contains(t, out, `"records": 3`)

	out, err = runApp(t, "--dsn", dsn, "-f", "json", "purge", "--confirm", "call_logs")
	require.NoError(t, err)
	assert.Contains(t, out, `"records": 0`)
}

func TestApp_PurgeDryRunSkipsBackup(t *testing.T) {
	dsn := newFixture(t)
	backup := filepath.Join(t.TempDir(), "backup.db")

	out, logs, err := runAppLogged(t, "--dsn", dsn, "purge", "--backup", backup, "call_logs")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete")
	assert.Contains(t, logs, "dry run, backup not written")
	assert.NoFileExists(t, backup)
}

func TestApp_ExportAll(t *testing.T) {
	dsn := newFixture(t)
	dest := filepath.Join(t.TempDir(), "export.db")

	out, err := runApp(t, "--dsn", dsn, "export", "-o", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "ai_call_logs")

	out, err = runApp(t, "--dsn", dest, "-f", "json", "list", "--where", "username=bob", "accounts")
	require.NoError(t, err)
	assert.Contains(t, out, `"group_id": 7`)
}

// --- service commands ---

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds probe.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		w.Header().Set("Content-Type", "application/json")
		if creds.Username != "admin" || creds.Password != "admin123" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"用户名或密码错误"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		w.Write([]byte(`{"message":"登录成功","user":{"id":1,"username":"admin","role":"super_admin","identity_type":null}}`))
	})
	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"未登录"}`))
			return
		}
		switch r.URL.Path {
		case "/api/v1/groups/1/members":
			w.Write([]byte(`{"members":[{"id":2,"username":"alice"}]}`))
		case "/api/v1/auth/me", "/api/v1/users":
			w.Write([]byte(`[{"id":1,"username":"admin"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Not Found"}`))
		}
	})
	mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"paths":{"/api/v1/auth/login":{},"/api/v1/auth/me":{},"/api/v1/users":{},"/api/v1/groups/{group_id}/members":{}}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func serviceArgs(server *httptest.Server, password string) []string {
	return []string{"--base-url", server.URL + "/api/v1", "--username", "admin", "--password", password}
}

func TestApp_Login(t *testing.T) {
	server := newBackend(t)

	out, err := runApp(t, append(serviceArgs(server, "admin123"), "-f", "json", "login")...)
	require.NoError(t, err)
	var got []sessionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "super_admin", got[0].Role)
	assert.NotEmpty(t, got[0].Session)

	_, err = runApp(t, append(serviceArgs(server, "bad"), "login")...)
	require.Error(t, err)
	assert.Equal(t, diag.ExitAuth, diag.ExitCode(err))
}

func TestApp_InvokeGroupMembers(t *testing.T) {
	server := newBackend(t)

	out, err := runApp(t, append(serviceArgs(server, "admin123"), "-f", "json", "invoke", "--expect", "200", "get", "/groups/1/members")...)
	require.NoError(t, err)
	var got invokeResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "GET", got.Method)
}

func TestApp_InvokeAnonymous(t *testing.T) {
	server := newBackend(t)

	out, err := runApp(t, append(serviceArgs(server, ""), "invoke", "--anonymous", "--expect", "401", "GET", "/auth/me")...)
	require.NoError(t, err)
	assert.Contains(t, out, "401 Unauthorized")

	_, err = runApp(t, append(serviceArgs(server, ""), "invoke", "--anonymous", "--expect", "200", "GET", "/auth/me")...)
	require.Error(t, err)
}

func TestApp_Paths(t *testing.T) {
	server := newBackend(t)

	out, err := runApp(t, append(serviceArgs(server, ""), "-f", "json", "paths", "--match", "groups")...)
	require.NoError(t, err)
	var got []string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []string{"/api/v1/groups/{group_id}/members"}, got)
}

func TestApp_ProbeDefaults(t *testing.T) {
	server := newBackend(t)

	out, err := runApp(t, append(serviceArgs(server, "admin123"), "probe")...)
	require.NoError(t, err, out)
	assert.Equal(t, 3, strings.Count(out, " ok"))
}

func TestApp_ProbeFailure(t *testing.T) {
	server := newBackend(t)
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	cfgBody := `
[[probe]]
name = "reports"
path = "/reports"
expect_status = 200
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o600))

	args := append([]string{"--config", cfgPath}, serviceArgs(server, "admin123")...)

	out, err := runApp(t, append(args, "probe")...)
	require.NoError(t, err, "failed probes are reported, not fatal")
	assert.Contains(t, out, "FAIL")

	_, err = runApp(t, append(args, "probe", "--strict")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 probes failed")
	assert.Equal(t, diag.ExitFailure, diag.ExitCode(err))
}

func TestApp_NegativeRetriesIsUsageError(t *testing.T) {
	server := newBackend(t)

	_, err := runApp(t, append(serviceArgs(server, ""), "--max-retries", "-1", "paths")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid max_retries")
	assert.Equal(t, diag.ExitFailure, diag.ExitCode(err))
}

func TestApp_ProbeBadCredentials(t *testing.T) {
	server := newBackend(t)
	_, err := runApp(t, append(serviceArgs(server, "nope"), "probe")...)
	require.Error(t, err)
	assert.Equal(t, diag.ExitAuth, diag.ExitCode(err))
}
